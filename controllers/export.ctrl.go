package controllers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/getsentry/sentry-go"
	"github.com/jooray/cashupayserver/lib/responses"
	"github.com/jooray/cashupayserver/lib/service"
	"github.com/labstack/echo/v4"
)

// ExportController : Export controller struct
type ExportController struct {
	svc *service.GatewayService
}

func NewExportController(svc *service.GatewayService) *ExportController {
	return &ExportController{svc: svc}
}

type ExportRequestBody struct {
	Amount          int64 `json:"amount" validate:"gt=0"`
	DonationPercent int   `json:"donationPercent" validate:"gte=0,lte=100"`
	ForceAmount     int64 `json:"forceAmount" validate:"gte=0"`
}

// Export godoc
// @Summary      Withdraw ecash as a bearer token
// @Description  Swaps unspent proofs into the exact requested amount and returns a serialized token
// @Accept       json
// @Produce      json
// @Tags         Export
// @Param        store_id  path      int                true  "Store ID"
// @Param        export    body      ExportRequestBody  True  "Export"
// @Success      200       {object}  service.ExportResult
// @Failure      400       {object}  responses.ErrorResponse
// @Failure      500       {object}  responses.ErrorResponse
// @Router       /v1/stores/{store_id}/export [post]
func (controller *ExportController) Export(c echo.Context) error {
	storeID, err := strconv.ParseInt(c.Param("store_id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, responses.BadArgumentsError)
	}
	var body ExportRequestBody

	if err := c.Bind(&body); err != nil {
		c.Logger().Errorf("Failed to load export request body: %v", err)
		return c.JSON(http.StatusBadRequest, responses.BadArgumentsError)
	}

	if err := c.Validate(&body); err != nil {
		c.Logger().Errorf("Invalid export request body: %v", err)
		return c.JSON(http.StatusBadRequest, responses.BadArgumentsError)
	}

	c.Logger().Infof("Exporting tokens: store_id:%d amount:%d donation_percent:%d", storeID, body.Amount, body.DonationPercent)

	result, err := controller.svc.ExportTokens(c.Request().Context(), &service.ExportRequest{
		StoreID:         storeID,
		Amount:          body.Amount,
		DonationPercent: body.DonationPercent,
		ForceAmount:     body.ForceAmount,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrStoreNotFound):
			return c.JSON(http.StatusNotFound, responses.StoreNotFoundError)
		case errors.Is(err, service.ErrStoreNotConfigured):
			return c.JSON(http.StatusBadRequest, responses.StoreNotConfiguredError)
		case errors.Is(err, service.ErrNotEnoughBalance):
			return c.JSON(http.StatusBadRequest, responses.NotEnoughBalanceError)
		}
		c.Logger().Errorf("Error exporting tokens: store_id:%d error: %v", storeID, err)
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, responses.GeneralServerError)
	}

	return c.JSON(http.StatusOK, result)
}
