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

// BalanceController : Balance controller struct
type BalanceController struct {
	svc *service.GatewayService
}

func NewBalanceController(svc *service.GatewayService) *BalanceController {
	return &BalanceController{svc: svc}
}

type BalanceResponse struct {
	Balance int64  `json:"balance"`
	Pending int64  `json:"pending"`
	Unit    string `json:"unit"`
	MintURL string `json:"mintUrl"`
}

// Balance godoc
// @Summary      Retrieve the store balance
// @Description  Sums locally stored unspent proofs, the mint is never contacted
// @Produce      json
// @Tags         Balance
// @Param        store_id  path      int  true  "Store ID"
// @Success      200       {object}  BalanceResponse
// @Failure      404       {object}  responses.ErrorResponse
// @Failure      500       {object}  responses.ErrorResponse
// @Router       /v1/stores/{store_id}/balance [get]
func (controller *BalanceController) Balance(c echo.Context) error {
	storeID, err := strconv.ParseInt(c.Param("store_id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, responses.BadArgumentsError)
	}

	ctx := c.Request().Context()
	store, err := controller.svc.FindStore(ctx, storeID)
	if err != nil {
		if errors.Is(err, service.ErrStoreNotFound) {
			return c.JSON(http.StatusNotFound, responses.StoreNotFoundError)
		}
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, responses.GeneralServerError)
	}

	balance, err := controller.svc.GetBalance(ctx, store.ID, store.MintURL, store.Unit)
	if err != nil {
		c.Logger().Errorf("Failed to retrieve balance: store_id:%v error: %v", storeID, err)
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, responses.GeneralServerError)
	}

	pendingProofs, err := controller.svc.GetPendingProofs(ctx, store.ID)
	if err != nil {
		c.Logger().Errorf("Failed to retrieve pending proofs: store_id:%v error: %v", storeID, err)
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, responses.GeneralServerError)
	}
	var pending int64
	for _, proof := range pendingProofs {
		pending += proof.Amount
	}

	controller.svc.MaybeTriggerSync(ctx)

	return c.JSON(http.StatusOK, &BalanceResponse{
		Balance: balance,
		Pending: pending,
		Unit:    store.Unit,
		MintURL: store.MintURL,
	})
}
