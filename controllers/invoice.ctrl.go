package controllers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jooray/cashupayserver/db/models"
	"github.com/jooray/cashupayserver/lib/responses"
	"github.com/jooray/cashupayserver/lib/service"
	"github.com/labstack/echo/v4"
)

// InvoiceController : Invoice controller struct
type InvoiceController struct {
	svc *service.GatewayService
}

func NewInvoiceController(svc *service.GatewayService) *InvoiceController {
	return &InvoiceController{svc: svc}
}

type AddInvoiceRequestBody struct {
	Amount   float64 `json:"amount" validate:"gt=0"`
	Currency string  `json:"currency" validate:"required"`
	Metadata string  `json:"metadata"`
}

type LightningPaymentMethod struct {
	PaymentLink string `json:"paymentLink"`
	Destination string `json:"destination"`
}

type Checkout struct {
	PaymentMethods map[string]LightningPaymentMethod `json:"paymentMethods"`
}

type Invoice struct {
	ID               string    `json:"id"`
	StoreID          int64     `json:"storeId"`
	Amount           float64   `json:"amount"`
	Currency         string    `json:"currency"`
	Status           string    `json:"status"`
	AdditionalStatus string    `json:"additionalStatus,omitempty"`
	CreatedTime      time.Time `json:"createdTime"`
	ExpirationTime   time.Time `json:"expirationTime"`
	Checkout         Checkout  `json:"checkout"`
	AmountInMintUnit int64     `json:"amountInMintUnit"`
	MintUnit         string    `json:"mintUnit"`
	ExchangeRate     float64   `json:"exchangeRate"`
	Metadata         string    `json:"metadata,omitempty"`
}

type GetInvoicesResponseBody struct {
	Invoices []Invoice `json:"invoices"`
}

func newInvoiceResponse(invoice *models.Invoice) *Invoice {
	return &Invoice{
		ID:             invoice.ID,
		StoreID:        invoice.StoreID,
		Amount:         invoice.Amount,
		Currency:       invoice.Currency,
		Status:         invoice.Status,
		CreatedTime:    invoice.CreatedAt,
		ExpirationTime: invoice.ExpiresAt,
		Checkout: Checkout{
			PaymentMethods: map[string]LightningPaymentMethod{
				"BTC-LightningNetwork": {
					PaymentLink: invoice.PaymentRequest,
					Destination: invoice.MintURL,
				},
			},
		},
		AmountInMintUnit: invoice.AmountInMintUnit,
		MintUnit:         invoice.MintUnit,
		ExchangeRate:     invoice.ExchangeRate,
		Metadata:         invoice.Metadata,
	}
}

// AddInvoice godoc
// @Summary      Create a new invoice
// @Description  Requests a Lightning quote from the store's mint and returns the invoice
// @Accept       json
// @Produce      json
// @Tags         Invoice
// @Param        store_id  path      int                    true  "Store ID"
// @Param        invoice   body      AddInvoiceRequestBody  True  "Add Invoice"
// @Success      200       {object}  Invoice
// @Failure      400       {object}  responses.ErrorResponse
// @Failure      500       {object}  responses.ErrorResponse
// @Router       /v1/stores/{store_id}/invoices [post]
func (controller *InvoiceController) AddInvoice(c echo.Context) error {
	storeID, err := strconv.ParseInt(c.Param("store_id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, responses.BadArgumentsError)
	}
	var body AddInvoiceRequestBody

	if err := c.Bind(&body); err != nil {
		c.Logger().Errorf("Failed to load create invoice request body: %v", err)
		return c.JSON(http.StatusBadRequest, responses.BadArgumentsError)
	}

	if err := c.Validate(&body); err != nil {
		c.Logger().Errorf("Invalid create invoice request body: %v", err)
		return c.JSON(http.StatusBadRequest, responses.BadArgumentsError)
	}

	c.Logger().Infof("Creating invoice: store_id:%d amount:%v currency:%s", storeID, body.Amount, body.Currency)

	invoice, err := controller.svc.CreateInvoice(c.Request().Context(), storeID, body.Amount, body.Currency, body.Metadata)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrStoreNotFound):
			return c.JSON(http.StatusNotFound, responses.StoreNotFoundError)
		case errors.Is(err, service.ErrStoreNotConfigured):
			return c.JSON(http.StatusBadRequest, responses.StoreNotConfiguredError)
		case errors.Is(err, service.ErrRateLookup):
			return c.JSON(http.StatusBadGateway, responses.RateLookupError)
		}
		var allMints *service.AllMintsError
		if errors.As(err, &allMints) {
			c.Logger().Errorf("No mint could serve the quote: store_id:%d error: %v", storeID, err)
			return c.JSON(http.StatusBadGateway, responses.MintUnreachableError)
		}
		c.Logger().Errorf("Error creating invoice: store_id:%d error: %v", storeID, err)
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, responses.GeneralServerError)
	}

	controller.svc.MaybeTriggerSync(c.Request().Context())

	return c.JSON(http.StatusOK, newInvoiceResponse(invoice))
}

// GetInvoice godoc
// @Summary      Retrieve an invoice
// @Description  Returns one invoice with its current payment status
// @Produce      json
// @Tags         Invoice
// @Param        store_id    path      int     true  "Store ID"
// @Param        invoice_id  path      string  true  "Invoice ID"
// @Success      200         {object}  Invoice
// @Failure      404         {object}  responses.ErrorResponse
// @Failure      500         {object}  responses.ErrorResponse
// @Router       /v1/stores/{store_id}/invoices/{invoice_id} [get]
func (controller *InvoiceController) GetInvoice(c echo.Context) error {
	storeID, err := strconv.ParseInt(c.Param("store_id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, responses.BadArgumentsError)
	}

	invoice, err := controller.svc.FindInvoice(c.Request().Context(), storeID, c.Param("invoice_id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, responses.InvoiceNotFoundError)
	}

	// a status check is a natural moment to catch up on pending work
	controller.svc.MaybeTriggerSync(c.Request().Context())

	return c.JSON(http.StatusOK, newInvoiceResponse(invoice))
}

// GetInvoices godoc
// @Summary      Retrieve invoices
// @Description  Returns all invoices for a store, newest first
// @Produce      json
// @Tags         Invoice
// @Param        store_id  path      int  true  "Store ID"
// @Success      200       {object}  GetInvoicesResponseBody
// @Failure      500       {object}  responses.ErrorResponse
// @Router       /v1/stores/{store_id}/invoices [get]
func (controller *InvoiceController) GetInvoices(c echo.Context) error {
	storeID, err := strconv.ParseInt(c.Param("store_id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, responses.BadArgumentsError)
	}

	invoices, err := controller.svc.FindInvoices(c.Request().Context(), storeID)
	if err != nil {
		c.Logger().Errorf("Failed to list invoices: store_id:%d error: %v", storeID, err)
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, responses.GeneralServerError)
	}

	response := make([]Invoice, len(invoices))
	for i := range invoices {
		response[i] = *newInvoiceResponse(&invoices[i])
	}
	return c.JSON(http.StatusOK, &GetInvoicesResponseBody{Invoices: response})
}
