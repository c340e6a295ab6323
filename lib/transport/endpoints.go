package transport

import (
	"github.com/jooray/cashupayserver/controllers"
	"github.com/jooray/cashupayserver/lib/service"
	"github.com/jooray/cashupayserver/lib/tokens"
	"github.com/labstack/echo/v4"
)

func RegisterEndpoints(svc *service.GatewayService, e *echo.Echo, strictRateLimitMiddleware echo.MiddlewareFunc, logMw echo.MiddlewareFunc) {
	storeCtrl := controllers.NewStoreController(svc)
	invoiceCtrl := controllers.NewInvoiceController(svc)
	balanceCtrl := controllers.NewBalanceController(svc)
	exportCtrl := controllers.NewExportController(svc)
	cronCtrl := controllers.NewCronController(svc)

	e.POST("/v1/stores", storeCtrl.CreateStore, strictRateLimitMiddleware, logMw)
	e.GET("/v1/stores/:store_id", storeCtrl.GetStore, logMw)
	e.PUT("/v1/stores/:store_id", storeCtrl.UpdateStore, strictRateLimitMiddleware, logMw)

	e.POST("/v1/stores/:store_id/invoices", invoiceCtrl.AddInvoice, logMw)
	e.GET("/v1/stores/:store_id/invoices", invoiceCtrl.GetInvoices, logMw)
	e.GET("/v1/stores/:store_id/invoices/:invoice_id", invoiceCtrl.GetInvoice, logMw)

	e.GET("/v1/stores/:store_id/balance", balanceCtrl.Balance, logMw)
	// moving money out gets the strict limit
	e.POST("/v1/stores/:store_id/export", exportCtrl.Export, strictRateLimitMiddleware, logMw)

	cronAuth := tokens.CronKeyMiddleware(svc.Config.CronKey)
	e.GET("/v1/cron", cronCtrl.Run, cronAuth, logMw)
	e.POST("/v1/cron", cronCtrl.Run, cronAuth, logMw)
}
