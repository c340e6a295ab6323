package controllers

import (
	"net/http"

	"github.com/jooray/cashupayserver/common"
	"github.com/jooray/cashupayserver/lib/service"
	"github.com/labstack/echo/v4"
)

// CronController : Cron controller struct
type CronController struct {
	svc *service.GatewayService
}

func NewCronController(svc *service.GatewayService) *CronController {
	return &CronController{svc: svc}
}

// Run godoc
// @Summary      Run the background maintenance cycle
// @Description  Executes the full task catalog and returns a per-task report
// @Produce      json
// @Tags         Cron
// @Param        key  query     string  true  "Shared cron secret"
// @Success      200  {object}  service.TaskReport
// @Failure      401  {object}  responses.ErrorResponse
// @Router       /v1/cron [get]
func (controller *CronController) Run(c echo.Context) error {
	report := controller.svc.RunBackgroundTasks(c.Request().Context(), common.TriggerExternal)
	return c.JSON(http.StatusOK, report)
}
