package controllers

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/getsentry/sentry-go"
	"github.com/jooray/cashupayserver/db/models"
	"github.com/jooray/cashupayserver/lib/responses"
	"github.com/jooray/cashupayserver/lib/service"
	"github.com/labstack/echo/v4"
	"github.com/uptrace/bun"
)

// StoreController : Store controller struct
type StoreController struct {
	svc *service.GatewayService
}

func NewStoreController(svc *service.GatewayService) *StoreController {
	return &StoreController{svc: svc}
}

type BackupMintBody struct {
	MintURL  string `json:"mintUrl" validate:"required,url"`
	Priority int    `json:"priority"`
	Enabled  bool   `json:"enabled"`
}

type StoreRequestBody struct {
	Name              string           `json:"name" validate:"required"`
	MintURL           string           `json:"mintUrl" validate:"omitempty,url"`
	Unit              string           `json:"unit"`
	Seed              string           `json:"seed"`
	WebhookURL        string           `json:"webhookUrl" validate:"omitempty,url"`
	AutoMeltEnabled   bool             `json:"autoMeltEnabled"`
	AutoMeltThreshold int64            `json:"autoMeltThreshold" validate:"gte=0"`
	AutoMeltAddress   string           `json:"autoMeltAddress"`
	BackupMints       []BackupMintBody `json:"backupMints" validate:"dive"`
}

type StoreResponse struct {
	ID                int64            `json:"id"`
	Name              string           `json:"name"`
	MintURL           string           `json:"mintUrl"`
	Unit              string           `json:"unit"`
	WebhookURL        string           `json:"webhookUrl,omitempty"`
	AutoMeltEnabled   bool             `json:"autoMeltEnabled"`
	AutoMeltThreshold int64            `json:"autoMeltThreshold,omitempty"`
	AutoMeltAddress   string           `json:"autoMeltAddress,omitempty"`
	BackupMints       []BackupMintBody `json:"backupMints"`
}

func newStoreResponse(store *models.Store) *StoreResponse {
	backups := make([]BackupMintBody, len(store.BackupMints))
	for i, backup := range store.BackupMints {
		backups[i] = BackupMintBody{
			MintURL:  backup.MintURL,
			Priority: backup.Priority,
			Enabled:  backup.Enabled,
		}
	}
	return &StoreResponse{
		ID:                store.ID,
		Name:              store.Name,
		MintURL:           store.MintURL,
		Unit:              store.Unit,
		WebhookURL:        store.WebhookURL,
		AutoMeltEnabled:   store.AutoMeltEnabled,
		AutoMeltThreshold: store.AutoMeltThreshold,
		AutoMeltAddress:   store.AutoMeltAddress,
		BackupMints:       backups,
	}
}

// CreateStore godoc
// @Summary      Create a store
// @Description  Registers a store with its mint and wallet configuration
// @Accept       json
// @Produce      json
// @Tags         Store
// @Param        store  body      StoreRequestBody  True  "Create Store"
// @Success      200    {object}  StoreResponse
// @Failure      400    {object}  responses.ErrorResponse
// @Failure      500    {object}  responses.ErrorResponse
// @Router       /v1/stores [post]
func (controller *StoreController) CreateStore(c echo.Context) error {
	var body StoreRequestBody

	if err := c.Bind(&body); err != nil {
		c.Logger().Errorf("Failed to load create store request body: %v", err)
		return c.JSON(http.StatusBadRequest, responses.BadArgumentsError)
	}

	if err := c.Validate(&body); err != nil {
		c.Logger().Errorf("Invalid create store request body: %v", err)
		return c.JSON(http.StatusBadRequest, responses.BadArgumentsError)
	}

	store := &models.Store{
		Name:              body.Name,
		MintURL:           body.MintURL,
		Seed:              body.Seed,
		WebhookURL:        body.WebhookURL,
		AutoMeltEnabled:   body.AutoMeltEnabled,
		AutoMeltThreshold: body.AutoMeltThreshold,
		AutoMeltAddress:   body.AutoMeltAddress,
	}
	if body.Unit != "" {
		store.Unit = body.Unit
	}

	ctx := c.Request().Context()
	err := controller.svc.DB.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(store).Exec(ctx); err != nil {
			return err
		}
		return insertBackupMints(ctx, tx, store, body.BackupMints)
	})
	if err != nil {
		c.Logger().Errorf("Failed to create store: %v", err)
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, responses.GeneralServerError)
	}

	created, err := controller.svc.FindStore(ctx, store.ID)
	if err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, responses.GeneralServerError)
	}
	return c.JSON(http.StatusOK, newStoreResponse(created))
}

// GetStore godoc
// @Summary      Retrieve a store
// @Produce      json
// @Tags         Store
// @Param        store_id  path      int  true  "Store ID"
// @Success      200       {object}  StoreResponse
// @Failure      404       {object}  responses.ErrorResponse
// @Router       /v1/stores/{store_id} [get]
func (controller *StoreController) GetStore(c echo.Context) error {
	storeID, err := strconv.ParseInt(c.Param("store_id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, responses.BadArgumentsError)
	}

	store, err := controller.svc.FindStore(c.Request().Context(), storeID)
	if err != nil {
		if errors.Is(err, service.ErrStoreNotFound) {
			return c.JSON(http.StatusNotFound, responses.StoreNotFoundError)
		}
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, responses.GeneralServerError)
	}
	return c.JSON(http.StatusOK, newStoreResponse(store))
}

// UpdateStore godoc
// @Summary      Update a store
// @Description  Replaces the store configuration including the backup mint list
// @Accept       json
// @Produce      json
// @Tags         Store
// @Param        store_id  path      int               true  "Store ID"
// @Param        store     body      StoreRequestBody  True  "Update Store"
// @Success      200       {object}  StoreResponse
// @Failure      400       {object}  responses.ErrorResponse
// @Failure      404       {object}  responses.ErrorResponse
// @Router       /v1/stores/{store_id} [put]
func (controller *StoreController) UpdateStore(c echo.Context) error {
	storeID, err := strconv.ParseInt(c.Param("store_id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, responses.BadArgumentsError)
	}
	var body StoreRequestBody

	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, responses.BadArgumentsError)
	}
	if err := c.Validate(&body); err != nil {
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

	store.Name = body.Name
	store.MintURL = body.MintURL
	store.WebhookURL = body.WebhookURL
	store.AutoMeltEnabled = body.AutoMeltEnabled
	store.AutoMeltThreshold = body.AutoMeltThreshold
	store.AutoMeltAddress = body.AutoMeltAddress
	if body.Unit != "" {
		store.Unit = body.Unit
	}
	if body.Seed != "" {
		store.Seed = body.Seed
	}
	store.UpdatedAt = bun.NullTime{Time: controller.svc.Clock.Now()}

	err = controller.svc.DB.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewUpdate().Model(store).WherePK().Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewDelete().Model((*models.BackupMint)(nil)).Where("store_id = ?", store.ID).Exec(ctx); err != nil {
			return err
		}
		return insertBackupMints(ctx, tx, store, body.BackupMints)
	})
	if err != nil {
		c.Logger().Errorf("Failed to update store: store_id:%d error: %v", storeID, err)
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, responses.GeneralServerError)
	}

	updated, err := controller.svc.FindStore(ctx, store.ID)
	if err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, responses.GeneralServerError)
	}
	return c.JSON(http.StatusOK, newStoreResponse(updated))
}

func insertBackupMints(ctx context.Context, tx bun.Tx, store *models.Store, backups []BackupMintBody) error {
	if len(backups) == 0 {
		return nil
	}
	rows := make([]*models.BackupMint, len(backups))
	for i, backup := range backups {
		rows[i] = &models.BackupMint{
			StoreID:  store.ID,
			MintURL:  backup.MintURL,
			Priority: backup.Priority,
			Enabled:  backup.Enabled,
		}
	}
	_, err := tx.NewInsert().Model(&rows).Exec(ctx)
	return err
}
