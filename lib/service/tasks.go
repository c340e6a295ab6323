package service

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jooray/cashupayserver/common"
)

// TaskReport summarizes one background maintenance cycle. Values are
// either a result constant or an error string; one failing task never
// prevents the others from running.
type TaskReport struct {
	Timestamp time.Time         `json:"timestamp"`
	Tasks     map[string]string `json:"tasks"`
}

// RunBackgroundTasks executes the maintenance catalog in order.
// Expiration runs before polling so expired quotes are never polled.
// Auto-melt moves money out of the system, so it only runs on the
// externally authenticated trigger, never on the opportunistic
// internal one.
func (svc *GatewayService) RunBackgroundTasks(ctx context.Context, trigger string) *TaskReport {
	report := &TaskReport{
		Timestamp: svc.Clock.Now(),
		Tasks:     map[string]string{},
	}

	svc.runTask(ctx, report, common.TaskMarkExpired, func(ctx context.Context) error {
		_, err := svc.MarkExpiredInvoices(ctx)
		return err
	})
	svc.runTask(ctx, report, common.TaskPollPendingQuotes, func(ctx context.Context) error {
		return svc.PollPendingQuotes(ctx, time.Duration(svc.Config.PollMinInterval)*time.Second, svc.Config.PollBatchLimit)
	})
	if trigger == common.TriggerExternal {
		svc.runTask(ctx, report, common.TaskAutoMelt, svc.AutoMeltCheck)
	} else {
		report.Tasks[common.TaskAutoMelt] = common.TaskResultSkipped
	}

	svc.runTask(ctx, report, common.TaskPendingProofCleanup, func(ctx context.Context) error {
		stores, err := svc.FindStores(ctx)
		if err != nil {
			return err
		}
		maxAge := time.Duration(svc.Config.OrphanAge) * time.Second
		for i := range stores {
			if stores[i].MintURL == "" {
				continue
			}
			if err := svc.CleanExpiredPendingOperations(ctx, &stores[i], maxAge); err != nil {
				svc.Logger.Errorf("Pending proof cleanup failed: store_id:%d error: %v", stores[i].ID, err)
			}
		}
		return nil
	})
	// after pending cleanup so a recovered invoice sees reconciled proofs
	svc.runTask(ctx, report, common.TaskOrphanRecovery, svc.RecoverOrphanedInvoices)
	svc.runTask(ctx, report, common.TaskExpireOldInvoices, func(ctx context.Context) error {
		_, err := svc.ExpireStaleInvoices(ctx)
		return err
	})
	svc.runTask(ctx, report, common.TaskDeleteOldInvoices, func(ctx context.Context) error {
		_, err := svc.DeleteOldInvoices(ctx)
		return err
	})
	svc.runTask(ctx, report, common.TaskPruneWebhookDeliveries, svc.PruneWebhookDeliveries)

	return report
}

func (svc *GatewayService) runTask(ctx context.Context, report *TaskReport, name string, task func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in task %s: %v", name, r)
			svc.Logger.Error(err)
			sentry.CaptureException(err)
			report.Tasks[name] = fmt.Sprintf("error: %v", err)
		}
	}()
	if err := task(ctx); err != nil {
		svc.Logger.Errorf("Background task %s failed: %v", name, err)
		sentry.CaptureException(err)
		report.Tasks[name] = fmt.Sprintf("error: %v", err)
		return
	}
	report.Tasks[name] = common.TaskResultSuccess
}

// ShouldSync reports whether the opportunistic sync cooldown elapsed
// and, if so, consumes it. The caller must follow through with a sync.
func (svc *GatewayService) ShouldSync() bool {
	svc.syncMu.Lock()
	defer svc.syncMu.Unlock()
	now := svc.Clock.Now()
	if now.Sub(svc.lastSyncAt) < time.Duration(svc.Config.SyncCooldown)*time.Second {
		return false
	}
	svc.lastSyncAt = now
	return true
}

// MaybeTriggerSync kicks off a background maintenance cycle from an
// interactive request, detached from the request's lifetime so a
// client disconnect cannot cancel it mid-cycle. At most one cycle per
// cooldown window starts.
func (svc *GatewayService) MaybeTriggerSync(ctx context.Context) {
	if !svc.ShouldSync() {
		return
	}
	detached := context.WithoutCancel(ctx)
	go func() {
		svc.RunBackgroundTasks(detached, common.TriggerInternal)
	}()
}
