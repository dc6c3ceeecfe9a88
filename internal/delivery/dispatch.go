package delivery

import (
	"context"
	"sync"
	"time"

	"partner-portal/internal/common/logger"
	"partner-portal/internal/models"
)

// ProcessID is the BPMN process that drives workflow-based delivery.
const ProcessID = "portal-notification-delivery"

// Dispatcher hands freshly created notifications to outbound delivery. It
// returns immediately; delivery outcomes are only logged.
type Dispatcher interface {
	Dispatch(ctx context.Context, notifications []models.Notification)
}

// AsyncDispatcher delivers in a background goroutine per batch.
type AsyncDispatcher struct {
	deliverer *Deliverer
	timeout   time.Duration
	logger    logger.Logger
	wg        sync.WaitGroup
}

func NewAsyncDispatcher(d *Deliverer, timeout time.Duration, log logger.Logger) *AsyncDispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AsyncDispatcher{
		deliverer: d,
		timeout:   timeout,
		logger:    log.WithFields(map[string]interface{}{"component": "dispatch", "mode": "direct"}),
	}
}

func (a *AsyncDispatcher) Dispatch(_ context.Context, notifications []models.Notification) {
	if len(notifications) == 0 {
		return
	}
	ids := notificationIDs(notifications)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		// detached from the request so delivery outlives it
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		for _, id := range ids {
			if _, err := a.deliverer.Deliver(ctx, id); err != nil {
				a.logger.Warn("notification delivery failed", map[string]interface{}{
					"notificationId": id,
					"error":          err.Error(),
				})
			}
		}
	}()
}

// Wait blocks until every dispatched batch has finished.
func (a *AsyncDispatcher) Wait() {
	a.wg.Wait()
}

// ProcessStarter starts a workflow instance. *camunda.Client implements it.
type ProcessStarter interface {
	StartProcess(ctx context.Context, processID string, variables map[string]interface{}) (int64, error)
}

// ZeebeDispatcher starts one delivery process instance per notification.
// When the broker is unreachable it falls back to direct delivery.
type ZeebeDispatcher struct {
	starter  ProcessStarter
	fallback *AsyncDispatcher
	timeout  time.Duration
	logger   logger.Logger
	wg       sync.WaitGroup
}

func NewZeebeDispatcher(starter ProcessStarter, fallback *AsyncDispatcher, timeout time.Duration, log logger.Logger) *ZeebeDispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ZeebeDispatcher{
		starter:  starter,
		fallback: fallback,
		timeout:  timeout,
		logger:   log.WithFields(map[string]interface{}{"component": "dispatch", "mode": "camunda"}),
	}
}

func (z *ZeebeDispatcher) Dispatch(_ context.Context, notifications []models.Notification) {
	if len(notifications) == 0 {
		return
	}
	batch := append([]models.Notification(nil), notifications...)
	z.wg.Add(1)
	go func() {
		defer z.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), z.timeout)
		defer cancel()

		var failed []models.Notification
		for _, n := range batch {
			key, err := z.starter.StartProcess(ctx, ProcessID, map[string]interface{}{
				"notificationId": n.ID,
				"recipientId":    n.RecipientID,
				"type":           n.Type,
			})
			if err != nil {
				z.logger.Warn("failed to start delivery process", map[string]interface{}{
					"notificationId": n.ID,
					"error":          err.Error(),
				})
				failed = append(failed, n)
				continue
			}
			z.logger.Debug("delivery process started", map[string]interface{}{
				"notificationId":     n.ID,
				"processInstanceKey": key,
			})
		}
		if len(failed) > 0 && z.fallback != nil {
			z.fallback.Dispatch(ctx, failed)
		}
	}()
}

func (z *ZeebeDispatcher) Wait() {
	z.wg.Wait()
	if z.fallback != nil {
		z.fallback.Wait()
	}
}

func notificationIDs(ns []models.Notification) []string {
	ids := make([]string, 0, len(ns))
	for _, n := range ns {
		ids = append(ids, n.ID)
	}
	return ids
}
