package delivery

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"

	"partner-portal/internal/common/logger"
	"partner-portal/internal/store"
)

// RetrySweeper periodically redelivers notifications whose last outbound
// attempt failed, until MaxAttempts is reached.
type RetrySweeper struct {
	deliveries  store.DeliveryStore
	deliverer   *Deliverer
	schedule    string
	maxAttempts int
	batchSize   int
	cron        *cron.Cron
	running     sync.Mutex
	logger      logger.Logger
}

func NewRetrySweeper(deliveries store.DeliveryStore, d *Deliverer, schedule string, maxAttempts int, log logger.Logger) *RetrySweeper {
	if schedule == "" {
		schedule = "@every 1m"
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &RetrySweeper{
		deliveries:  deliveries,
		deliverer:   d,
		schedule:    schedule,
		maxAttempts: maxAttempts,
		batchSize:   100,
		cron:        cron.New(),
		logger:      log.WithFields(map[string]interface{}{"component": "retry-sweeper"}),
	}
}

func (s *RetrySweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() { s.Sweep(context.Background()) }); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("retry sweeper started", map[string]interface{}{"schedule": s.schedule})
	return nil
}

// Stop waits for a running sweep or for ctx.
func (s *RetrySweeper) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Sweep redelivers one batch and returns how many notifications succeeded.
// Overlapping sweeps are skipped.
func (s *RetrySweeper) Sweep(ctx context.Context) int {
	if !s.running.TryLock() {
		return 0
	}
	defer s.running.Unlock()

	failed, err := s.deliveries.ListFailedDeliveries(ctx, s.maxAttempts, s.batchSize)
	if err != nil {
		s.logger.Error("could not read failed deliveries", map[string]interface{}{"error": err.Error()})
		return 0
	}

	seen := map[string]bool{}
	recovered := 0
	for _, a := range failed {
		if seen[a.NotificationID] {
			continue
		}
		seen[a.NotificationID] = true
		if _, err := s.deliverer.Deliver(ctx, a.NotificationID); err != nil {
			s.logger.Warn("redelivery failed", map[string]interface{}{
				"notificationId": a.NotificationID,
				"attempts":       a.Attempts,
				"error":          err.Error(),
			})
			continue
		}
		recovered++
	}
	if len(seen) > 0 {
		s.logger.Info("retry sweep finished", map[string]interface{}{
			"candidates": len(seen),
			"recovered":  recovered,
		})
	}
	return recovered
}
