package delivery

import (
	"context"
	"errors"
	"fmt"

	perrors "partner-portal/internal/common/errors"
	"partner-portal/internal/common/logger"
	"partner-portal/internal/common/metrics"
	"partner-portal/internal/models"
	"partner-portal/internal/store"
)

var ErrDeliveryFailed = errors.New("NOTIFICATION_DELIVERY_FAILED")

// Store is what the deliverer reads and writes.
type Store interface {
	store.NotificationStore
	store.MembershipStore
	store.DeliveryStore
}

type Options struct {
	EmailEnabled bool
	SMSEnabled   bool
}

// Result reports the per-channel outcome of one delivery pass.
type Result struct {
	NotificationID string `json:"notificationId"`
	Email          string `json:"email"`
	SMS            string `json:"sms"`
}

type Deliverer struct {
	store     Store
	sender    Sender
	templates map[string]Template
	opts      Options
	logger    logger.Logger
}

func NewDeliverer(st Store, sender Sender, opts Options, log logger.Logger) *Deliverer {
	return &Deliverer{
		store:     st,
		sender:    sender,
		templates: DefaultTemplates(),
		opts:      opts,
		logger:    log.WithFields(map[string]interface{}{"component": "delivery"}),
	}
}

// Deliver sends the outbound copies of one notification. A channel already
// recorded as sent is skipped, so redelivery after a partial failure never
// sends the same email twice.
func (d *Deliverer) Deliver(ctx context.Context, notificationID string) (*Result, error) {
	n, err := d.store.GetNotification(ctx, notificationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, perrors.NewNotFoundError("notification", notificationID)
		}
		return nil, perrors.FromStore("postgres", err)
	}

	res := &Result{NotificationID: n.ID, Email: models.DeliveryDisabled, SMS: models.DeliveryDisabled}

	member, err := d.store.GetMembership(ctx, n.RecipientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			d.logger.Warn("recipient not found", map[string]interface{}{
				"recipientId":    n.RecipientID,
				"notificationId": n.ID,
			})
			return res, nil
		}
		return nil, perrors.FromStore("postgres", err)
	}
	if member.Disabled {
		return res, nil
	}

	tmpl, ok := d.templates[n.Type]
	if !ok {
		return nil, fmt.Errorf("template not found for type: %s", n.Type)
	}
	data := map[string]interface{}{
		"title":   n.Title,
		"message": n.Message,
	}
	for k, v := range n.Metadata {
		data[k] = v
	}
	subject := renderTemplate(tmpl.Subject, data)
	body := renderTemplate(tmpl.Body, data)

	res.Email = d.deliverChannel(ctx, n, models.ChannelEmail, d.opts.EmailEnabled && member.Email != "", func(ctx context.Context) error {
		return d.sender.SendEmail(ctx, member.Email, subject, body)
	})

	// SMS only for high-priority notifications
	if priority, _ := n.Metadata["priority"].(string); priority == "high" {
		res.SMS = d.deliverChannel(ctx, n, models.ChannelSMS, d.opts.SMSEnabled && member.Phone != "", func(ctx context.Context) error {
			return d.sender.SendSMS(ctx, member.Phone, body)
		})
	}

	if res.Email == models.DeliveryFailed || res.SMS == models.DeliveryFailed {
		return res, fmt.Errorf("%w: notification %s (email=%s, sms=%s)", ErrDeliveryFailed, n.ID, res.Email, res.SMS)
	}
	return res, nil
}

func (d *Deliverer) deliverChannel(ctx context.Context, n *models.Notification, channel string, enabled bool, send func(context.Context) error) string {
	if !enabled {
		return models.DeliveryDisabled
	}

	prior, err := d.store.GetDelivery(ctx, n.ID, channel)
	switch {
	case err == nil && prior.Status == models.DeliverySent:
		return models.DeliverySent
	case err != nil && !errors.Is(err, store.ErrNotFound):
		// unknown prior state; do not risk a duplicate send
		d.logger.Warn("delivery state unavailable", map[string]interface{}{
			"notificationId": n.ID,
			"channel":        channel,
			"error":          err.Error(),
		})
		return models.DeliveryFailed
	}

	attempt := &models.DeliveryAttempt{
		NotificationID: n.ID,
		RecipientID:    n.RecipientID,
		Channel:        channel,
		Status:         models.DeliverySent,
	}
	if err := send(ctx); err != nil {
		attempt.Status = models.DeliveryFailed
		attempt.LastError = err.Error()
		d.logger.Error(channel+" send failed", map[string]interface{}{
			"error":          err.Error(),
			"notificationId": n.ID,
			"recipientId":    n.RecipientID,
		})
	}
	metrics.DeliveryAttempts.WithLabelValues(channel, attempt.Status).Inc()

	if err := d.store.RecordDelivery(ctx, attempt); err != nil {
		d.logger.Error("failed to record delivery", map[string]interface{}{
			"error":          err.Error(),
			"notificationId": n.ID,
			"channel":        channel,
		})
	}
	return attempt.Status
}
