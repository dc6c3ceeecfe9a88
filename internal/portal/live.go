package portal

import (
	"context"
	stderrors "errors"
	"sync"

	"partner-portal/internal/common/errors"
	"partner-portal/internal/models"
	"partner-portal/internal/realtime"
	"partner-portal/internal/store"
)

// Subscribe opens a live re-fetch stream for a partner conversation, or one
// deliverable thread of it. Signals carry no record data. Visibility is
// checked again before each signal is forwarded, and the stream closes once
// the caller is disabled or loses the partner.
func (p *Portal) Subscribe(ctx context.Context, id *models.ResolvedIdentity, partnerID, deliverableID string) (<-chan realtime.Signal, func(), error) {
	if p.live == nil {
		return nil, nil, errors.NewInternalError(stderrors.New("live transport is not configured"))
	}
	if _, err := p.access.RequirePartner(ctx, id, partnerID); err != nil {
		return nil, nil, err
	}
	if deliverableID != "" {
		d, err := p.store.GetDeliverable(ctx, deliverableID)
		if err != nil {
			return nil, nil, notFoundOr(err, "deliverable", deliverableID)
		}
		if d.PartnerID != partnerID {
			return nil, nil, errors.NewNotFoundError("deliverable", deliverableID)
		}
	}
	signals, cancel, err := p.live.Subscribe(ctx, realtime.Topic(partnerID, deliverableID))
	if err != nil {
		return nil, nil, errors.NewUpstreamTimeoutError("live", err)
	}

	out := make(chan realtime.Signal)
	stop := make(chan struct{})
	var once sync.Once
	closeStream := func() {
		once.Do(func() { close(stop) })
		cancel()
	}
	go func() {
		defer close(out)
		for sig := range signals {
			if !p.stillVisible(ctx, id, partnerID) {
				p.logger.Info("Live stream closed after scope change", map[string]interface{}{
					"principalId": id.PrincipalID,
					"partnerId":   partnerID,
				})
				cancel()
				return
			}
			select {
			case out <- sig:
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, closeStream, nil
}

// stillVisible reads the membership and assignments again. A read failure
// counts as not visible; the client reconnects through the normal checks.
func (p *Portal) stillVisible(ctx context.Context, id *models.ResolvedIdentity, partnerID string) bool {
	m, err := p.store.GetMembership(ctx, id.PrincipalID)
	switch {
	case err == nil:
		if m.Disabled {
			return false
		}
	case !stderrors.Is(err, store.ErrNotFound):
		p.logger.Warn("Live scope recheck failed", map[string]interface{}{"principalId": id.PrincipalID, "error": err.Error()})
		return false
	}
	scope, err := p.access.VisiblePartnerIDs(ctx, id)
	if err != nil {
		p.logger.Warn("Live scope recheck failed", map[string]interface{}{"principalId": id.PrincipalID, "error": err.Error()})
		return false
	}
	return scope.Contains(partnerID)
}
