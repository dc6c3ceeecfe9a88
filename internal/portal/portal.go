// Package portal is the partner portal core: every operation the HTTP layer
// exposes, each one resolving scope before it touches the store.
package portal

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"partner-portal/internal/access"
	"partner-portal/internal/blob"
	"partner-portal/internal/common/errors"
	"partner-portal/internal/common/logger"
	"partner-portal/internal/common/metrics"
	"partner-portal/internal/common/observability"
	"partner-portal/internal/identity"
	"partner-portal/internal/models"
	"partner-portal/internal/realtime"
	"partner-portal/internal/search"
	"partner-portal/internal/store"
)

// EventSink consumes domain events after a mutation has been persisted.
type EventSink interface {
	OnDomainEvent(ctx context.Context, ev models.DomainEvent) ([]models.Notification, error)
}

// SubmissionSearcher indexes and searches submissions.
type SubmissionSearcher interface {
	search.Indexer
	Search(ctx context.Context, text string, f models.SubmissionFilter) ([]search.Hit, int64, error)
}

// SessionRevoker ends the live sessions of a principal.
type SessionRevoker interface {
	RevokeAll(ctx context.Context, principalID string) (int, error)
}

// IdentityProvider ends sessions held by the external identity provider.
type IdentityProvider interface {
	LogoutUser(ctx context.Context, userID string) error
}

type Config struct {
	// EmitAttempts bounds how often a domain event is offered to fan-out.
	EmitAttempts int
	EmitBackoff  time.Duration
}

// Deps are the collaborators of the portal. Events, Blobs, Index, Live,
// Sessions, IdP and Observability are optional.
type Deps struct {
	Store         store.Store
	Resolver      *identity.Resolver
	Access        *access.Calculator
	Events        EventSink
	Blobs         blob.Store
	Index         SubmissionSearcher
	Live          realtime.Subscriber
	Sessions      SessionRevoker
	IdP           IdentityProvider
	Observability *observability.Observability
	Logger        logger.Logger
}

type Portal struct {
	store    store.Store
	resolver *identity.Resolver
	access   *access.Calculator
	events   EventSink
	blobs    blob.Store
	index    SubmissionSearcher
	live     realtime.Subscriber
	sessions SessionRevoker
	idp      IdentityProvider
	obs      *observability.Observability
	logger   logger.Logger

	emitAttempts int
	emitBackoff  time.Duration
	now          func() time.Time
	newID        func() string
}

func New(cfg Config, d Deps) *Portal {
	if cfg.EmitAttempts <= 0 {
		cfg.EmitAttempts = 3
	}
	if cfg.EmitBackoff <= 0 {
		cfg.EmitBackoff = 200 * time.Millisecond
	}
	obs := d.Observability
	if obs == nil {
		obs = observability.NewNoop()
	}
	return &Portal{
		store:        d.Store,
		resolver:     d.Resolver,
		access:       d.Access,
		events:       d.Events,
		blobs:        d.Blobs,
		index:        d.Index,
		live:         d.Live,
		sessions:     d.Sessions,
		idp:          d.IdP,
		obs:          obs,
		logger:       d.Logger.WithFields(map[string]interface{}{"component": "portal"}),
		emitAttempts: cfg.EmitAttempts,
		emitBackoff:  cfg.EmitBackoff,
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

// ResolveIdentity derives the role and scope of an authenticated principal.
func (p *Portal) ResolveIdentity(ctx context.Context, principal models.Principal) (id *models.ResolvedIdentity, err error) {
	ctx, done := p.observe(ctx, "resolve_identity")
	defer func() { done(err) }()
	return p.resolver.Resolve(ctx, principal)
}

// Ping checks the backing store.
func (p *Portal) Ping(ctx context.Context) error {
	return p.store.Ping(ctx)
}

func (p *Portal) observe(ctx context.Context, operation string) (context.Context, func(error)) {
	ctx, span := p.obs.StartSpan(ctx, "portal."+operation)
	start := time.Now()
	return ctx, func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = string(errors.Normalize(err).Code)
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
		elapsed := time.Since(start)
		metrics.OperationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
		p.obs.RecordOperation(ctx, operation, outcome, elapsed)
	}
}

// emit offers ev to fan-out with bounded retries. Failures are logged and
// never fail the mutation that produced the event.
func (p *Portal) emit(ctx context.Context, ev models.DomainEvent) {
	if p.events == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	var err error
	for attempt := 1; attempt <= p.emitAttempts; attempt++ {
		if _, err = p.events.OnDomainEvent(ctx, ev); err == nil {
			return
		}
		if std, ok := errors.As(err); ok && !std.Retryable {
			break
		}
		if attempt < p.emitAttempts {
			time.Sleep(p.emitBackoff * time.Duration(attempt))
		}
	}
	p.logger.Error("Failed to fan out domain event", map[string]interface{}{
		"eventId":   ev.ID,
		"kind":      ev.Kind,
		"partnerId": ev.PartnerID,
		"error":     err.Error(),
	})
}

func (p *Portal) newEvent(kind models.EventKind, id *models.ResolvedIdentity, partnerID string) models.DomainEvent {
	return models.DomainEvent{
		ID:         p.newID(),
		Kind:       kind,
		PartnerID:  partnerID,
		ActorID:    id.PrincipalID,
		ActorRole:  id.Role,
		OccurredAt: p.now().UTC(),
	}
}

func notFoundOr(err error, resource, id string) error {
	if stderrors.Is(err, store.ErrNotFound) {
		return errors.NewNotFoundError(resource, id)
	}
	return errors.FromStore("postgres", err)
}

// VisiblePartners returns the caller's partner scope.
func (p *Portal) VisiblePartners(ctx context.Context, id *models.ResolvedIdentity) (access.Scope, error) {
	if err := access.RequireActive(id); err != nil {
		return access.Scope{}, err
	}
	return p.access.VisiblePartnerIDs(ctx, id)
}
