// Package identity derives a canonical role and partner scope for a principal
// from an ordered chain of signal sources, with a generation-guarded cache.
package identity

import (
	"context"
	stderrors "errors"
	"time"

	"partner-portal/internal/common/errors"
	"partner-portal/internal/common/logger"
	"partner-portal/internal/common/metrics"
	"partner-portal/internal/models"
	"partner-portal/internal/store"
)

type Config struct {
	Allowlist Allowlist
	// Timeout bounds the membership lookup.
	Timeout time.Duration
}

type Resolver struct {
	members store.MembershipStore
	cache   Cache
	tiers   []Tier
	timeout time.Duration
	logger  logger.Logger
	now     func() time.Time
}

func NewResolver(cfg Config, members store.MembershipStore, cache Cache, log logger.Logger) *Resolver {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Resolver{
		members: members,
		cache:   cache,
		tiers:   DefaultTiers(cfg.Allowlist),
		timeout: timeout,
		logger:  log.WithFields(map[string]interface{}{"component": "identity"}),
		now:     time.Now,
	}
}

// Resolve returns the identity for p. It fails only with UNAUTHORIZED for an
// anonymous principal or IDENTITY_UNRESOLVABLE for a membership store error.
// A slow store yields role unknown, which is never cached.
func (r *Resolver) Resolve(ctx context.Context, p models.Principal) (*models.ResolvedIdentity, error) {
	if p.ID == "" {
		return nil, errors.NewUnauthorizedError("principal has no id")
	}

	cached, ok, err := r.cache.Get(ctx, p.ID)
	switch {
	case err != nil:
		metrics.IdentityCacheLookups.WithLabelValues("error").Inc()
		r.logger.Warn("identity cache read failed", map[string]interface{}{"principalId": p.ID, "error": err})
	case ok:
		metrics.IdentityCacheLookups.WithLabelValues("hit").Inc()
		return cached, nil
	default:
		metrics.IdentityCacheLookups.WithLabelValues("miss").Inc()
	}

	// Read the generation before the store so an invalidation that lands
	// while we resolve makes the write below a no-op.
	gen, genErr := r.cache.Generation(ctx, p.ID)
	if genErr != nil {
		r.logger.Warn("identity cache generation read failed", map[string]interface{}{"principalId": p.ID, "error": genErr})
	}

	membership, err := r.lookup(ctx, p.ID)
	if err != nil {
		if errors.IsTimeout(err) {
			metrics.IdentityResolutions.WithLabelValues(SourceTimeout).Inc()
			r.logger.Warn("membership lookup timed out, degrading to unknown", map[string]interface{}{
				"principalId": p.ID,
				"timeout":     r.timeout.String(),
			})
			return &models.ResolvedIdentity{
				PrincipalID: p.ID,
				Email:       p.Email,
				Role:        models.RoleUnknown,
				Source:      SourceTimeout,
				ResolvedAt:  r.now().UTC(),
			}, nil
		}
		return nil, errors.NewIdentityUnresolvableError(err)
	}

	hint := evaluate(r.tiers, resolveInput{principal: p, membership: membership})
	id := &models.ResolvedIdentity{
		PrincipalID: p.ID,
		Email:       p.Email,
		Role:        hint.Role,
		PartnerID:   hint.PartnerID,
		IsDisabled:  membership != nil && membership.Disabled,
		Source:      hint.Source,
		ResolvedAt:  r.now().UTC(),
	}
	metrics.IdentityResolutions.WithLabelValues(hint.Source).Inc()

	if genErr == nil {
		if stored, err := r.cache.SetIfGeneration(ctx, id, gen); err != nil {
			r.logger.Warn("identity cache write failed", map[string]interface{}{"principalId": p.ID, "error": err})
		} else if !stored {
			r.logger.Debug("identity invalidated during resolve, not caching", map[string]interface{}{"principalId": p.ID})
		}
	}
	return id, nil
}

func (r *Resolver) lookup(ctx context.Context, principalID string) (*models.Membership, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	m, err := r.members.GetMembership(lookupCtx, principalID)
	if err == nil {
		return m, nil
	}
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if lookupCtx.Err() != nil && !errors.IsTimeout(err) {
		// drivers do not always wrap the context error
		return nil, lookupCtx.Err()
	}
	return nil, err
}

// Invalidate evicts the cached identity. Role-mutating writes call it after
// the store write has committed and before reporting success.
func (r *Resolver) Invalidate(ctx context.Context, principalID string) error {
	if err := r.cache.Invalidate(ctx, principalID); err != nil {
		return errors.NewUpstreamTimeoutError("identity-cache", err)
	}
	r.logger.Info("identity cache invalidated", map[string]interface{}{"principalId": principalID})
	return nil
}
