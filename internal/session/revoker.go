// Package session tracks bearer sessions per principal in Redis so that
// disabling an account can force every live session out.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"partner-portal/internal/common/logger"
)

type Revoker struct {
	client     *redis.Client
	sessionTTL time.Duration
	revokeTTL  time.Duration
	logger     logger.Logger
}

func NewRevoker(client *redis.Client, sessionTTL time.Duration, log logger.Logger) *Revoker {
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	return &Revoker{
		client:     client,
		sessionTTL: sessionTTL,
		// typical token lifetime
		revokeTTL: 24 * time.Hour,
		logger:    log.WithFields(map[string]interface{}{"component": "session"}),
	}
}

// TokenID is the stored form of a bearer token.
func TokenID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:16])
}

func sessionKey(principalID, tokenID string) string {
	return fmt.Sprintf("session:%s:%s", principalID, tokenID)
}

func revokedKey(tokenID string) string {
	return "token:revoked:" + tokenID
}

// Touch records that token is a live session of principalID.
func (r *Revoker) Touch(ctx context.Context, principalID, token string) error {
	if err := r.client.Set(ctx, sessionKey(principalID, TokenID(token)), "1", r.sessionTTL).Err(); err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	return nil
}

// IsRevoked reports whether token was revoked.
func (r *Revoker) IsRevoked(ctx context.Context, token string) (bool, error) {
	n, err := r.client.Exists(ctx, revokedKey(TokenID(token))).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check token: %w", err)
	}
	return n > 0, nil
}

// RevokeAll deletes every session of principalID and blacklists their
// tokens. It returns how many sessions were revoked.
func (r *Revoker) RevokeAll(ctx context.Context, principalID string) (int, error) {
	pattern := sessionKey(principalID, "*")
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to find sessions: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	prefix := sessionKey(principalID, "")
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.Set(ctx, revokedKey(strings.TrimPrefix(k, prefix)), "1", r.revokeTTL)
		}
		pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}

	r.logger.Info("All sessions invalidated", map[string]interface{}{
		"principalId": principalID,
		"count":       len(keys),
	})
	return len(keys), nil
}
