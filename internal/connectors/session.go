package connectors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go-crmsync/internal/metrics"
	"go-crmsync/internal/secrets"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// expirySkew refreshes tokens slightly before the provider rejects them
const expirySkew = 60 * time.Second

// refreshGroup collapses concurrent in-process refreshes of the same integration
var refreshGroup singleflight.Group

var (
	limitersMu sync.Mutex
	limiters   = map[string]*rate.Limiter{}
)

// limiterFor returns the shared rate limiter of an integration
func limiterFor(integrationID string, perSecond float64) *rate.Limiter {
	limitersMu.Lock()
	defer limitersMu.Unlock()

	if l, ok := limiters[integrationID]; ok {
		if l.Limit() != rate.Limit(perSecond) {
			l.SetLimit(rate.Limit(perSecond))
		}
		return l
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(perSecond), burst)
	limiters[integrationID] = l
	return l
}

// refreshFunc exchanges credentials for a fresh access token
type refreshFunc func(ctx context.Context, creds secrets.Credentials) (secrets.Credentials, error)

// session owns the live credentials of one adapter and implements the
// refresh-once-then-retry-once rule around every provider call
type session struct {
	conn    Connection
	deps    Deps
	refresh refreshFunc
	limiter *rate.Limiter
	logger  *zap.Logger

	mu    sync.RWMutex
	creds secrets.Credentials
}

func newSession(conn Connection, deps Deps, refresh refreshFunc, perSecond float64) *session {
	if override := SettingFloat(conn.Settings, "rate_limit_per_second"); override > 0 {
		perSecond = override
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &session{
		conn:    conn,
		deps:    deps,
		refresh: refresh,
		limiter: limiterFor(conn.IntegrationID, perSecond),
		logger: logger.With(
			zap.String("integration_id", conn.IntegrationID),
			zap.String("provider", string(conn.Provider)),
		),
		creds: conn.Credentials,
	}
}

func (s *session) current() secrets.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

func (s *session) set(creds secrets.Credentials) {
	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
}

// call runs fn with the credentials in effect. An expired token is refreshed up
// front; otherwise an authentication failure triggers one refresh and one retry.
func (s *session) call(ctx context.Context, op string, fn func(ctx context.Context, creds secrets.Credentials) error) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return newError(KindTransient, s.conn.Provider, op, err)
	}

	creds := s.current()
	refreshed := false

	if s.refresh != nil && (creds.AccessToken == "" || creds.Expired(s.deps.now(), expirySkew)) {
		fresh, err := s.refreshCredentials(ctx, op, creds)
		if err != nil {
			return err
		}
		creds, refreshed = fresh, true
	}

	err := fn(ctx, creds)
	if err == nil || KindOf(err) != KindAuthentication || s.refresh == nil || refreshed {
		return err
	}

	s.logger.Info("Provider rejected credentials, refreshing", zap.String("op", op))

	fresh, rerr := s.refreshCredentials(ctx, op, creds)
	if rerr != nil {
		return rerr
	}
	return fn(ctx, fresh)
}

// refreshCredentials reloads the stored credentials first: if another worker
// already rotated the token it is used as is. Otherwise the provider is asked
// for a new token, which overwrites whatever is stored.
func (s *session) refreshCredentials(ctx context.Context, op string, stale secrets.Credentials) (secrets.Credentials, error) {
	v, err, _ := refreshGroup.Do(s.conn.IntegrationID, func() (interface{}, error) {
		base := stale
		if s.deps.Credentials != nil {
			stored, err := s.deps.Credentials.LoadCredentials(ctx, s.conn.IntegrationID)
			if err == nil {
				if stored.AccessToken != "" && stored.AccessToken != stale.AccessToken &&
					!stored.Expired(s.deps.now(), expirySkew) {
					return stored, nil
				}
				base = stored
			}
		}

		fresh, err := s.refresh(ctx, base)
		if err != nil {
			metrics.TokenRefreshTotal.WithLabelValues(string(s.conn.Provider), "error").Inc()
			return nil, err
		}
		merged := base.Merge(fresh)

		if s.deps.Credentials != nil {
			if err := s.deps.Credentials.SaveCredentials(ctx, s.conn.IntegrationID, merged); err != nil {
				s.logger.Error("Failed to persist refreshed credentials", zap.Error(err))
			}
		}
		metrics.TokenRefreshTotal.WithLabelValues(string(s.conn.Provider), "success").Inc()
		return merged, nil
	})
	if err != nil {
		s.logger.Warn("Credential refresh failed", zap.String("op", op), zap.Error(err))
		return secrets.Credentials{}, newError(KindTerminal, s.conn.Provider, op, fmt.Errorf("credential refresh failed: %w", err))
	}

	creds := v.(secrets.Credentials)
	s.set(creds)
	return creds, nil
}

// recordSettings persists settings changes and mirrors them into the connection
func (s *session) recordSettings(ctx context.Context, values map[string]interface{}) error {
	if s.conn.Settings == nil {
		s.conn.Settings = map[string]interface{}{}
	}
	for k, v := range values {
		s.conn.Settings[k] = v
	}
	if s.deps.Settings == nil {
		return nil
	}
	return s.deps.Settings.MergeSettings(ctx, s.conn.IntegrationID, values)
}
