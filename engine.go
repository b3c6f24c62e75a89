package authcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edulab/authcore/internal/rate"
	"github.com/edulab/authcore/jwt"
	"github.com/edulab/authcore/refresh"
	"github.com/edulab/authcore/session"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Engine issues, renews and revokes credentials. Build one with [New].
//
// Engine is safe for concurrent use. It holds no lock across I/O; every guarantee about
// concurrent refreshes comes from the ledger's atomic Rotate.
type Engine struct {
	config       Config
	jwtManager   *jwt.Manager
	ledger       refresh.Ledger
	sessions     session.Registry
	rateLimiter  *rate.Limiter
	redis        redis.UniversalClient
	pg           pinger
	userProvider UserProvider
	audit        *auditDispatcher
	metrics      *Metrics
	logger       *zap.Logger
	now          func() time.Time
}

// Close stops the audit dispatcher after draining queued events.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped returns how many audit events were dropped because the buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a copy of the engine counters and latency histograms.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

/*
====================================
LOGIN
====================================
*/

// Login authenticates req against the UserProvider and opens a new session with a fresh
// access/refresh pair. Unknown identifiers and wrong passwords both report
// ErrInvalidCredentials.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if e == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}
	if req.IP == "" {
		req.IP = clientIPFromContext(ctx)
	}
	if req.Device == "" {
		req.Device = userAgentFromContext(ctx)
	}

	if e.rateLimiter != nil {
		if err := e.rateLimiter.CheckLogin(ctx, req.Identifier, req.IP); err != nil {
			return nil, e.loginThrottled(ctx, req, err)
		}
	}

	identity, err := e.userProvider.Authenticate(ctx, req.Identifier, req.Password)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrInvalidCredentials) {
			if e.rateLimiter != nil {
				if incErr := e.rateLimiter.IncrementLogin(ctx, req.Identifier, req.IP); incErr != nil {
					e.logger.Warn("login attempt not counted", zap.String("identifier", req.Identifier), zap.Error(incErr))
				}
			}
			e.metricInc(MetricLoginFailure)
			e.emitAudit(ctx, auditEventLoginFailure, false, "", "", ErrInvalidCredentials, func() map[string]string {
				return map[string]string{"identifier": req.Identifier}
			})
			return nil, ErrInvalidCredentials
		}
		e.metricInc(MetricLoginFailure)
		return nil, fmt.Errorf("%w: authenticate: %v", ErrStoreUnavailable, err)
	}

	if e.rateLimiter != nil {
		if err := e.rateLimiter.ResetLogin(ctx, req.Identifier); err != nil {
			e.logger.Warn("login counter not reset", zap.String("identifier", req.Identifier), zap.Error(err))
		}
	}

	familyID := uuid.NewString()
	sess, err := e.sessions.Create(ctx, session.NewSession{
		UserID:       identity.UserID,
		Device:       req.Device,
		Location:     req.Location,
		IP:           req.IP,
		SessionToken: familyID,
	})
	if err != nil {
		e.metricInc(MetricLoginFailure)
		return nil, mapSessionError(err)
	}
	e.metricInc(MetricSessionCreated)

	refreshToken, refreshExpiry, err := e.saveInitialRefresh(ctx, identity.UserID, familyID)
	if err != nil {
		if _, revErr := e.sessions.Revoke(ctx, sess.ID); revErr != nil {
			e.logger.Warn("orphaned session not revoked", zap.String("session_id", sess.ID), zap.Error(revErr))
		}
		e.metricInc(MetricLoginFailure)
		return nil, err
	}

	access, accessExpiry, err := e.jwtManager.IssueAccess(jwt.Subject{
		UserID:    identity.UserID,
		SessionID: sess.ID,
		Name:      identity.Name,
		Roles:     identity.Roles,
	})
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, identity.UserID, sess.ID, nil, func() map[string]string {
		return map[string]string{"device": req.Device}
	})

	return &LoginResult{
		TokenPair: TokenPair{
			AccessToken:        access,
			AccessTokenExpiry:  accessExpiry,
			RefreshToken:       refreshToken,
			RefreshTokenExpiry: refreshExpiry,
		},
		UserID:    identity.UserID,
		SessionID: sess.ID,
	}, nil
}

func (e *Engine) loginThrottled(ctx context.Context, req LoginRequest, err error) error {
	if !errors.Is(err, rate.ErrRateLimited) {
		return mapThrottleError(err)
	}
	e.metricInc(MetricLoginRateLimited)
	e.emitAudit(ctx, auditEventLoginRateLimited, false, "", "", ErrLoginRateLimited, func() map[string]string {
		return map[string]string{"identifier": req.Identifier}
	})
	return ErrLoginRateLimited
}

// saveInitialRefresh stores the first token of a new rotation chain. A collision on
// a 256-bit random value means the generator is broken, so it is retried once only.
func (e *Engine) saveInitialRefresh(ctx context.Context, userID, familyID string) (string, time.Time, error) {
	expiry := e.now().Add(e.config.JWT.RefreshTTL)
	for attempt := 0; ; attempt++ {
		token, err := refresh.NewToken()
		if err != nil {
			return "", time.Time{}, err
		}
		_, err = e.ledger.Save(ctx, userID, token, expiry, refresh.WithFamily(familyID))
		if err == nil {
			return token, expiry, nil
		}
		if errors.Is(err, refresh.ErrTokenCollision) && attempt == 0 {
			continue
		}
		return "", time.Time{}, mapLedgerError(err)
	}
}

/*
====================================
REFRESH
====================================
*/

// Refresh exchanges a signed (possibly expired) access token and its refresh token for a
// new pair. The refresh token is single use: presenting it again after a completed
// rotation revokes the whole session and returns ErrReplayDetected, unless the previous
// rotation happened within Renewal.RaceGrace, in which case ErrRotationConflict is
// returned and nothing is revoked. A refresh token from another session's chain is
// rejected with ErrRefreshInvalid. Name and roles of the new access token are read from
// the UserProvider; a user it no longer knows loses the session.
func (e *Engine) Refresh(ctx context.Context, accessToken, refreshToken string) (*TokenPair, error) {
	if e == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}
	start := time.Now()
	defer func() {
		e.metrics.Observe(MetricRefreshLatency, time.Since(start))
	}()

	pair, userID, sessionID, err := e.refresh(ctx, accessToken, refreshToken)
	if err != nil {
		e.refreshFailed(ctx, userID, sessionID, err)
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, userID, sessionID, nil, nil)
	return pair, nil
}

func (e *Engine) refresh(ctx context.Context, accessToken, refreshToken string) (*TokenPair, string, string, error) {
	claims, err := e.jwtManager.ParseExpired(accessToken)
	if err != nil {
		return nil, "", "", mapJWTError(err)
	}
	userID, sessionID := claims.UserID(), claims.SID
	if userID == "" || sessionID == "" {
		return nil, userID, sessionID, ErrTokenInvalid
	}
	if err := refresh.CheckFormat(refreshToken); err != nil {
		return nil, userID, sessionID, ErrRefreshInvalid
	}

	if e.rateLimiter != nil {
		if err := e.rateLimiter.CheckRefresh(ctx, sessionID); err != nil {
			if errors.Is(err, rate.ErrRateLimited) {
				return nil, userID, sessionID, ErrRefreshRateLimited
			}
			return nil, userID, sessionID, mapThrottleError(err)
		}
	}

	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, userID, sessionID, mapSessionError(err)
	}
	if sess.UserID != userID {
		return nil, userID, sessionID, ErrSessionNotFound
	}
	if !sess.Active {
		return nil, userID, sessionID, ErrSessionRevoked
	}

	live, err := e.ledger.Validate(ctx, userID, refreshToken)
	if err != nil {
		return nil, userID, sessionID, mapLedgerError(err)
	}
	if !live {
		return nil, userID, sessionID, e.deadRefresh(ctx, sess, refreshToken)
	}

	identity, err := e.userProvider.GetIdentity(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			e.revokeChain(ctx, sess, refresh.Record{}, "user removed")
			return nil, userID, sessionID, ErrSessionRevoked
		}
		return nil, userID, sessionID, fmt.Errorf("%w: identity: %v", ErrStoreUnavailable, err)
	}

	newToken, err := refresh.NewToken()
	if err != nil {
		return nil, userID, sessionID, err
	}
	newExpiry := e.now().Add(e.config.JWT.RefreshTTL)

	if err := e.rotate(ctx, sess, refreshToken, newToken, newExpiry); err != nil {
		return nil, userID, sessionID, err
	}

	access, accessExpiry, err := e.jwtManager.IssueAccess(jwt.Subject{
		UserID:    userID,
		SessionID: sessionID,
		Name:      identity.Name,
		Roles:     identity.Roles,
		Extra:     claims.Ext,
	})
	if err != nil {
		return nil, userID, sessionID, fmt.Errorf("issue access token: %w", err)
	}

	if err := e.sessions.Touch(ctx, sessionID, e.now()); err != nil {
		e.logger.Warn("session touch failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	return &TokenPair{
		AccessToken:        access,
		AccessTokenExpiry:  accessExpiry,
		RefreshToken:       newToken,
		RefreshTokenExpiry: newExpiry,
	}, userID, sessionID, nil
}

// deadRefresh explains why Validate rejected token. Only a row of another chain is left
// alone; unknown and rotated tokens are replays of this session's chain.
func (e *Engine) deadRefresh(ctx context.Context, sess *session.Session, token string) error {
	rec, err := e.ledger.Lookup(ctx, sess.UserID, token)
	switch {
	case errors.Is(err, refresh.ErrTokenNotFound):
		e.revokeChain(ctx, sess, refresh.Record{}, "replay")
		return ErrReplayDetected
	case err != nil:
		return mapLedgerError(err)
	case sess.SessionToken != "" && rec.FamilyID != sess.SessionToken:
		return ErrRefreshInvalid
	case rec.Revoked:
		return e.replayed(ctx, sess, rec)
	case !rec.Active(e.now()):
		return ErrRefreshExpired
	default:
		// Validate and Lookup disagreed; a retry settles it.
		return ErrRotationConflict
	}
}

// rotate runs the ledger CAS with up to MaxRotateRetries retries on transient errors.
// A retry that finds the old row already replaced by newToken means the earlier attempt
// committed before its reply was lost.
func (e *Engine) rotate(ctx context.Context, sess *session.Session, oldToken, newToken string, newExpiry time.Time) error {
	newHash := refresh.HashHex(newToken)

	var (
		rec refresh.Record
		err error
	)
	for attempt := 0; ; attempt++ {
		rec, err = e.ledger.Rotate(ctx, sess.UserID, oldToken, newToken, newExpiry, refresh.ExpectFamily(sess.SessionToken))
		if err == nil {
			return nil
		}
		if attempt > 0 && errors.Is(err, refresh.ErrReplayDetected) && rec.ReplacedBy == newHash {
			return nil
		}
		if errors.Is(err, refresh.ErrStoreUnavailable) && attempt < e.config.Renewal.MaxRotateRetries && ctx.Err() == nil {
			e.metricInc(MetricRotateRetry)
			e.logger.Debug("retrying refresh rotation", zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		break
	}

	switch {
	case errors.Is(err, refresh.ErrFamilyMismatch):
		return ErrRefreshInvalid
	case errors.Is(err, refresh.ErrReplayDetected):
		return e.replayed(ctx, sess, rec)
	case errors.Is(err, refresh.ErrTokenExpired):
		return ErrRefreshExpired
	default:
		return mapLedgerError(err)
	}
}

// replayed turns a rotated token presented again into a conflict inside the race grace
// and into a chain revocation after it.
func (e *Engine) replayed(ctx context.Context, sess *session.Session, rec refresh.Record) error {
	if e.withinRaceGrace(rec) {
		return ErrRotationConflict
	}
	e.revokeChain(ctx, sess, rec, "replay")
	return ErrReplayDetected
}

func (e *Engine) withinRaceGrace(rec refresh.Record) bool {
	grace := e.config.Renewal.RaceGrace
	if grace <= 0 || rec.ReplacedBy == "" || rec.RevokedAt == nil {
		return false
	}
	return e.now().Sub(*rec.RevokedAt) < grace
}

// revokeChain revokes every refresh token of the session's chain and the session
// itself. Failures are logged; the caller reports its error either way.
func (e *Engine) revokeChain(ctx context.Context, sess *session.Session, rec refresh.Record, reason string) {
	families := []string{sess.SessionToken}
	if rec.FamilyID != "" && rec.FamilyID != sess.SessionToken {
		families = append(families, rec.FamilyID)
	}
	for _, family := range families {
		if family == "" {
			continue
		}
		if _, err := e.ledger.RevokeFamily(ctx, sess.UserID, family); err != nil {
			e.logger.Warn("chain revoke: family revoke failed", zap.String("reason", reason),
				zap.String("user_id", sess.UserID), zap.String("family_id", family), zap.Error(err))
		}
	}
	if _, err := e.sessions.Revoke(ctx, sess.ID); err != nil {
		e.logger.Warn("chain revoke: session revoke failed", zap.String("reason", reason),
			zap.String("session_id", sess.ID), zap.Error(err))
	}
	e.metricInc(MetricSessionRevoked)
}

func (e *Engine) refreshFailed(ctx context.Context, userID, sessionID string, err error) {
	event := auditEventRefreshFailure
	switch {
	case errors.Is(err, ErrReplayDetected):
		event = auditEventReplayDetected
		e.metricInc(MetricReplayDetected)
		e.logger.Warn("refresh token replay, session revoked", zap.String("user_id", userID), zap.String("session_id", sessionID))
	case errors.Is(err, ErrRotationConflict):
		event = auditEventRotationConflict
		e.metricInc(MetricRotationConflict)
	case errors.Is(err, ErrRefreshRateLimited):
		event = auditEventRefreshRateLimited
		e.metricInc(MetricRefreshRateLimited)
	case errors.Is(err, ErrStoreUnavailable):
		e.metricInc(MetricStoreUnavailable)
		e.logger.Warn("refresh failed on store error", zap.String("session_id", sessionID), zap.Error(err))
	}
	e.metricInc(MetricRefreshFailure)
	e.emitAudit(ctx, event, false, userID, sessionID, err, nil)
}

/*
====================================
ACCESS TOKENS
====================================
*/

// AccessTokenExpired reports whether the token's exp has passed. The signature is not
// checked, so the answer only decides whether a refresh is worth attempting.
func (e *Engine) AccessTokenExpired(token string) (bool, error) {
	if e == nil || e.jwtManager == nil {
		return false, ErrEngineNotReady
	}
	expired, err := e.jwtManager.Expired(token)
	if err != nil {
		return false, mapJWTError(err)
	}
	return expired, nil
}

// ValidateAccess fully verifies an access token: signature, issuer, audience and expiry.
// It does not consult the session registry.
func (e *Engine) ValidateAccess(ctx context.Context, token string) (*AuthResult, error) {
	if e == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}
	if e.metrics.LatencyEnabled() {
		start := time.Now()
		defer func() {
			e.metrics.Observe(MetricValidateLatency, time.Since(start))
		}()
	}

	claims, err := e.jwtManager.ParseAccess(token)
	if err != nil {
		return nil, mapJWTError(err)
	}
	if claims.UserID() == "" || claims.SID == "" {
		return nil, ErrTokenInvalid
	}

	return &AuthResult{
		UserID:    claims.UserID(),
		SessionID: claims.SID,
		Name:      claims.Name,
		Roles:     claims.Roles,
		Extra:     claims.Ext,
		ExpiresAt: claims.ExpiresAtTime(),
	}, nil
}

/*
====================================
LOGOUT / SESSIONS
====================================
*/

// Logout revokes the presented refresh token and the session named by the access token.
// The access token may be expired but must carry a valid signature. Logging out an
// already-revoked session is not an error.
func (e *Engine) Logout(ctx context.Context, accessToken, refreshToken string) error {
	if e == nil || e.jwtManager == nil {
		return ErrEngineNotReady
	}
	claims, err := e.jwtManager.ParseExpired(accessToken)
	if err != nil {
		return mapJWTError(err)
	}
	userID, sessionID := claims.UserID(), claims.SID

	if refreshToken != "" {
		if _, err := e.ledger.Revoke(ctx, userID, refreshToken); err != nil {
			return mapLedgerError(err)
		}
	}

	if sessionID != "" {
		if _, err := e.revokeOwnedSession(ctx, userID, sessionID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			return err
		}
	}

	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditEventLogoutSession, true, userID, sessionID, nil, nil)
	return nil
}

// LogoutAll revokes every refresh token and every session of userID and returns the
// number of sessions that were active.
func (e *Engine) LogoutAll(ctx context.Context, userID string) (int, error) {
	if e == nil || e.ledger == nil {
		return 0, ErrEngineNotReady
	}
	if _, err := e.ledger.RevokeAll(ctx, userID); err != nil {
		return 0, mapLedgerError(err)
	}
	n, err := e.sessions.RevokeAllForUser(ctx, userID, "")
	if err != nil {
		return 0, mapSessionError(err)
	}

	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, true, userID, "", nil, func() map[string]string {
		return map[string]string{"sessions": fmt.Sprint(n)}
	})
	return n, nil
}

// ListSessions returns the active sessions of userID ordered by login time.
// The entry whose id equals currentSessionID is flagged Current.
func (e *Engine) ListSessions(ctx context.Context, userID, currentSessionID string) ([]SessionInfo, error) {
	if e == nil || e.sessions == nil {
		return nil, ErrEngineNotReady
	}
	list, err := e.sessions.ActiveForUser(ctx, userID)
	if err != nil {
		return nil, mapSessionError(err)
	}

	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, SessionInfo{
			ID:           s.ID,
			Device:       s.Device,
			Location:     s.Location,
			IP:           s.IP,
			LoginTime:    s.LoginTime,
			LastActivity: s.LastActivity,
			Current:      s.ID == currentSessionID,
		})
	}
	return out, nil
}

// RevokeSession logs out one session of userID. Sessions of other users report
// ErrSessionNotFound. The result is false when the session was already inactive.
func (e *Engine) RevokeSession(ctx context.Context, userID, sessionID string) (bool, error) {
	if e == nil || e.sessions == nil {
		return false, ErrEngineNotReady
	}
	changed, err := e.revokeOwnedSession(ctx, userID, sessionID)
	if err != nil {
		return false, err
	}
	e.emitAudit(ctx, auditEventSessionRevoked, true, userID, sessionID, nil, nil)
	return changed, nil
}

// RevokeOtherSessions logs out every session of userID except currentSessionID.
func (e *Engine) RevokeOtherSessions(ctx context.Context, userID, currentSessionID string) (int, error) {
	if e == nil || e.sessions == nil {
		return 0, ErrEngineNotReady
	}
	list, err := e.sessions.ActiveForUser(ctx, userID)
	if err != nil {
		return 0, mapSessionError(err)
	}
	for _, s := range list {
		if s.ID == currentSessionID || s.SessionToken == "" {
			continue
		}
		if _, err := e.ledger.RevokeFamily(ctx, userID, s.SessionToken); err != nil {
			return 0, mapLedgerError(err)
		}
	}

	n, err := e.sessions.RevokeAllForUser(ctx, userID, currentSessionID)
	if err != nil {
		return 0, mapSessionError(err)
	}
	for i := 0; i < n; i++ {
		e.metricInc(MetricSessionRevoked)
	}
	e.emitAudit(ctx, auditEventOtherSessionsRevoke, true, userID, currentSessionID, nil, func() map[string]string {
		return map[string]string{"sessions": fmt.Sprint(n)}
	})
	return n, nil
}

func (e *Engine) revokeOwnedSession(ctx context.Context, userID, sessionID string) (bool, error) {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return false, mapSessionError(err)
	}
	if sess.UserID != userID {
		return false, ErrSessionNotFound
	}

	if sess.SessionToken != "" {
		if _, err := e.ledger.RevokeFamily(ctx, userID, sess.SessionToken); err != nil {
			return false, mapLedgerError(err)
		}
	}
	changed, err := e.sessions.Revoke(ctx, sessionID)
	if err != nil {
		return false, mapSessionError(err)
	}
	if changed {
		e.metricInc(MetricSessionRevoked)
	}
	return changed, nil
}

/*
====================================
ERROR MAPPING
====================================
*/

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrMalformedToken):
		return ErrMalformedToken
	case errors.Is(err, jwt.ErrInvalidSignature):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	default:
		return ErrTokenInvalid
	}
}

func mapLedgerError(err error) error {
	switch {
	case errors.Is(err, refresh.ErrReplayDetected):
		return ErrReplayDetected
	case errors.Is(err, refresh.ErrTokenExpired):
		return ErrRefreshExpired
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

func mapSessionError(err error) error {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return ErrSessionNotFound
	case errors.Is(err, session.ErrSessionInactive):
		return ErrSessionRevoked
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

func mapThrottleError(err error) error {
	return fmt.Errorf("%w: throttle: %v", ErrStoreUnavailable, err)
}
