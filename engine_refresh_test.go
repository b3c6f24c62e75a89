package authcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edulab/authcore/refresh"
)

// flakyLedger fails Rotate with ErrStoreUnavailable. When commitFirst is set the first
// failing call still rotates, as if the reply was lost on the way back.
type flakyLedger struct {
	refresh.Ledger
	failures    atomic.Int32
	commitFirst bool
	calls       atomic.Int32
}

func (l *flakyLedger) Rotate(ctx context.Context, userID, oldToken, newToken string, newExpiry time.Time, opts ...refresh.RotateOption) (refresh.Record, error) {
	l.calls.Add(1)
	if l.failures.Add(-1) >= 0 {
		if l.commitFirst {
			if _, err := l.Ledger.Rotate(ctx, userID, oldToken, newToken, newExpiry, opts...); err != nil {
				return refresh.Record{}, err
			}
		}
		return refresh.Record{}, fmt.Errorf("%w: connection reset", refresh.ErrStoreUnavailable)
	}
	return l.Ledger.Rotate(ctx, userID, oldToken, newToken, newExpiry, opts...)
}

func withFlakyLedger(fl *flakyLedger) func(*Builder) {
	return func(b *Builder) {
		fl.Ledger = refresh.NewRedisLedger(b.redis, refresh.WithClock(b.clock))
		b.WithLedger(fl)
	}
}

func TestRefreshAfterAccessExpiry(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()
	res := te.login(t, "alice", "laptop")

	te.clock.Advance(16 * time.Minute)
	expired, err := te.AccessTokenExpired(res.AccessToken)
	if err != nil || !expired {
		t.Fatalf("AccessTokenExpired = %v, %v", expired, err)
	}

	pair, err := te.Refresh(ctx, res.AccessToken, res.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if pair.RefreshToken == res.RefreshToken || pair.AccessToken == res.AccessToken {
		t.Fatal("refresh must issue new tokens")
	}

	auth, err := te.ValidateAccess(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("new access token invalid: %v", err)
	}
	if auth.SessionID != res.SessionID || !auth.HasRole("student") {
		t.Fatalf("claims not carried over: %+v", auth)
	}

	sessions, err := te.ListSessions(ctx, "u-alice", res.SessionID)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].LastActivity == nil || !sessions[0].LastActivity.Equal(te.clock.Now()) {
		t.Fatalf("session not touched: %+v", sessions)
	}

	// the rotated pair keeps working
	te.clock.Advance(16 * time.Minute)
	if _, err := te.Refresh(ctx, pair.AccessToken, pair.RefreshToken); err != nil {
		t.Fatalf("second refresh failed: %v", err)
	}
}

func TestRefreshReplayRevokesSession(t *testing.T) {
	te := newTestEngine(t, func(cfg *Config) {
		cfg.Renewal.RaceGrace = 0
	})
	ctx := context.Background()
	res := te.login(t, "alice", "laptop")

	pair, err := te.Refresh(ctx, res.AccessToken, res.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	_, err = te.Refresh(ctx, res.AccessToken, res.RefreshToken)
	if !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("expected ErrReplayDetected, got %v", err)
	}
	if !IsDefinitive(err) {
		t.Fatal("replay must be definitive")
	}

	// the thief's replay also burns the legitimate holder's successor
	_, err = te.Refresh(ctx, pair.AccessToken, pair.RefreshToken)
	if !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked, got %v", err)
	}

	sessions, err := te.ListSessions(ctx, "u-alice", "")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("session must be revoked, got %+v", sessions)
	}
	if got := te.MetricsSnapshot().Counters[MetricReplayDetected]; got != 1 {
		t.Fatalf("replay metric = %d", got)
	}
}

func TestRefreshReplayWithinGraceIsConflict(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()
	res := te.login(t, "alice", "laptop")

	pair, err := te.Refresh(ctx, res.AccessToken, res.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	te.clock.Advance(2 * time.Second)
	_, err = te.Refresh(ctx, res.AccessToken, res.RefreshToken)
	if !errors.Is(err, ErrRotationConflict) {
		t.Fatalf("expected ErrRotationConflict, got %v", err)
	}
	if IsDefinitive(err) {
		t.Fatal("a rotation conflict must not clear credentials")
	}

	if _, err := te.Refresh(ctx, pair.AccessToken, pair.RefreshToken); err != nil {
		t.Fatalf("winner's pair must survive the conflict, got %v", err)
	}

	// past the grace the same replay is theft
	te.clock.Advance(time.Minute)
	if _, err := te.Refresh(ctx, res.AccessToken, res.RefreshToken); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("expected ErrReplayDetected, got %v", err)
	}
}

func TestRefreshRejectsBadInput(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()
	res := te.login(t, "alice", "laptop")
	other := te.login(t, "bob", "phone")

	tests := []struct {
		name    string
		access  string
		refresh string
		want    error
	}{
		{name: "garbage access", access: "not-a-jwt", refresh: res.RefreshToken, want: ErrMalformedToken},
		{name: "malformed refresh", access: res.AccessToken, refresh: "short", want: ErrRefreshInvalid},
		{name: "unknown refresh", access: res.AccessToken, refresh: mustToken(t), want: ErrReplayDetected},
		{name: "foreign refresh", access: other.AccessToken, refresh: res.RefreshToken, want: ErrReplayDetected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := te.Refresh(ctx, tt.access, tt.refresh)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestRefreshRejectsOtherSessionsChain(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()
	laptop := te.login(t, "alice", "laptop")
	phone := te.login(t, "alice", "phone")
	te.clock.Advance(16 * time.Minute)

	_, err := te.Refresh(ctx, phone.AccessToken, laptop.RefreshToken)
	if !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("expected ErrRefreshInvalid, got %v", err)
	}

	// nothing was rotated or revoked on either side
	if _, err := te.Refresh(ctx, laptop.AccessToken, laptop.RefreshToken); err != nil {
		t.Fatalf("laptop pair must still work, got %v", err)
	}
	if _, err := te.Refresh(ctx, phone.AccessToken, phone.RefreshToken); err != nil {
		t.Fatalf("phone pair must still work, got %v", err)
	}

	// a rotated token of the other chain is still not this session's replay
	_, err = te.Refresh(ctx, phone.AccessToken, laptop.RefreshToken)
	if !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("expected ErrRefreshInvalid for rotated foreign token, got %v", err)
	}
	sessions, err := te.ListSessions(ctx, "u-alice", "")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("both sessions must survive, got %+v", sessions)
	}
	if got := te.MetricsSnapshot().Counters[MetricReplayDetected]; got != 0 {
		t.Fatalf("replay metric = %d", got)
	}
}

func TestRefreshReadsCurrentIdentity(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()
	res := te.login(t, "alice", "laptop")

	te.users.setRoles("alice", "student", "tutor")
	pair, err := te.Refresh(ctx, res.AccessToken, res.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	auth, err := te.ValidateAccess(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccess failed: %v", err)
	}
	if !auth.HasRole("tutor") || !auth.HasRole("student") {
		t.Fatalf("refreshed token must carry current roles, got %+v", auth.Roles)
	}

	te.users.remove("alice")
	_, err = te.Refresh(ctx, pair.AccessToken, pair.RefreshToken)
	if !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked, got %v", err)
	}
	sessions, err := te.ListSessions(ctx, "u-alice", "")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("session of a removed user must be revoked, got %+v", sessions)
	}
}

func TestRefreshRejectsForeignSigner(t *testing.T) {
	te := newTestEngine(t, nil)
	res := te.login(t, "alice", "laptop")

	forger := newTestEngine(t, func(cfg *Config) {
		cfg.JWT.PrivateKey = []byte("ffffffffffffffffffffffffffffffff")
	})
	forged := forger.login(t, "alice", "laptop")

	_, err := te.Refresh(context.Background(), forged.AccessToken, res.RefreshToken)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestRefreshExpiredRefreshToken(t *testing.T) {
	te := newTestEngine(t, nil)
	res := te.login(t, "alice", "laptop")
	te.clock.Advance(7*24*time.Hour + time.Second)

	_, err := te.Refresh(context.Background(), res.AccessToken, res.RefreshToken)
	if !errors.Is(err, ErrRefreshExpired) {
		t.Fatalf("expected ErrRefreshExpired, got %v", err)
	}
}

func TestRefreshRetriesLostCommit(t *testing.T) {
	fl := &flakyLedger{commitFirst: true}
	fl.failures.Store(1)
	te := newTestEngine(t, nil, withFlakyLedger(fl))
	ctx := context.Background()
	res := te.login(t, "alice", "laptop")

	pair, err := te.Refresh(ctx, res.AccessToken, res.RefreshToken)
	if err != nil {
		t.Fatalf("retry after a lost commit must succeed, got %v", err)
	}
	if fl.calls.Load() != 2 {
		t.Fatalf("expected 2 rotate calls, got %d", fl.calls.Load())
	}
	if _, err := te.Refresh(ctx, pair.AccessToken, pair.RefreshToken); err != nil {
		t.Fatalf("pair from the retried rotation must work, got %v", err)
	}
	if got := te.MetricsSnapshot().Counters[MetricRotateRetry]; got != 1 {
		t.Fatalf("retry metric = %d", got)
	}
}

func TestRefreshTransientFailureKeepsCredentials(t *testing.T) {
	fl := &flakyLedger{}
	fl.failures.Store(2)
	te := newTestEngine(t, nil, withFlakyLedger(fl))
	ctx := context.Background()
	res := te.login(t, "alice", "laptop")

	_, err := te.Refresh(ctx, res.AccessToken, res.RefreshToken)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if IsDefinitive(err) {
		t.Fatal("store outage must not be definitive")
	}

	if _, err := te.Refresh(ctx, res.AccessToken, res.RefreshToken); err != nil {
		t.Fatalf("credentials must survive the outage, got %v", err)
	}
}

func TestRefreshThrottle(t *testing.T) {
	te := newTestEngine(t, func(cfg *Config) {
		cfg.Security.MaxRefreshAttempts = 2
	})
	ctx := context.Background()
	res := te.login(t, "alice", "laptop")

	access, token := res.AccessToken, res.RefreshToken
	for i := 0; i < 2; i++ {
		pair, err := te.Refresh(ctx, access, token)
		if err != nil {
			t.Fatalf("refresh %d failed: %v", i, err)
		}
		access, token = pair.AccessToken, pair.RefreshToken
	}

	_, err := te.Refresh(ctx, access, token)
	if !errors.Is(err, ErrRefreshRateLimited) {
		t.Fatalf("expected ErrRefreshRateLimited, got %v", err)
	}
	if IsDefinitive(err) {
		t.Fatal("throttling must not clear credentials")
	}
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()
	res := te.login(t, "alice", "laptop")

	const workers = 16
	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		winners   atomic.Int32
		conflicts atomic.Int32
		pairs     = make(chan *TokenPair, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			pair, err := te.Refresh(ctx, res.AccessToken, res.RefreshToken)
			switch {
			case err == nil:
				winners.Add(1)
				pairs <- pair
			case errors.Is(err, ErrRotationConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	close(pairs)

	if winners.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners.Load())
	}
	if conflicts.Load() != workers-1 {
		t.Fatalf("expected %d conflicts, got %d", workers-1, conflicts.Load())
	}

	winner := <-pairs
	if _, err := te.Refresh(ctx, winner.AccessToken, winner.RefreshToken); err != nil {
		t.Fatalf("winner's pair must remain valid, got %v", err)
	}
}

func mustToken(t *testing.T) string {
	t.Helper()
	tok, err := refresh.NewToken()
	if err != nil {
		t.Fatalf("NewToken failed: %v", err)
	}
	return tok
}
