package authcore

import (
	"context"
	"testing"
)

func BenchmarkValidateAccess(b *testing.B) {
	te := newTestEngine(b, nil)
	res := te.login(b, "alice", "laptop")
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := te.ValidateAccess(ctx, res.AccessToken); err != nil {
			b.Fatalf("validate failed: %v", err)
		}
	}
}

func BenchmarkRefresh(b *testing.B) {
	te := newTestEngine(b, func(cfg *Config) {
		cfg.Security.EnableRefreshThrottle = false
	})
	res := te.login(b, "alice", "laptop")
	ctx := context.Background()
	access, token := res.AccessToken, res.RefreshToken

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pair, err := te.Refresh(ctx, access, token)
		if err != nil {
			b.Fatalf("refresh failed: %v", err)
		}
		access, token = pair.AccessToken, pair.RefreshToken
	}
}

func BenchmarkLogin(b *testing.B) {
	te := newTestEngine(b, func(cfg *Config) {
		cfg.Security.EnableLoginThrottle = false
	})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		te.login(b, "alice", "laptop")
	}
}
