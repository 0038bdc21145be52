package storage

import (
	"context"
	"testing"
	"time"

	"github.com/dgellow/identity-server/internal/clock"
	"github.com/dgellow/identity-server/internal/metrics"
	"github.com/dgellow/identity-server/internal/oauth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeperSweep(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFixed(epoch)
	backend := NewMemoryBackend(clk)

	require.NoError(t, backend.Grants.Create(ctx, newGrant(oauth.GrantTypeAuthorizationCode, "short", 10)))
	require.NoError(t, backend.Grants.Create(ctx, newGrant(oauth.GrantTypeRefreshToken, "long", 3600)))
	require.NoError(t, backend.Blacklist.Add(ctx, "revoked", epoch.Add(10*time.Second)))

	s := NewSweeper(backend, NewMemoryClientRepository(nil), clk, metrics.New(), time.Second, time.Hour)

	clk.Advance(10 * time.Second)
	require.NoError(t, s.Sweep(ctx))

	n, err := backend.Grants.SweepExpired(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "sweep already removed the expired grant")

	ok, err := backend.Grants.Exists(ctx, oauth.GrantTypeRefreshToken, "long")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = backend.Blacklist.Exists(ctx, "revoked")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweeperNextWaitIsClamped(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFixed(epoch)
	backend := NewMemoryBackend(clk)
	s := NewSweeper(backend, NewMemoryClientRepository(nil), clk, nil, time.Minute, 10*time.Minute)

	assert.Equal(t, 10*time.Minute, s.nextWait(ctx), "empty store waits the maximum")

	require.NoError(t, backend.Grants.Create(ctx, newGrant(oauth.GrantTypeAuthorizationCode, "soon", 5)))
	assert.Equal(t, time.Minute, s.nextWait(ctx))
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	clk := clock.NewFixed(epoch)
	backend := NewMemoryBackend(clk)
	require.NoError(t, backend.Grants.Create(context.Background(), newGrant(oauth.GrantTypeAuthorizationCode, "gone", 0)))

	s := NewSweeper(backend, NewMemoryClientRepository(nil), clk, nil, 10*time.Millisecond, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		_, ok, _ := backend.Grants.NextExpiry(context.Background())
		return !ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
