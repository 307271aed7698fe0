// Package e2e runs complete hotline instances sharing one database and one bus.
package e2e

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/hotline/internal/bus"
	"github.com/nkiryanov/hotline/internal/clock"
	"github.com/nkiryanov/hotline/internal/events"
	"github.com/nkiryanov/hotline/internal/handlers"
	"github.com/nkiryanov/hotline/internal/handlers/ws"
	"github.com/nkiryanov/hotline/internal/hub"
	"github.com/nkiryanov/hotline/internal/logger"
	"github.com/nkiryanov/hotline/internal/metrics"
	"github.com/nkiryanov/hotline/internal/registry"
	"github.com/nkiryanov/hotline/internal/repository/postgres"
	"github.com/nkiryanov/hotline/internal/router"
	"github.com/nkiryanov/hotline/internal/scheduler"
	"github.com/nkiryanov/hotline/internal/service/auth"
	"github.com/nkiryanov/hotline/internal/service/auth/tokenmanager"
)

const TestSecretKey = "e2e-secret-key-that-is-long-enough"

type Options struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Instance is one hotline process: own bus connection, registry and timers
type Instance struct {
	URL   string
	WSURL string

	Auth     *auth.AuthService
	Registry *registry.Registry
	Bus      *bus.NATS
}

// Serve starts an instance on the pool and the bus at busURL; it is stopped when test ends.
// Storage is not wrapped in a transaction: expiration timers and handlers use it concurrently.
func Serve(t *testing.T, pool *pgxpool.Pool, busURL string, opts Options) Instance {
	t.Helper()

	l := logger.NewNoOpLogger()

	b, err := bus.NewNATS(busURL, l)
	require.NoError(t, err, "instance has to connect to the bus")

	clk := clock.Real()
	storage := postgres.NewStorage(pool)
	reg := registry.New()
	fanout := hub.New(0, l)
	sched := scheduler.New(clk, l)

	tm, err := tokenmanager.New(tokenmanager.Config{
		SecretKey:  TestSecretKey,
		AccessTTL:  opts.AccessTTL,
		RefreshTTL: opts.RefreshTTL,
	}, storage, b, sched, clk, l)
	require.NoError(t, err, "token manager should be created without errors")

	as, err := auth.NewService(auth.Config{}, tm, storage, clk, l)
	require.NoError(t, err, "auth service starting error")

	ctx, cancel := context.WithCancel(context.Background())
	stopped, err := router.New([]string{events.ChannelUser, events.ChannelResource}, b, reg, fanout, l).Run(ctx)
	require.NoError(t, err, "router has to subscribe")

	wsHandler := ws.New(ws.Config{}, reg, fanout, l)
	srv := httptest.NewServer(handlers.NewRouter(as, wsHandler, metrics.Handler(), l))

	// Subscriptions have to reach the server before anybody publishes
	require.NoError(t, b.Flush())

	t.Cleanup(func() {
		for _, h := range reg.All() {
			_ = h.Close(1001, "test finished")
		}
		srv.Close()
		cancel()
		<-stopped
		sched.Stop()
		_ = b.Close()
	})

	return Instance{
		URL:      srv.URL,
		WSURL:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Auth:     as,
		Registry: reg,
		Bus:      b,
	}
}
