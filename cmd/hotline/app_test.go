package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nkiryanov/hotline/internal/logger"
)

func Test_watchRouter(t *testing.T) {
	t.Run("router stopped while serving", func(t *testing.T) {
		stopped := make(chan struct{})
		close(stopped)

		err := watchRouter(t.Context(), stopped, logger.NewNoOpLogger())

		assert.ErrorIs(t, err, errRouterStopped)
	})

	t.Run("router stopped on shutdown", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		stopped := make(chan struct{})
		close(stopped)

		err := watchRouter(ctx, stopped, logger.NewNoOpLogger())

		assert.NoError(t, err)
	})

	t.Run("context done while router runs", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		err := watchRouter(ctx, make(chan struct{}), logger.NewNoOpLogger())

		assert.NoError(t, err)
	})
}
