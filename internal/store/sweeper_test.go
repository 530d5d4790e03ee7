package store

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSweeper(t *testing.T) {
	t.Run("rejects invalid schedule", func(t *testing.T) {
		_, err := NewSweeper(NewMemory(time.Hour), "every now and then", zerolog.Nop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sweep schedule")
	})

	t.Run("run returns when context is cancelled", func(t *testing.T) {
		sw, err := NewSweeper(NewMemory(time.Hour), "", zerolog.Nop())
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- sw.Run(ctx) }()
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("sweeper did not stop")
		}
	})
}
