package cmd

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/catalystcommunity/pierre/internal/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResetBreakersOnSignal(t *testing.T) {
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour, SuccessThreshold: 1})
	cb := breakers.Get("strava")
	cb.RecordFailure()
	require.Equal(t, circuitbreaker.Open, cb.State())

	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal)
	done := make(chan struct{})
	go func() {
		resetBreakersOnSignal(ctx, signals, breakers)
		close(done)
	}()

	signals <- syscall.SIGHUP
	assert.Eventually(t, func() bool { return cb.State() == circuitbreaker.Closed }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reset loop did not stop with its context")
	}
}
