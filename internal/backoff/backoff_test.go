package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/rendezvous/internal/clock"
)

func TestPolicyDelay(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		attempt int
		want    time.Duration
		ok      bool
	}{
		{0, 0, false},
		{1, 2 * time.Second, true},
		{2, 4 * time.Second, true},
		{3, 8 * time.Second, true},
		{4, 0, false},
	}
	for _, tt := range tests {
		got, ok := p.Delay(tt.attempt)
		assert.Equal(t, tt.ok, ok, "attempt %d", tt.attempt)
		assert.Equal(t, tt.want, got, "attempt %d", tt.attempt)
	}
}

func TestReconnectorExhaustsBudget(t *testing.T) {
	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r := NewReconnector(DefaultPolicy(), c)
	retries := 0

	for i := 0; i < DefaultMaxAttempts; i++ {
		delay, ok := r.Failure(func() { retries++ })
		require.True(t, ok)
		c.Advance(delay)
	}
	assert.Equal(t, DefaultMaxAttempts, retries)

	_, ok := r.Failure(func() { retries++ })
	assert.False(t, ok)
	assert.Equal(t, 0, c.PendingTimers())
}

func TestReconnectorSuccessResets(t *testing.T) {
	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r := NewReconnector(DefaultPolicy(), c)

	delay, ok := r.Failure(func() {})
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, delay)

	r.Success()
	assert.Equal(t, 0, r.Attempts())

	delay, ok = r.Failure(func() {})
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, delay)
}

func TestReconnectorStopCancelsPending(t *testing.T) {
	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r := NewReconnector(DefaultPolicy(), c)
	fired := false

	_, ok := r.Failure(func() { fired = true })
	require.True(t, ok)
	r.Stop()

	c.Advance(time.Minute)
	assert.False(t, fired)
}
