package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(time.Second)

	c.Advance(500 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}

	c.Advance(500 * time.Millisecond)
	select {
	case fired := <-ch:
		assert.Equal(t, epoch.Add(time.Second), fired)
	default:
		t.Fatal("did not fire at deadline")
	}
}

func TestFakeAfterFuncOrderAndStop(t *testing.T) {
	c := Fake(epoch)
	var order []string

	c.AfterFunc(2*time.Second, func() { order = append(order, "second") })
	c.AfterFunc(time.Second, func() { order = append(order, "first") })
	stopped := c.AfterFunc(1500*time.Millisecond, func() { order = append(order, "stopped") })

	require.True(t, stopped.Stop())
	require.False(t, stopped.Stop())
	assert.Equal(t, 2, c.PendingTimers())

	c.Advance(3 * time.Second)
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, 0, c.PendingTimers())
	assert.Equal(t, epoch.Add(3*time.Second), c.Now())
}

func TestFakeWaitForTimers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})

	go func() {
		c.Sleep(time.Minute)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(time.Minute)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sleeper was not released")
	}
}
