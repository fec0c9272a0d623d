package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stancp327/Fetchwork-sub000/internal/clock"
)

func TestFakeAfterFunc(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.Fake(start)

	var fired []string
	clk.AfterFunc(2*time.Second, func() { fired = append(fired, "late") })
	clk.AfterFunc(time.Second, func() { fired = append(fired, "early") })
	stopped := clk.AfterFunc(time.Second, func() { fired = append(fired, "stopped") })
	assert.True(t, stopped.Stop())
	assert.Equal(t, 2, clk.Pending())

	clk.Advance(500 * time.Millisecond)
	assert.Empty(t, fired)

	clk.Advance(2 * time.Second)
	assert.Equal(t, []string{"early", "late"}, fired)
	assert.Equal(t, start.Add(2500*time.Millisecond), clk.Now())
	assert.False(t, stopped.Stop())
}

func TestFakeAfter(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	ch := clk.After(time.Minute)

	select {
	case <-ch:
		t.Fatal("fired before advance")
	default:
	}

	clk.Advance(time.Minute)
	select {
	case <-ch:
	default:
		t.Fatal("did not fire after advance")
	}
}
