package clock_test

import (
	"testing"
	"time"

	"github.com/jensholdgaard/player-auction/internal/clock"
)

func TestReal_Now(t *testing.T) {
	clk := clock.Real{}
	before := time.Now()
	got := clk.Now()
	after := time.Now()

	if got.Before(before) || got.After(after) {
		t.Errorf("Real.Now() = %v, expected between %v and %v", got, before, after)
	}
}

func TestReal_After(t *testing.T) {
	select {
	case <-clock.Real{}.After(time.Millisecond):
	case <-time.After(time.Second):
		t.Fatal("Real.After did not fire")
	}
}

func TestMock_Now(t *testing.T) {
	fixed := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	clk := clock.Mock{T: fixed}

	if got := clk.Now(); !got.Equal(fixed) {
		t.Errorf("Mock.Now() = %v, want %v", got, fixed)
	}
}

func TestMock_AfterFiresImmediately(t *testing.T) {
	fixed := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	clk := clock.Mock{T: fixed}

	select {
	case got := <-clk.After(time.Hour):
		if !got.Equal(fixed) {
			t.Errorf("Mock.After() sent %v, want %v", got, fixed)
		}
	default:
		t.Fatal("Mock.After() channel was empty")
	}
}
