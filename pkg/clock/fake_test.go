package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	c := Fake(start)

	assert.Equal(t, start, c.Now())

	c.Advance(3601 * time.Second)
	assert.Equal(t, start.Add(3601*time.Second), c.Now())

	c.Set(start)
	assert.Equal(t, start, c.Now())
}

func TestFakeTickerFiresOnAdvance(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	ticker := c.NewTicker(time.Minute)
	defer ticker.Stop()

	c.Advance(30 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("ticker fired before its interval elapsed")
	default:
	}

	c.Advance(30 * time.Second)
	select {
	case tick := <-ticker.C:
		assert.Equal(t, time.Unix(60, 0), tick)
	default:
		t.Fatal("ticker did not fire after one interval")
	}
}

func TestFakeTickerStop(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	ticker := c.NewTicker(time.Second)
	ticker.Stop()

	c.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFakeTickerDropsWhenFull(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	c.Advance(10 * time.Second)

	assert.Len(t, ticker.C, 1)
}
