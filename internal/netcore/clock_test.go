package netcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockRefresh(t *testing.T) {
	c := newClock()
	first := c.Now()
	require.NotZero(t, c.Seconds())

	time.Sleep(5 * time.Millisecond)
	c.refresh()
	second := c.Now()
	require.False(t, second.Before(first))
}
