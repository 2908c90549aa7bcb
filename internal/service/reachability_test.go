package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type countingPinger struct {
	calls int
	err   error
}

func (p *countingPinger) Ping(context.Context) error {
	p.calls++
	return p.err
}

func TestReachabilityCachesProbe(t *testing.T) {
	pinger := &countingPinger{}
	reach := NewReachability(pinger, 5*time.Second, zerolog.Nop())
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	reach.now = func() time.Time { return now }
	ctx := context.Background()

	require.True(t, reach.Online(ctx))
	require.True(t, reach.Online(ctx))
	require.Equal(t, 1, pinger.calls)

	pinger.err = errors.New("no route to host")
	now = now.Add(6 * time.Second)
	require.False(t, reach.Online(ctx))
	require.Equal(t, 2, pinger.calls)

	pinger.err = nil
	reach.Invalidate()
	require.True(t, reach.Online(ctx))
	require.Equal(t, 3, pinger.calls)
}
