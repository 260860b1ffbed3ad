package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/couchgo/couchgo/conn"
	"github.com/couchgo/couchgo/errs"
	"github.com/couchgo/couchgo/ioprovider"
	"github.com/couchgo/couchgo/op"
	"github.com/couchgo/couchgo/registry"
	"github.com/couchgo/couchgo/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackFiresTimeoutWhenNoResponseArrives(t *testing.T) {
	provider := ioprovider.NewProvider(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go provider.Run(ctx)

	s := New(Config{
		Provider:    provider,
		OpTimeout:   50 * time.Millisecond,
		Granularity: 10 * time.Millisecond,
	})
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	reg := registry.New()
	c := conn.New(conn.Config{ServerIndex: 0, Provider: provider, Registry: reg})

	fired := make(chan error, 1)
	o := &op.Operation{
		ServerIndex: 0,
		Callback: func(resp *wire.Frame, err error) {
			fired <- err
		},
	}
	s.Track(o, c)

	select {
	case err := <-fired:
		assert.ErrorIs(t, err, errs.ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}
}

func TestTrackUntracksOnNormalCompletion(t *testing.T) {
	provider := ioprovider.NewProvider(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go provider.Run(ctx)

	s := New(Config{
		Provider:    provider,
		OpTimeout:   time.Hour, // long enough that only explicit Fire matters
		Granularity: 10 * time.Millisecond,
	})
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	reg := registry.New()
	c := conn.New(conn.Config{ServerIndex: 0, Provider: provider, Registry: reg})

	fired := make(chan error, 1)
	o := &op.Operation{
		ServerIndex: 0,
		Callback: func(resp *wire.Frame, err error) {
			fired <- err
		},
	}
	s.Track(o, c)
	o.Fire(&wire.Frame{Status: wire.StatusSuccess}, nil)

	select {
	case err := <-fired:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}

	s.mu.Lock()
	_, stillTracked := s.index[o]
	s.mu.Unlock()
	assert.False(t, stillTracked)
}

func TestNoteNetworkErrorTriggersRefreshOverThreshold(t *testing.T) {
	provider := ioprovider.NewProvider(nil)
	refreshed := make(chan struct{}, 1)
	s := New(Config{
		Provider:      provider,
		ConferrThresh: 2,
		RequestRefresh: func() {
			select {
			case refreshed <- struct{}{}:
			default:
			}
		},
	})

	s.NoteNetworkError(errs.ErrNetwork)
	s.NoteNetworkError(errs.ErrNetwork)
	s.NoteNetworkError(errs.ErrNetwork)

	select {
	case <-refreshed:
	default:
		t.Fatal("expected a refresh request after exceeding CONFERRTHRESH")
	}
}
