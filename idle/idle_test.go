package idle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ggoodman/gatewaycore/session"
	"github.com/stretchr/testify/require"
)

func newSession(mock *clock.Mock, idles *atomic.Int32) *session.Session {
	return session.New(nil, nil, session.NewChain(&session.HandlerFuncs{
		OnIdle: func(*session.Session) { idles.Add(1) },
	}), mock.Now())
}

func TestCheckFiresOncePerIdlePeriod(t *testing.T) {
	mock := clock.NewMock()
	var idles atomic.Int32
	tr := NewTracker(10*time.Second, WithClock(mock))
	s := newSession(mock, &idles)
	tr.AddSession(s)

	mock.Add(5 * time.Second)
	require.Equal(t, 0, tr.Check())

	mock.Add(5 * time.Second)
	require.Equal(t, 1, tr.Check())
	require.Equal(t, 0, tr.Check())
	require.EqualValues(t, 1, idles.Load())

	s.AddWrittenBytes(1, mock.Now())
	mock.Add(10 * time.Second)
	require.Equal(t, 1, tr.Check())
	require.EqualValues(t, 2, idles.Load())
}

func TestRemovedSessionsAreNotChecked(t *testing.T) {
	mock := clock.NewMock()
	var idles atomic.Int32
	tr := NewTracker(time.Second, WithClock(mock))
	s := newSession(mock, &idles)
	tr.AddSession(s)
	require.Equal(t, 1, tr.Len())
	tr.RemoveSession(s)
	require.Equal(t, 0, tr.Len())

	mock.Add(time.Minute)
	require.Equal(t, 0, tr.Check())
}

func TestDisabledTracker(t *testing.T) {
	mock := clock.NewMock()
	var idles atomic.Int32
	tr := NewTracker(0, WithClock(mock))
	tr.AddSession(newSession(mock, &idles))
	mock.Add(time.Hour)
	require.Equal(t, 0, tr.Check())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, tr.Run(ctx), context.Canceled)
}

func TestRunChecksOnTick(t *testing.T) {
	mock := clock.NewMock()
	var idles atomic.Int32
	tr := NewTracker(4*time.Second, WithClock(mock), WithInterval(time.Second))
	tr.AddSession(newSession(mock, &idles))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return idles.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestIdleIsNotSerializedWithDelivery(t *testing.T) {
	mock := clock.NewMock()
	entered, release := make(chan struct{}), make(chan struct{})
	var idles atomic.Int32
	s := session.New(nil, nil, session.NewChain(&session.HandlerFuncs{
		OnMessage: func(*session.Session, any) {
			close(entered)
			<-release
		},
		OnIdle: func(*session.Session) { idles.Add(1) },
	}), mock.Now())
	tr := NewTracker(time.Second, WithClock(mock))
	tr.AddSession(s)

	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		s.Pipeline().FireMessageReceived(s, "slow")
	}()
	<-entered

	mock.Add(time.Second)
	require.Equal(t, 1, tr.Check())
	require.EqualValues(t, 1, idles.Load())

	close(release)
	<-delivered
}
