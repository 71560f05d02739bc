package eventloop

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ggoodman/gatewaycore/channel"
	"github.com/ggoodman/gatewaycore/session"
	"github.com/stretchr/testify/require"
)

func TestLoopPreservesOrderAndStopsAfterClose(t *testing.T) {
	var got []string
	s := session.New(nil, nil, session.NewChain(&session.HandlerFuncs{
		OnOpened:    func(*session.Session) { got = append(got, "opened") },
		OnMessage:   func(_ *session.Session, msg any) { got = append(got, msg.(string)) },
		OnException: func(_ *session.Session, err error) { got = append(got, "err:"+err.Error()) },
		OnClosed:    func(*session.Session) { got = append(got, "closed") },
	}), time.Now())
	l := New(channel.NewHandler(s, nil), slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.True(t, l.Post(Event{Kind: Connected}))
	for _, m := range []string{"1", "2", "3"} {
		require.True(t, l.Post(Event{Kind: Message, Msg: m}))
	}
	require.True(t, l.Post(Event{Kind: WriteComplete, N: 7}))
	require.True(t, l.Post(Event{Kind: Exception, Err: errors.New("x")}))
	require.True(t, l.Post(Event{Kind: Closed}))

	go l.Run()
	select {
	case <-l.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not finish")
	}

	require.False(t, l.Post(Event{Kind: Message, Msg: "late"}))
	require.Equal(t, []string{"opened", "1", "2", "3", "err:x", "closed"}, got)
	require.EqualValues(t, 7, s.WrittenBytes())
}
