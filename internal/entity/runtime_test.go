package entity

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	kindWorker Kind = "worker"
	kindUser   Kind = "user"
	kindGhost  Kind = "ghost"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	rt := New(append([]Option{WithLogger(quietLogger())}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, rt.Close(ctx))
	})
	return rt
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	var zero T
	return zero
}

func TestMailboxIsSerialPerEntity(t *testing.T) {
	rt := newRuntime(t)
	var active, maxActive int32
	var mu sync.Mutex
	got := make(map[string][]int)
	done := make(chan struct{}, 300)

	rt.Register(kindWorker, func(_ context.Context, key string, _ any) (Entity, error) {
		return Func(func(ctx *Context, msg any) {
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			mu.Lock()
			got[ctx.Self().Key] = append(got[ctx.Self().Key], msg.(int))
			mu.Unlock()
			atomic.AddInt32(&active, -1)
			done <- struct{}{}
		}), nil
	})

	keys := []string{"a", "b", "c"}
	for i := 0; i < 100; i++ {
		for _, k := range keys {
			rt.Tell(Ref{Kind: kindWorker, Key: k}, i)
		}
	}
	for i := 0; i < 300; i++ {
		recv(t, done)
	}

	for _, k := range keys {
		require.Len(t, got[k], 100)
		for i, v := range got[k] {
			assert.Equal(t, i, v, "messages to %s delivered out of order", k)
		}
	}
	assert.LessOrEqual(t, int(maxActive), len(keys))
}

func TestFactorySeesFirstMessage(t *testing.T) {
	rt := newRuntime(t)
	firsts := make(chan any, 1)
	handled := make(chan any, 2)
	rt.Register(kindWorker, func(_ context.Context, _ string, first any) (Entity, error) {
		firsts <- first
		return Func(func(_ *Context, msg any) { handled <- msg }), nil
	})

	ref := Ref{Kind: kindWorker, Key: "k"}
	rt.Tell(ref, "hello")
	rt.Tell(ref, "again")
	assert.Equal(t, "hello", recv(t, firsts))
	assert.Equal(t, "hello", recv(t, handled))
	assert.Equal(t, "again", recv(t, handled))
	assert.Len(t, firsts, 0, "factory runs once per incarnation")
}

func TestUndeliverableReturnsToSender(t *testing.T) {
	rt := newRuntime(t)
	bounced := make(chan Undeliverable, 1)

	rt.Register(kindUser, func(context.Context, string, any) (Entity, error) {
		return nil, ErrNotFound
	})
	rt.Register(kindWorker, func(context.Context, string, any) (Entity, error) {
		return Func(func(ctx *Context, msg any) {
			switch m := msg.(type) {
			case string:
				ctx.Tell(Ref{Kind: kindUser, Key: "nobody"}, m)
			case Undeliverable:
				bounced <- m
			}
		}), nil
	})

	rt.Tell(Ref{Kind: kindWorker, Key: "w"}, "ring")
	u := recv(t, bounced)
	assert.Equal(t, Ref{Kind: kindUser, Key: "nobody"}, u.Target)
	assert.Equal(t, "ring", u.Msg)
	assert.ErrorIs(t, u.Err, ErrNotFound)
	assert.False(t, rt.Exists(Ref{Kind: kindUser, Key: "nobody"}))
}

func TestUndeliverableWithoutSenderIsDeadLettered(t *testing.T) {
	dead := make(chan Envelope, 4)
	rt := newRuntime(t, WithDeadLetters(func(env Envelope) { dead <- env }))
	rt.Register(kindUser, func(context.Context, string, any) (Entity, error) {
		return nil, ErrNotFound
	})

	rt.Tell(Ref{Kind: kindUser, Key: "nobody"}, "x")
	env := recv(t, dead)
	assert.Equal(t, "x", env.Msg)
}

func TestUndeliverableNeverLoops(t *testing.T) {
	dead := make(chan Envelope, 4)
	rt := newRuntime(t, WithDeadLetters(func(env Envelope) { dead <- env }))
	notFound := func(context.Context, string, any) (Entity, error) { return nil, ErrNotFound }
	rt.Register(kindUser, notFound)
	rt.Register(kindGhost, notFound)

	ghost := Ref{Kind: kindGhost, Key: "g"}
	rt.Send(Envelope{To: Ref{Kind: kindUser, Key: "u"}, From: &ghost, Msg: "x"})

	env := recv(t, dead)
	assert.Equal(t, ghost, env.To)
	_, ok := env.Msg.(Undeliverable)
	assert.True(t, ok)
	select {
	case extra := <-dead:
		t.Fatalf("unexpected second dead letter %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnregisteredKindIsNotFound(t *testing.T) {
	dead := make(chan Envelope, 1)
	rt := newRuntime(t, WithDeadLetters(func(env Envelope) { dead <- env }))
	rt.Tell(Ref{Kind: "unknown", Key: "x"}, 1)
	assert.Equal(t, 1, recv(t, dead).Msg)
}

type scheduleMsg struct{ d time.Duration }
type cancelMsg struct{}
type tick struct{}

func timerEntity(scheduled chan<- struct{}, ticks chan<- Ref) Factory {
	return func(context.Context, string, any) (Entity, error) {
		var timer *Timer
		return Func(func(ctx *Context, msg any) {
			switch m := msg.(type) {
			case scheduleMsg:
				timer = ctx.Schedule(m.d, tick{})
				scheduled <- struct{}{}
			case cancelMsg:
				timer.Stop()
				scheduled <- struct{}{}
			case tick:
				ticks <- ctx.Self()
			case string:
				if m == "stop" {
					ctx.Stop()
					scheduled <- struct{}{}
				}
			}
		}), nil
	}
}

func TestScheduleDeliversAfterDelay(t *testing.T) {
	mock := clock.NewMock()
	rt := newRuntime(t, WithClock(mock))
	scheduled := make(chan struct{}, 1)
	ticks := make(chan Ref, 1)
	rt.Register(kindWorker, timerEntity(scheduled, ticks))

	ref := Ref{Kind: kindWorker, Key: "t"}
	rt.Tell(ref, scheduleMsg{d: 5 * time.Second})
	recv(t, scheduled)

	mock.Add(4 * time.Second)
	select {
	case <-ticks:
		t.Fatal("timer fired early")
	case <-time.After(20 * time.Millisecond):
	}
	mock.Add(time.Second)
	assert.Equal(t, ref, recv(t, ticks))
}

func TestTimerStop(t *testing.T) {
	mock := clock.NewMock()
	rt := newRuntime(t, WithClock(mock))
	scheduled := make(chan struct{}, 1)
	ticks := make(chan Ref, 1)
	rt.Register(kindWorker, timerEntity(scheduled, ticks))

	ref := Ref{Kind: kindWorker, Key: "t"}
	rt.Tell(ref, scheduleMsg{d: time.Second})
	recv(t, scheduled)
	rt.Tell(ref, cancelMsg{})
	recv(t, scheduled)

	mock.Add(2 * time.Second)
	select {
	case <-ticks:
		t.Fatal("cancelled timer fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStopCancelsTimersAndReincarnates(t *testing.T) {
	mock := clock.NewMock()
	rt := newRuntime(t, WithClock(mock))
	scheduled := make(chan struct{}, 1)
	ticks := make(chan Ref, 1)
	var spawned int32
	base := timerEntity(scheduled, ticks)
	rt.Register(kindWorker, func(ctx context.Context, key string, first any) (Entity, error) {
		atomic.AddInt32(&spawned, 1)
		return base(ctx, key, first)
	})

	ref := Ref{Kind: kindWorker, Key: "t"}
	rt.Tell(ref, scheduleMsg{d: time.Second})
	recv(t, scheduled)
	rt.Tell(ref, "stop")
	recv(t, scheduled)
	require.Eventually(t, func() bool { return !rt.Exists(ref) && rt.Len() == 0 }, time.Second, time.Millisecond)

	mock.Add(2 * time.Second)
	select {
	case <-ticks:
		t.Fatal("timer of a stopped entity fired")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, rt.Len(), "stale timer must not resurrect the entity")

	rt.Tell(ref, scheduleMsg{d: time.Second})
	recv(t, scheduled)
	assert.Equal(t, int32(2), atomic.LoadInt32(&spawned))
}

func TestPanicIsRecovered(t *testing.T) {
	got := make(chan string, 1)
	rt := newRuntime(t)
	rt.Register(kindWorker, func(context.Context, string, any) (Entity, error) {
		return Func(func(_ *Context, msg any) {
			if msg == "boom" {
				panic("boom")
			}
			got <- msg.(string)
		}), nil
	})
	ref := Ref{Kind: kindWorker, Key: "p"}
	rt.Tell(ref, "boom")
	rt.Tell(ref, "after")
	assert.Equal(t, "after", recv(t, got))
}

func TestReply(t *testing.T) {
	got := make(chan any, 1)
	rt := newRuntime(t)
	rt.Register(kindUser, func(context.Context, string, any) (Entity, error) {
		return Func(func(ctx *Context, msg any) {
			assert.True(t, ctx.Reply("pong"))
		}), nil
	})
	rt.Register(kindWorker, func(context.Context, string, any) (Entity, error) {
		return Func(func(ctx *Context, msg any) {
			if msg == "start" {
				assert.False(t, ctx.Reply("nobody"), "external message has no sender")
				ctx.Tell(Ref{Kind: kindUser, Key: "u"}, "ping")
				return
			}
			got <- msg
		}), nil
	})
	rt.Tell(Ref{Kind: kindWorker, Key: "w"}, "start")
	assert.Equal(t, "pong", recv(t, got))
}

func TestSendAfterCloseIsDeadLettered(t *testing.T) {
	dead := make(chan Envelope, 1)
	rt := New(WithLogger(quietLogger()), WithDeadLetters(func(env Envelope) { dead <- env }))
	require.NoError(t, rt.Close(context.Background()))
	rt.Tell(Ref{Kind: kindWorker, Key: "x"}, "late")
	assert.Equal(t, "late", recv(t, dead).Msg)
}
