package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chat-relay/pkg/completion"
	"github.com/go-go-golems/chat-relay/pkg/persona"
	"github.com/go-go-golems/chat-relay/pkg/transcript"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Broadcast(ev Event) { r.Emit(ev) }

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) named(name string) []Event {
	var out []Event
	for _, ev := range r.snapshot() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, name string, n int) []Event {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(r.named(name)) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return r.named(name)
}

type sessionFixture struct {
	session *Session
	store   *transcript.InMemoryStore
	out     *recorder
	all     *recorder
}

func newSessionFixture(t *testing.T, c completion.Completer, mutate func(*SessionOptions)) *sessionFixture {
	t.Helper()
	opts := DefaultSessionOptions()
	opts.Effects = NewEffectPicker(persona.DefaultEffects(), rand.NewSource(1))
	if mutate != nil {
		mutate(&opts)
	}
	f := &sessionFixture{
		store: transcript.NewInMemoryStore("sys", transcript.DefaultMaxTurns),
		out:   &recorder{},
		all:   &recorder{},
	}
	s, err := NewSession(context.Background(), SessionConfig{
		ID:          "conn-1",
		Store:       f.store,
		Completer:   c,
		Emitter:     f.out,
		Broadcaster: f.all,
		Options:     opts,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	f.session = s
	return f
}

func (f *sessionFixture) transcript(t *testing.T) transcript.Transcript {
	t.Helper()
	tr, ok := f.store.Get("conn-1")
	require.True(t, ok)
	return tr
}

func (f *sessionFixture) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.session.State() == StateIdle
	}, 2*time.Second, 5*time.Millisecond)
}

func replyWith(text string) completion.Completer {
	return completion.CompleterFunc(func(context.Context, transcript.Transcript, completion.Options) (string, error) {
		return text, nil
	})
}

func TestSession_CreatesTranscriptOnConnect(t *testing.T) {
	f := newSessionFixture(t, replyWith("x"), nil)
	require.Equal(t, transcript.Transcript{transcript.System("sys")}, f.transcript(t))
	require.Equal(t, StateIdle, f.session.State())
}

func TestSession_HelloExchange(t *testing.T) {
	var seen transcript.Transcript
	c := completion.CompleterFunc(func(_ context.Context, tr transcript.Transcript, _ completion.Options) (string, error) {
		seen = tr
		return "Hi there!", nil
	})
	f := newSessionFixture(t, c, nil)

	require.NoError(t, f.session.Submit("Hello", "Ana"))
	f.out.waitFor(t, EventBotMessage, 1)
	f.waitIdle(t)

	require.Equal(t, transcript.Transcript{
		transcript.System("sys"),
		transcript.User("Hello"),
	}, seen)
	require.Equal(t, transcript.Transcript{
		transcript.System("sys"),
		transcript.User("Hello"),
		transcript.Assistant("Hi there!"),
	}, f.transcript(t))

	out := f.out.snapshot()
	require.Len(t, out, 3)
	require.Equal(t, botTyping(true), out[0])
	require.Equal(t, EventBotMessage, out[1].Name)
	msg := out[1].Data.(BotMessagePayload)
	require.Equal(t, "Hi there!", msg.Message)
	require.Contains(t, []string{"fire", "neon", "default"}, msg.Particles)
	require.Equal(t, botTyping(false), out[2])

	require.Equal(t, []Event{
		typingUpdate("Ana", true),
		typingUpdate("Ana", false),
	}, f.all.snapshot())
}

func TestSession_CompletionFailureSendsFallback(t *testing.T) {
	c := completion.CompleterFunc(func(context.Context, transcript.Transcript, completion.Options) (string, error) {
		return "", errors.New("dial tcp: connection refused")
	})
	f := newSessionFixture(t, c, nil)

	require.NoError(t, f.session.Submit("hello", ""))
	msgs := f.out.waitFor(t, EventBotMessage, 1)
	f.waitIdle(t)

	require.Equal(t, BotMessagePayload{Message: persona.DefaultFallback, Particles: persona.ErrorEffect}, msgs[0].Data)
	require.Equal(t, transcript.Transcript{
		transcript.System("sys"),
		transcript.User("hello"),
	}, f.transcript(t))
	require.Equal(t, []Event{
		typingUpdate(DefaultUser, true),
		typingUpdate(DefaultUser, false),
	}, f.all.snapshot())
}

func TestSession_PanicInCompleterIsRecovered(t *testing.T) {
	c := completion.CompleterFunc(func(context.Context, transcript.Transcript, completion.Options) (string, error) {
		panic("boom")
	})
	f := newSessionFixture(t, c, nil)

	require.NoError(t, f.session.Submit("hello", ""))
	msgs := f.out.waitFor(t, EventBotMessage, 1)
	f.waitIdle(t)

	require.Equal(t, persona.ErrorEffect, msgs[0].Data.(BotMessagePayload).Particles)
	require.Len(t, f.out.named(EventBotTyping), 2)

	// the session keeps working afterwards
	require.NoError(t, f.session.Submit("again", ""))
	f.out.waitFor(t, EventBotMessage, 2)
}

func TestSession_WindowAfterTwelveExchanges(t *testing.T) {
	var n atomic.Int32
	c := completion.CompleterFunc(func(context.Context, transcript.Transcript, completion.Options) (string, error) {
		return fmt.Sprintf("reply %d", n.Add(1)), nil
	})
	f := newSessionFixture(t, c, nil)

	for i := 1; i <= 12; i++ {
		require.NoError(t, f.session.Submit(fmt.Sprintf("msg %d", i), ""))
		f.out.waitFor(t, EventBotMessage, i)
		f.waitIdle(t)
	}

	tr := f.transcript(t)
	require.Len(t, tr, 1+transcript.DefaultMaxTurns)
	require.Equal(t, transcript.System("sys"), tr[0])
	require.Equal(t, transcript.User("msg 8"), tr[1])
	require.Equal(t, transcript.Assistant("reply 12"), tr[len(tr)-1])
}

type gatedCompleter struct {
	calls   atomic.Int32
	release chan struct{}
	mu      sync.Mutex
	prompts []string
}

func newGatedCompleter() *gatedCompleter {
	return &gatedCompleter{release: make(chan struct{}, 16)}
}

func (g *gatedCompleter) Complete(ctx context.Context, tr transcript.Transcript, _ completion.Options) (string, error) {
	g.calls.Add(1)
	last := tr[len(tr)-1].Content
	g.mu.Lock()
	g.prompts = append(g.prompts, last)
	g.mu.Unlock()
	select {
	case <-g.release:
		return "re: " + last, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestSession_QueuePolicySerializesMessages(t *testing.T) {
	g := newGatedCompleter()
	f := newSessionFixture(t, g, nil)

	require.NoError(t, f.session.Submit("first", ""))
	require.Eventually(t, func() bool { return g.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.session.Submit("second", ""))
	require.Equal(t, 1, f.session.QueueDepth())
	require.Equal(t, StateAwaitingCompletion, f.session.State())
	require.Equal(t, int32(1), g.calls.Load())

	g.release <- struct{}{}
	g.release <- struct{}{}
	msgs := f.out.waitFor(t, EventBotMessage, 2)
	f.waitIdle(t)

	require.Equal(t, "re: first", msgs[0].Data.(BotMessagePayload).Message)
	require.Equal(t, "re: second", msgs[1].Data.(BotMessagePayload).Message)
	require.Equal(t, transcript.Transcript{
		transcript.System("sys"),
		transcript.User("first"),
		transcript.Assistant("re: first"),
		transcript.User("second"),
		transcript.Assistant("re: second"),
	}, f.transcript(t))
	require.Len(t, f.out.named(EventBotTyping), 4)
}

func TestSession_RejectPolicyAnswersWithError(t *testing.T) {
	g := newGatedCompleter()
	f := newSessionFixture(t, g, func(o *SessionOptions) { o.OverlapPolicy = OverlapReject })

	require.NoError(t, f.session.Submit("first", ""))
	require.Eventually(t, func() bool { return g.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, f.session.Submit("second", ""), ErrBusy)
	f.session.HandleEnvelope(Envelope{Event: EventUserMessage, Data: json.RawMessage(`{"message":"third"}`)})
	require.Len(t, f.out.named(EventError), 1)

	g.release <- struct{}{}
	f.out.waitFor(t, EventBotMessage, 1)
	f.waitIdle(t)
	require.Len(t, f.transcript(t), 3)
	require.Equal(t, int32(1), g.calls.Load())
}

func TestSession_AllowPolicyRunsConcurrently(t *testing.T) {
	g := newGatedCompleter()
	f := newSessionFixture(t, g, func(o *SessionOptions) { o.OverlapPolicy = OverlapAllow })

	require.NoError(t, f.session.Submit("first", ""))
	require.NoError(t, f.session.Submit("second", ""))
	require.Eventually(t, func() bool { return g.calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	g.release <- struct{}{}
	g.release <- struct{}{}
	f.out.waitFor(t, EventBotMessage, 2)
	f.waitIdle(t)
	require.Len(t, f.transcript(t), 5)
}

func TestSession_CloseDiscardsInFlightReply(t *testing.T) {
	g := newGatedCompleter()
	f := newSessionFixture(t, g, nil)

	require.NoError(t, f.session.Submit("first", ""))
	require.Eventually(t, func() bool { return g.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.session.Submit("queued", ""))

	f.session.Close()

	_, ok := f.store.Get("conn-1")
	require.False(t, ok)
	require.Empty(t, f.out.named(EventBotMessage))
	require.Equal(t, []Event{botTyping(true), botTyping(false)}, f.out.named(EventBotTyping))
	require.Equal(t, int32(1), g.calls.Load())
	require.ErrorIs(t, f.session.Submit("late", ""), ErrSessionClosed)

	f.session.Close()
}

func TestSession_CompletionTimeout(t *testing.T) {
	g := newGatedCompleter()
	f := newSessionFixture(t, g, func(o *SessionOptions) { o.CompletionTimeout = 20 * time.Millisecond })

	require.NoError(t, f.session.Submit("slow", ""))
	msgs := f.out.waitFor(t, EventBotMessage, 1)
	require.Equal(t, persona.ErrorEffect, msgs[0].Data.(BotMessagePayload).Particles)
	f.waitIdle(t)
	require.Len(t, f.transcript(t), 2)
}

func TestSession_HandleEnvelope(t *testing.T) {
	f := newSessionFixture(t, replyWith("ok"), func(o *SessionOptions) { o.RelayUserTyping = true })

	f.session.HandleEnvelope(Envelope{Event: EventUserMessage, Data: json.RawMessage(`{"message":"   "}`)})
	f.session.HandleEnvelope(Envelope{Event: "dance"})
	f.session.HandleEnvelope(Envelope{Event: EventUserMessage, Data: json.RawMessage(`{"message":`)})
	require.Len(t, f.out.named(EventError), 3)
	require.Len(t, f.transcript(t), 1)

	f.session.HandleEnvelope(Envelope{Event: EventPing})
	require.Len(t, f.out.named(EventPong), 1)

	f.session.HandleEnvelope(Envelope{Event: EventUserJoined, Data: json.RawMessage(`{"username":"Bo"}`)})
	require.Equal(t, "Bo", f.session.Username())

	f.session.HandleEnvelope(Envelope{Event: EventTyping, Data: json.RawMessage(`{"typing":true}`)})
	require.Equal(t, []Event{typingUpdate("Bo", true)}, f.all.snapshot())

	f.session.HandleEnvelope(Envelope{Event: EventUserMessage, Data: json.RawMessage(`{"message":"hey"}`)})
	f.out.waitFor(t, EventBotMessage, 1)
	f.waitIdle(t)
	require.Contains(t, f.all.snapshot(), typingUpdate("Bo", true))
	require.Contains(t, f.all.snapshot(), typingUpdate("Bo", false))
}

func TestSession_UserTypingNotRelayedByDefault(t *testing.T) {
	f := newSessionFixture(t, replyWith("ok"), nil)
	f.session.HandleEnvelope(Envelope{Event: EventTyping, Data: json.RawMessage(`{"username":"Ana","typing":true}`)})
	require.Empty(t, f.all.snapshot())
	require.Empty(t, f.out.named(EventError))
}

func TestNewSession_Validation(t *testing.T) {
	store := transcript.NewInMemoryStore("sys", 0)
	_, err := NewSession(context.Background(), SessionConfig{Store: store, Completer: replyWith("x")})
	require.Error(t, err)
	_, err = NewSession(context.Background(), SessionConfig{ID: "a", Completer: replyWith("x")})
	require.Error(t, err)
	_, err = NewSession(context.Background(), SessionConfig{ID: "a", Store: store})
	require.Error(t, err)
}
