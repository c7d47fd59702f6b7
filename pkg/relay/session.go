package relay

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/go-go-golems/chat-relay/pkg/completion"
	"github.com/go-go-golems/chat-relay/pkg/persona"
	"github.com/go-go-golems/chat-relay/pkg/transcript"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrBusy          = errors.New("a reply is already in progress")
	ErrEmptyMessage  = errors.New("message is empty")
)

// State of a session's relay flow.
type State int

const (
	StateIdle State = iota
	StateAwaitingCompletion
)

func (s State) String() string {
	if s == StateAwaitingCompletion {
		return "awaiting_completion"
	}
	return "idle"
}

// Emitter delivers an event to the session's own connection.
type Emitter interface {
	Emit(ev Event)
}

// Broadcaster delivers an event to every connection.
type Broadcaster interface {
	Broadcast(ev Event)
}

type EmitterFunc func(ev Event)

func (f EmitterFunc) Emit(ev Event) { f(ev) }

type BroadcasterFunc func(ev Event)

func (f BroadcasterFunc) Broadcast(ev Event) { f(ev) }

type SessionOptions struct {
	Completion completion.Options
	// CompletionTimeout bounds one completion call; zero leaves it to the transport.
	CompletionTimeout time.Duration
	OverlapPolicy     OverlapPolicy
	// RelayUserTyping re-broadcasts client typing hints as typing_update.
	RelayUserTyping bool
	Fallback        string
	Effects         *EffectPicker
}

func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		Completion:        completion.DefaultOptions(),
		CompletionTimeout: 60 * time.Second,
		OverlapPolicy:     OverlapQueue,
		Fallback:          persona.DefaultFallback,
		Effects:           NewEffectPicker(persona.DefaultEffects(), nil),
	}
}

// Session relays one connection's messages to the completer.
type Session struct {
	id        string
	store     transcript.Store
	completer completion.Completer
	out       Emitter
	all       Broadcaster
	opts      SessionOptions
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	username string
	inflight int
	queue    []queuedMessage
	closed   bool

	flows conc.WaitGroup
}

type SessionConfig struct {
	ID          string
	Store       transcript.Store
	Completer   completion.Completer
	Emitter     Emitter
	Broadcaster Broadcaster
	Options     SessionOptions
}

// NewSession creates the connection's transcript and returns an idle session whose
// flows live no longer than ctx.
func NewSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if ctx == nil {
		return nil, errors.New("session ctx is nil")
	}
	if strings.TrimSpace(cfg.ID) == "" {
		return nil, errors.New("session id is empty")
	}
	if cfg.Store == nil {
		return nil, errors.New("session store is nil")
	}
	if cfg.Completer == nil {
		return nil, errors.New("session completer is nil")
	}
	if cfg.Emitter == nil {
		cfg.Emitter = EmitterFunc(func(Event) {})
	}
	if cfg.Broadcaster == nil {
		cfg.Broadcaster = BroadcasterFunc(func(Event) {})
	}
	if cfg.Options.OverlapPolicy == "" {
		cfg.Options.OverlapPolicy = OverlapQueue
	}
	if cfg.Options.Fallback == "" {
		cfg.Options.Fallback = persona.DefaultFallback
	}
	if _, err := cfg.Store.Create(cfg.ID); err != nil {
		return nil, errors.Wrap(err, "create transcript")
	}
	sctx, cancel := context.WithCancel(ctx)
	return &Session{
		id:        cfg.ID,
		store:     cfg.Store,
		completer: cfg.Completer,
		out:       cfg.Emitter,
		all:       cfg.Broadcaster,
		opts:      cfg.Options,
		logger:    log.With().Str("component", "relay").Str("conn_id", cfg.ID).Logger(),
		ctx:       sctx,
		cancel:    cancel,
	}, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return StateAwaitingCompletion
	}
	return StateIdle
}

func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// HandleEnvelope dispatches one inbound frame. Problems are reported to the client as
// error events; nothing is returned to the transport.
func (s *Session) HandleEnvelope(env Envelope) {
	switch env.Event {
	case EventUserMessage:
		var p UserMessagePayload
		if err := decodeData(env.Data, &p); err != nil {
			s.out.Emit(errorEvent("malformed user_message payload"))
			return
		}
		if err := s.Submit(p.Message, p.Username); err != nil {
			switch {
			case errors.Is(err, ErrSessionClosed):
			case errors.Is(err, ErrBusy), errors.Is(err, ErrEmptyMessage):
				s.out.Emit(errorEvent(err.Error()))
			default:
				s.logger.Error().Err(err).Msg("submit failed")
				s.out.Emit(errorEvent("failed to handle message"))
			}
		}
	case EventTyping:
		var p TypingPayload
		if err := decodeData(env.Data, &p); err != nil {
			s.out.Emit(errorEvent("malformed typing payload"))
			return
		}
		if s.opts.RelayUserTyping {
			s.all.Broadcast(typingUpdate(s.displayName(p.Username), p.Typing))
		}
	case EventUserJoined:
		var p UserJoinedPayload
		if err := decodeData(env.Data, &p); err != nil {
			s.out.Emit(errorEvent("malformed user_joined payload"))
			return
		}
		s.mu.Lock()
		s.username = strings.TrimSpace(p.Username)
		s.mu.Unlock()
		s.logger.Debug().Str("username", p.Username).Msg("user joined")
	case EventPing:
		s.out.Emit(pong())
	default:
		s.out.Emit(errorEvent("unknown event " + strconv.Quote(env.Event)))
	}
}

// Submit starts (or queues, per the overlap policy) a relay flow for one user message.
func (s *Session) Submit(text, username string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	msg := queuedMessage{Text: text, User: s.displayNameLocked(username), EnqueuedAt: time.Now()}
	busy := s.inflight > 0
	switch s.opts.OverlapPolicy {
	case OverlapReject:
		if busy {
			s.mu.Unlock()
			return ErrBusy
		}
	case OverlapQueue:
		if busy {
			pos := s.enqueueLocked(msg)
			s.mu.Unlock()
			s.logger.Debug().Int("queue_position", pos).Msg("reply in progress, message queued")
			return nil
		}
	case OverlapAllow:
	}
	s.inflight++
	s.startFlowLocked(msg)
	s.mu.Unlock()
	return nil
}

func (s *Session) startFlowLocked(first queuedMessage) {
	s.flows.Go(func() {
		msg, ok := first, true
		for ok {
			s.runFlow(msg)
			msg, ok = s.finishFlow()
		}
	})
}

// finishFlow either hands the worker the next queued message or marks it done.
func (s *Session) finishFlow() (queuedMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && s.opts.OverlapPolicy == OverlapQueue {
		if next, ok := s.dequeueLocked(); ok {
			return next, true
		}
	}
	s.inflight--
	return queuedMessage{}, false
}

// runFlow always pairs typing on with typing off, whatever the exchange does.
func (s *Session) runFlow(msg queuedMessage) {
	s.out.Emit(botTyping(true))
	s.all.Broadcast(typingUpdate(msg.User, true))
	defer func() {
		s.out.Emit(botTyping(false))
		s.all.Broadcast(typingUpdate(msg.User, false))
	}()

	var pc panics.Catcher
	pc.Try(func() { s.exchange(msg) })
	if r := pc.Recovered(); r != nil {
		s.logger.Error().Err(r.AsError()).Msg("relay flow panicked")
		if s.ctx.Err() == nil {
			s.out.Emit(botMessage(s.opts.Fallback, persona.ErrorEffect))
		}
	}
}

func (s *Session) exchange(msg queuedMessage) {
	if s.ctx.Err() != nil {
		return
	}
	if !s.ensureTranscript() {
		return
	}
	t, err := s.store.Append(s.id, transcript.User(msg.Text))
	if err != nil {
		if errors.Is(err, transcript.ErrNotFound) {
			return
		}
		s.logger.Error().Err(err).Msg("append user turn")
		s.out.Emit(botMessage(s.opts.Fallback, persona.ErrorEffect))
		return
	}

	if tokens, err := transcript.EstimateTokens(t); err == nil {
		s.logger.Debug().Int("turns", len(t)).Int("prompt_tokens_estimate", tokens).Msg("requesting completion")
	}

	callCtx, cancel := s.ctx, context.CancelFunc(func() {})
	if s.opts.CompletionTimeout > 0 {
		callCtx, cancel = context.WithTimeout(s.ctx, s.opts.CompletionTimeout)
	}
	start := time.Now()
	reply, err := s.completer.Complete(callCtx, t, s.opts.Completion)
	cancel()

	if s.ctx.Err() != nil {
		s.logger.Debug().Msg("connection closed before the reply arrived, discarding it")
		return
	}
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("kind", completion.KindOf(err).String()).
			Dur("duration", time.Since(start)).
			Msg("completion failed, sending fallback")
		s.out.Emit(botMessage(s.opts.Fallback, persona.ErrorEffect))
		return
	}

	if _, err := s.store.Append(s.id, transcript.Assistant(reply)); err != nil {
		if !errors.Is(err, transcript.ErrNotFound) {
			s.logger.Error().Err(err).Msg("append assistant turn")
		}
		return
	}
	s.logger.Debug().Dur("duration", time.Since(start)).Msg("completion succeeded")
	s.out.Emit(botMessage(reply, s.opts.Effects.Pick()))
}

// ensureTranscript lazily recreates a missing transcript while the session is open.
func (s *Session) ensureTranscript() bool {
	if _, ok := s.store.Get(s.id); ok {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, err := s.store.Create(s.id); err != nil {
		s.logger.Error().Err(err).Msg("recreate transcript")
		return false
	}
	return true
}

// Close abandons in-flight and queued messages, deletes the transcript and waits for
// running flows to finish. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	dropped := len(s.queue)
	s.queue = nil
	s.cancel()
	s.mu.Unlock()

	s.store.Delete(s.id)
	s.flows.Wait()
	if dropped > 0 {
		s.logger.Debug().Int("dropped", dropped).Msg("dropped queued messages on close")
	}
}

func (s *Session) displayName(username string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayNameLocked(username)
}

func (s *Session) displayNameLocked(username string) string {
	if u := strings.TrimSpace(username); u != "" {
		return u
	}
	if s.username != "" {
		return s.username
	}
	return DefaultUser
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("missing data")
	}
	return json.Unmarshal(raw, v)
}
