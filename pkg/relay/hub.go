package relay

import (
	"context"
	"encoding/json"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chat-relay/pkg/broadcast"
	"github.com/go-go-golems/chat-relay/pkg/completion"
	"github.com/go-go-golems/chat-relay/pkg/persona"
	"github.com/go-go-golems/chat-relay/pkg/transcript"
)

const maxInboundFrame = 64 << 10

type HubConfig struct {
	BaseCtx   context.Context
	Store     transcript.Store
	Completer completion.Completer
	// Bus carries broadcasts between relay processes. Nil broadcasts to local connections only.
	Bus     *broadcast.Bus
	Persona persona.Persona
	Session SessionOptions

	SendBuffer   int
	WriteTimeout time.Duration
	// RandSource seeds effect selection; nil seeds from the clock.
	RandSource rand.Source
}

// Hub owns the live connections and their sessions.
type Hub struct {
	baseCtx   context.Context
	store     transcript.Store
	completer completion.Completer
	bus       *broadcast.Bus
	opts      SessionOptions
	pool      *ConnectionPool

	mu       sync.Mutex
	sessions map[string]*Session
	started  bool
	closed   bool
}

func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.BaseCtx == nil {
		return nil, errors.New("hub base context is nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("hub transcript store is nil")
	}
	if cfg.Completer == nil {
		return nil, errors.New("hub completer is nil")
	}
	opts := cfg.Session
	if opts.Fallback == "" {
		opts.Fallback = cfg.Persona.Fallback
	}
	if opts.Effects == nil {
		effects := cfg.Persona.Effects
		if len(effects) == 0 {
			effects = persona.DefaultEffects()
		}
		opts.Effects = NewEffectPicker(effects, cfg.RandSource)
	}
	return &Hub{
		baseCtx:   cfg.BaseCtx,
		store:     cfg.Store,
		completer: cfg.Completer,
		bus:       cfg.Bus,
		opts:      opts,
		pool:      NewConnectionPool(cfg.SendBuffer, cfg.WriteTimeout),
		sessions:  map[string]*Session{},
	}, nil
}

// Start subscribes the hub to the broadcast bus until ctx is done.
func (h *Hub) Start(ctx context.Context) error {
	if h.bus == nil {
		return nil
	}
	err := h.bus.Consume(ctx, broadcast.Topic, func(payload []byte) {
		h.pool.Broadcast(payload)
	})
	if err != nil {
		return errors.Wrap(err, "consume broadcasts")
	}
	h.mu.Lock()
	h.started = true
	h.mu.Unlock()
	return nil
}

// Broadcast sends ev to every connection, through the bus when one is running.
func (h *Hub) Broadcast(ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("component", "relay").Str("event", ev.Name).Msg("marshal broadcast")
		return
	}
	h.mu.Lock()
	viaBus := h.started && h.bus != nil
	h.mu.Unlock()
	if viaBus {
		err := h.bus.Publish(broadcast.Topic, b)
		if err == nil {
			return
		}
		log.Warn().Err(err).Str("component", "relay").Msg("publish broadcast failed, delivering locally")
	}
	h.pool.Broadcast(b)
}

func (h *Hub) sendTo(id string, ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("component", "relay").Str("conn_id", id).Str("event", ev.Name).Msg("marshal event")
		return
	}
	h.pool.SendTo(id, b)
}

// Open registers a connection and its session and greets it with a connected event.
func (h *Hub) Open(conn wsConn) (*Session, error) {
	if conn == nil {
		return nil, errors.New("connection is nil")
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errors.New("hub is closed")
	}
	h.mu.Unlock()

	id := uuid.NewString()
	h.pool.Add(id, conn)
	s, err := NewSession(h.baseCtx, SessionConfig{
		ID:          id,
		Store:       h.store,
		Completer:   h.completer,
		Emitter:     EmitterFunc(func(ev Event) { h.sendTo(id, ev) }),
		Broadcaster: BroadcasterFunc(h.Broadcast),
		Options:     h.opts,
	})
	if err != nil {
		h.pool.Remove(id)
		return nil, err
	}
	h.mu.Lock()
	h.sessions[id] = s
	h.mu.Unlock()

	log.Info().Str("component", "relay").Str("conn_id", id).Int("connections", h.pool.Count()).Msg("client connected")
	h.sendTo(id, connected(id))
	return s, nil
}

// Attach opens a session for conn and serves its read loop in the background.
func (h *Hub) Attach(conn *websocket.Conn) (*Session, error) {
	if conn == nil {
		return nil, errors.New("websocket connection is nil")
	}
	s, err := h.Open(conn)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxInboundFrame)
	wsLog := log.With().
		Str("component", "relay").
		Str("remote", conn.RemoteAddr().String()).
		Str("conn_id", s.ID()).
		Logger()

	go func() {
		defer h.CloseSession(s.ID())
		defer wsLog.Info().Msg("client disconnected")
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				wsLog.Debug().Err(err).Msg("ws read loop end")
				return
			}
			if msgType != websocket.TextMessage {
				s.out.Emit(errorEvent("binary frames are not supported"))
				continue
			}
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
				s.out.Emit(errorEvent("malformed frame"))
				continue
			}
			s.HandleEnvelope(env)
		}
	}()
	return s, nil
}

// CloseSession drops the connection and ends its session. Unknown ids are ignored.
func (h *Hub) CloseSession(id string) {
	h.pool.Remove(id)
	h.mu.Lock()
	s, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Live reports whether a connection is still open.
func (h *Hub) Live(id string) bool {
	return h.pool.Has(id)
}

func (h *Hub) Session(id string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	return s, ok
}

type SessionSummary struct {
	ID         string `json:"id"`
	Username   string `json:"username,omitempty"`
	State      string `json:"state"`
	QueueDepth int    `json:"queue_depth"`
	Connected  bool   `json:"connected"`
}

func (h *Hub) Sessions() []SessionSummary {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	items := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		items = append(items, SessionSummary{
			ID:         s.ID(),
			Username:   s.Username(),
			State:      s.State().String(),
			QueueDepth: s.QueueDepth(),
			Connected:  h.pool.Has(s.ID()),
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

func (h *Hub) Store() transcript.Store { return h.store }

// Close ends every session and closes every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	sessions := h.sessions
	h.sessions = map[string]*Session{}
	h.mu.Unlock()

	h.pool.CloseAll()
	for _, s := range sessions {
		s.Close()
	}
	log.Info().Str("component", "relay").Int("sessions", len(sessions)).Msg("hub closed")
}
