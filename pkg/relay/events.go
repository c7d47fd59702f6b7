package relay

import (
	"encoding/json"
	"time"
)

// Client to server events.
const (
	EventUserMessage = "user_message"
	EventTyping      = "typing"
	EventUserJoined  = "user_joined"
	EventPing        = "ping"
)

// Server to client events.
const (
	EventConnected    = "connected"
	EventBotTyping    = "bot_typing"
	EventTypingUpdate = "typing_update"
	EventBotMessage   = "bot_message"
	EventError        = "error"
	EventPong         = "pong"
)

// DefaultUser names anonymous senders in typing_update broadcasts.
const DefaultUser = "Someone"

// Envelope is the wire frame in both directions: {"event": name, "data": payload}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is an outbound frame before encoding.
type Event struct {
	Name string
	Data any
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}{Event: e.Name, Data: e.Data})
}

type UserMessagePayload struct {
	Message  string `json:"message"`
	Username string `json:"username,omitempty"`
}

type TypingPayload struct {
	Username string `json:"username"`
	Typing   bool   `json:"typing"`
}

type UserJoinedPayload struct {
	Username string `json:"username"`
}

type BotTypingPayload struct {
	Typing bool `json:"typing"`
}

type TypingUpdatePayload struct {
	User   string `json:"user"`
	Typing bool   `json:"typing"`
}

type BotMessagePayload struct {
	Message   string `json:"message"`
	Particles string `json:"particles"`
}

type ConnectedPayload struct {
	ID         string `json:"id"`
	ServerTime int64  `json:"server_time"`
}

type PongPayload struct {
	ServerTime int64 `json:"server_time"`
}

func botTyping(typing bool) Event {
	return Event{Name: EventBotTyping, Data: BotTypingPayload{Typing: typing}}
}

func typingUpdate(user string, typing bool) Event {
	return Event{Name: EventTypingUpdate, Data: TypingUpdatePayload{User: user, Typing: typing}}
}

func botMessage(text, effect string) Event {
	return Event{Name: EventBotMessage, Data: BotMessagePayload{Message: text, Particles: effect}}
}

func errorEvent(msg string) Event {
	return Event{Name: EventError, Data: msg}
}

func connected(id string) Event {
	return Event{Name: EventConnected, Data: ConnectedPayload{ID: id, ServerTime: time.Now().UnixMilli()}}
}

func pong() Event {
	return Event{Name: EventPong, Data: PongPayload{ServerTime: time.Now().UnixMilli()}}
}
