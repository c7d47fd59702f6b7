// Package transcript holds per-connection conversation state for the relay.
//
// A Transcript always starts with exactly one system Turn. Stores enforce a fixed
// window after every append: the system Turn plus the most recent MaxTurns turns.
package transcript

// Role tags a Turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultMaxTurns is the number of non-system turns kept per transcript.
const DefaultMaxTurns = 10

// Turn is one role-tagged message. The JSON shape matches the chat-completions wire format.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func System(content string) Turn    { return Turn{Role: RoleSystem, Content: content} }
func User(content string) Turn      { return Turn{Role: RoleUser, Content: content} }
func Assistant(content string) Turn { return Turn{Role: RoleAssistant, Content: content} }

// Transcript is an ordered conversation history.
type Transcript []Turn

// Clone returns a copy that shares no backing array with t.
func (t Transcript) Clone() Transcript {
	if t == nil {
		return nil
	}
	out := make(Transcript, len(t))
	copy(out, t)
	return out
}

// trim keeps position 0 and the last maxTurns entries after it.
func trim(t Transcript, maxTurns int) Transcript {
	if maxTurns < 0 {
		maxTurns = 0
	}
	if len(t) <= 1+maxTurns {
		return t
	}
	out := make(Transcript, 0, 1+maxTurns)
	out = append(out, t[0])
	out = append(out, t[len(t)-maxTurns:]...)
	return out
}
