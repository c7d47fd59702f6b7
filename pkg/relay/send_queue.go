package relay

import (
	"time"

	"github.com/pkg/errors"
)

// OverlapPolicy decides what happens to a user message that arrives while the
// session is still waiting on a completion.
type OverlapPolicy string

const (
	// OverlapQueue processes overlapping messages one after another in arrival order.
	OverlapQueue OverlapPolicy = "queue"
	// OverlapAllow starts a concurrent flow; both flows append to the same transcript.
	OverlapAllow OverlapPolicy = "allow"
	// OverlapReject answers with an error event and drops the message.
	OverlapReject OverlapPolicy = "reject"
)

func ParseOverlapPolicy(s string) (OverlapPolicy, error) {
	switch p := OverlapPolicy(s); p {
	case OverlapQueue, OverlapAllow, OverlapReject:
		return p, nil
	case "":
		return OverlapQueue, nil
	default:
		return "", errors.Errorf("unknown overlap policy %q", s)
	}
}

type queuedMessage struct {
	Text       string
	User       string
	EnqueuedAt time.Time
}

func (s *Session) enqueueLocked(q queuedMessage) int {
	s.queue = append(s.queue, q)
	return len(s.queue)
}

func (s *Session) dequeueLocked() (queuedMessage, bool) {
	if len(s.queue) == 0 {
		return queuedMessage{}, false
	}
	q := s.queue[0]
	s.queue = s.queue[1:]
	return q, true
}

// QueueDepth reports how many messages wait behind the running flow.
func (s *Session) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
