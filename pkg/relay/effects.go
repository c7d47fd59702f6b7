package relay

import (
	"math/rand"
	"sync"
	"time"

	"github.com/go-go-golems/chat-relay/pkg/persona"
)

const defaultEffect = "default"

// EffectPicker draws cosmetic effect tags by weight. It is safe for concurrent use.
type EffectPicker struct {
	mu      sync.Mutex
	effects []persona.Effect
	total   float64
	rnd     *rand.Rand
}

// NewEffectPicker uses src for randomness; nil seeds from the clock.
func NewEffectPicker(effects []persona.Effect, src rand.Source) *EffectPicker {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	p := &EffectPicker{rnd: rand.New(src)}
	for _, e := range effects {
		if e.Weight <= 0 || e.Tag == "" {
			continue
		}
		p.effects = append(p.effects, e)
		p.total += e.Weight
	}
	return p
}

func (p *EffectPicker) Pick() string {
	if p == nil || len(p.effects) == 0 {
		return defaultEffect
	}
	p.mu.Lock()
	r := p.rnd.Float64() * p.total
	p.mu.Unlock()
	for _, e := range p.effects {
		if r < e.Weight {
			return e.Tag
		}
		r -= e.Weight
	}
	return p.effects[len(p.effects)-1].Tag
}
