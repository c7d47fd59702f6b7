package transcript

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
)

func defaultCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// EstimateTokens counts cl100k_base tokens over all turn contents. Providers add a few
// tokens of framing per message, so the result is a lower bound.
func EstimateTokens(t Transcript) (int, error) {
	enc, err := defaultCodec()
	if err != nil {
		return 0, errors.Wrap(err, "load cl100k_base codec")
	}
	total := 0
	for _, turn := range t {
		if turn.Content == "" {
			continue
		}
		ids, _, err := enc.Encode(turn.Content)
		if err != nil {
			return 0, errors.Wrapf(err, "encode %s turn", turn.Role)
		}
		total += len(ids)
	}
	return total, nil
}
