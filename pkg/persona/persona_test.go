package persona

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse_FillsDefaults(t *testing.T) {
	p, err := Parse([]byte("name: Sparky\n"))
	require.NoError(t, err)
	require.Equal(t, "Sparky", p.Name)
	require.Equal(t, DefaultSystemPrompt, p.SystemPrompt)
	require.Equal(t, DefaultFallback, p.Fallback)
	require.Equal(t, DefaultEffects(), p.Effects)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.yaml")
	content := `
name: Glitchy
system_prompt: You only answer in haiku.
fallback: "static noise..."
effects:
  - tag: glitch
    weight: 2
  - tag: code
    weight: 1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	p, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "You only answer in haiku.", p.SystemPrompt)
	require.Equal(t, "static noise...", p.Fallback)
	require.Equal(t, []Effect{{Tag: "glitch", Weight: 2}, {Tag: "code", Weight: 1}}, p.Effects)
}

func TestParse_RejectsBadEffects(t *testing.T) {
	_, err := Parse([]byte("effects:\n  - tag: error\n    weight: 1\n"))
	require.ErrorContains(t, err, "reserved")

	_, err = Parse([]byte("effects:\n  - tag: fire\n    weight: -1\n"))
	require.ErrorContains(t, err, "negative")

	_, err = Parse([]byte("effects:\n  - tag: fire\n    weight: 0\n"))
	require.ErrorContains(t, err, "sum to zero")

	_, err = Parse([]byte("effects: [nope"))
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
