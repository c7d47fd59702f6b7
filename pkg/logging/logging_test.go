package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	require.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	require.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	require.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
}

func TestInitWithWriter_JSONForNonTerminal(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)
	var buf bytes.Buffer
	require.NoError(t, InitWithWriter(Settings{Level: "info"}, &buf))

	log.Info().Str("component", "test").Msg("hello")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "hello", line["message"])
	require.Equal(t, "test", line["component"])

	require.Error(t, InitWithWriter(Settings{Format: "xml"}, &buf))
}

func TestWatermillLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewWatermill(zerolog.New(&buf)).With(watermill.LogFields{"topic": "typing_update"})
	l.Info("subscribed", watermill.LogFields{"n": 1})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "typing_update", line["topic"])
	require.Equal(t, "subscribed", line["message"])
}
