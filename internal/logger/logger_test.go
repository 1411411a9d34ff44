package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriter(t *testing.T) {
	t.Run("filters below configured level", func(t *testing.T) {
		var buf bytes.Buffer
		log := NewWithWriter(&buf, "warn")

		log.Info().Msg("hidden")
		log.Warn().Str("account", "a@x.com").Msg("shown")

		lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
		require.Len(t, lines, 1)

		var entry map[string]any
		require.NoError(t, json.Unmarshal(lines[0], &entry))
		assert.Equal(t, "warn", entry["level"])
		assert.Equal(t, "shown", entry["message"])
		assert.Equal(t, "a@x.com", entry["account"])
		assert.Contains(t, entry, "time")
	})

	t.Run("unknown level falls back to info", func(t *testing.T) {
		var buf bytes.Buffer
		log := NewWithWriter(&buf, "loud")

		log.Debug().Msg("hidden")
		log.Info().Msg("shown")

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})
}

func TestMaskEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"support@example.com", "s*****t@e*****e.c*m"},
		{"a@x.io", "*@*.io"},
		{"not-an-address", "not-an-address"},
		{"@example.com", "@example.com"},
		{"  bob@ex.org ", "b*b@ex.o*g"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, MaskEmail(tt.in))
		})
	}
}
