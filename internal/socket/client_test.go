package socket

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHandshakeSuccess(t *testing.T) {
	raw, _ := json.Marshal(map[string]interface{}{
		"name": "waybar", "interval": "on_metadata", "format_type": "str", "format": "{title}",
	})
	hs, extras, err := parseHandshake(raw)
	require.NoError(t, err)
	require.Empty(t, extras)
	require.Equal(t, "waybar", hs.Name)
	require.Equal(t, "ON_METADATA", hs.Interval)
}

func TestParseHandshakeReportsUnknownExtraKeys(t *testing.T) {
	raw, _ := json.Marshal(map[string]interface{}{
		"name": "waybar", "interval": "ON_EVENT", "format_type": "str", "format": "{title}", "bogus": 1,
	})
	_, extras, err := parseHandshake(raw)
	require.NoError(t, err)
	require.Equal(t, []string{"bogus"}, extras)
}

func TestParseHandshakeMissingKeyErrors(t *testing.T) {
	raw, _ := json.Marshal(map[string]interface{}{"name": "waybar", "interval": "ON_EVENT"})
	_, _, err := parseHandshake(raw)
	require.Error(t, err)
}

func TestParseHandshakeInvalidIntervalErrors(t *testing.T) {
	raw, _ := json.Marshal(map[string]interface{}{
		"name": "x", "interval": "BOGUS", "format_type": "str", "format": "{title}",
	})
	_, _, err := parseHandshake(raw)
	require.Error(t, err)
}

func TestParseHandshakeMalformedJSON(t *testing.T) {
	_, _, err := parseHandshake([]byte("not json"))
	require.Error(t, err)
}
