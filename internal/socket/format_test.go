package socket

import (
	"encoding/json"
	"testing"

	"github.com/rkallin/mprisbridge/internal/metadata"
	"github.com/stretchr/testify/require"
)

func TestCompileFormatAll(t *testing.T) {
	f, err := compileFormat("str", "all")
	require.NoError(t, err)
	out, err := f.Format(metadata.Dict{"xesam|title": "X"})
	require.NoError(t, err)
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(out, &decoded))
	require.Equal(t, "X", decoded["xesam|title"])
}

func TestCompileFormatStrTemplate(t *testing.T) {
	f, err := compileFormat("str", "{xesam|title} - {xesam|artist}")
	require.NoError(t, err)
	out, err := f.Format(metadata.Dict{"xesam|title": "Song", "xesam|artist": "Artist"})
	require.NoError(t, err)
	require.Equal(t, "Song - Artist", string(out))
}

func TestCompileFormatStrTemplateMissingKey(t *testing.T) {
	f, err := compileFormat("str", "{xesam|title}")
	require.NoError(t, err)
	out, err := f.Format(metadata.Dict{})
	require.NoError(t, err)
	require.Equal(t, "N/A", string(out))
}

func TestCompileFormatJSONTokens(t *testing.T) {
	f, err := compileFormat("json", map[string]interface{}{
		"text":  "|xesam|title|",
		"extra": "static",
	})
	require.NoError(t, err)
	out, err := f.Format(metadata.Dict{"xesam|title": "Song"})
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &decoded))
	require.Equal(t, "Song", decoded["text"])
	require.Equal(t, "static", decoded["extra"])
}

func TestCompileFormatJSONMissingKeySubstitutesSentinel(t *testing.T) {
	f, err := compileFormat("json", map[string]interface{}{"text": "|missing|"})
	require.NoError(t, err)
	out, err := f.Format(metadata.Dict{})
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &decoded))
	require.Equal(t, "N/A", decoded["text"])
}

func TestCompileFormatRejectsUnknownType(t *testing.T) {
	_, err := compileFormat("xml", "<x/>")
	require.Error(t, err)
}

func TestValidInterval(t *testing.T) {
	require.True(t, validInterval("ON_METADATA"))
	require.True(t, validInterval("on_player"))
	require.False(t, validInterval("BOGUS"))
}
