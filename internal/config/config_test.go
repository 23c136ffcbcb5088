package config

import (
	"testing"
	"time"

	"github.com/rkallin/mprisbridge/internal/metadata"
	"github.com/rkallin/mprisbridge/internal/plugin"
	"github.com/rkallin/mprisbridge/internal/rules"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func realEngineBuilder() NewEngineFunc {
	return func(entries []rules.RuleSetEntry) (*rules.Engine, error) {
		loader := plugin.New(afero.NewOsFs(), nil)
		rules.RegisterBuiltins(loader)
		matcher := rules.NewMatcher(loader, rules.NewPcreEngine(), nil)
		e := rules.NewEngine(loader, matcher, nil)
		if err := e.Init(entries); err != nil {
			return nil, err
		}
		return e, nil
	}
}

const validYAML = `
socket_path: /tmp/test.sock
plugin_paths:
  - /etc/mprisbridge/plugins
rules:
  - rule: always
    handler: builtin.passthrough
excluded_substrings:
  - playerctld
`

func TestLoadParsesFileAndCompilesEngine(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/mprisbridge/config.yaml", []byte(validYAML), 0o644))

	l := NewLoader("/etc/mprisbridge/config.yaml", fs, realEngineBuilder(), nil)
	require.NoError(t, l.Load())

	require.Equal(t, "/tmp/test.sock", l.File().SocketPath)
	require.Equal(t, []string{"playerctld"}, l.File().ExcludedSubstrings)

	out, err := l.Engine().Apply(metadata.Dict{"xesam:title": "X"})
	require.NoError(t, err)
	require.Equal(t, "X", out["xesam:title"])
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/mprisbridge/config.yaml", []byte("not: valid: yaml: at: all:"), 0o644))

	l := NewLoader("/etc/mprisbridge/config.yaml", fs, realEngineBuilder(), nil)
	require.Error(t, l.Load())
}

func TestLoadRejectsBadRuleCompile(t *testing.T) {
	fs := afero.NewMemMapFs()
	bad := `
socket_path: /tmp/test.sock
rules:
  - rule: 'xesam:url <-> contains("x")'
    handler: builtin.passthrough
`
	require.NoError(t, afero.WriteFile(fs, "/etc/mprisbridge/config.yaml", []byte(bad), 0o644))

	l := NewLoader("/etc/mprisbridge/config.yaml", fs, realEngineBuilder(), nil)
	require.Error(t, l.Load())
}

func TestLoadDefaultsSocketPath(t *testing.T) {
	fs := afero.NewMemMapFs()
	minimal := `
rules:
  - rule: always
    handler: builtin.passthrough
`
	require.NoError(t, afero.WriteFile(fs, "/etc/mprisbridge/config.yaml", []byte(minimal), 0o644))
	l := NewLoader("/etc/mprisbridge/config.yaml", fs, realEngineBuilder(), nil)
	require.NoError(t, l.Load())
	require.Equal(t, "/tmp/mpris.sock", l.File().SocketPath)
}

func TestHotReloadSwapsEngineOnValidEdit(t *testing.T) {
	fs := afero.NewOsFs()
	dir := t.TempDir()
	path := dir + "/config.yaml"
	require.NoError(t, afero.WriteFile(fs, path, []byte(validYAML), 0o644))

	l := NewLoader(path, fs, realEngineBuilder(), nil)
	require.NoError(t, l.Load())
	require.NoError(t, l.Watch())
	defer l.Stop()

	before := l.Engine()

	updated := `
socket_path: /tmp/test2.sock
rules:
  - rule: always
    handler: builtin.passthrough
`
	require.NoError(t, afero.WriteFile(fs, path, []byte(updated), 0o644))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.File().SocketPath == "/tmp/test2.sock" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, "/tmp/test2.sock", l.File().SocketPath)
	require.NotSame(t, before, l.Engine(), "engine must be swapped on a valid reload")
}

func TestHotReloadKeepsPreviousEngineOnBadEdit(t *testing.T) {
	fs := afero.NewOsFs()
	dir := t.TempDir()
	path := dir + "/config.yaml"
	require.NoError(t, afero.WriteFile(fs, path, []byte(validYAML), 0o644))

	l := NewLoader(path, fs, realEngineBuilder(), nil)
	require.NoError(t, l.Load())
	require.NoError(t, l.Watch())
	defer l.Stop()

	before := l.Engine()

	broken := `
rules:
  - rule: 'malformed no brackets'
    handler: builtin.passthrough
`
	require.NoError(t, afero.WriteFile(fs, path, []byte(broken), 0o644))
	time.Sleep(200 * time.Millisecond)

	require.Same(t, before, l.Engine(), "engine must not be swapped on a failed reload")
}
