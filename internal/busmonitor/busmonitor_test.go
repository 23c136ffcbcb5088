package busmonitor

import (
	"testing"
	"time"

	"github.com/rkallin/mprisbridge/internal/dbuswatch"
	"github.com/rkallin/mprisbridge/internal/metadata"
	"github.com/rkallin/mprisbridge/internal/player"
	"github.com/rkallin/mprisbridge/internal/plugin"
	"github.com/rkallin/mprisbridge/internal/rules"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func passthroughEngine() *rules.Engine {
	loader := plugin.New(afero.NewMemMapFs(), nil)
	rules.RegisterBuiltins(loader)
	matcher := rules.NewMatcher(loader, rules.NewPcreEngine(), nil)
	e := rules.NewEngine(loader, matcher, nil)
	_ = e.Init([]rules.RuleSetEntry{{Rule: "always", Handler: "builtin.passthrough"}})
	return e
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestMonitorDiscoversExistingPlayingPlayer(t *testing.T) {
	tb := dbuswatch.SetupTestBus()
	svc := tb.RegisterService("org.mpris.MediaPlayer2.testplayer")
	obj := svc.Object("/org/mpris/MediaPlayer2", "org.mpris.MediaPlayer2.testplayer")
	obj.SetPropertyForTest("org.mpris.MediaPlayer2.Player.PlaybackStatus", "Playing", dbuswatch.SignalTypeNone)
	obj.SetPropertyForTest("org.mpris.MediaPlayer2.Player.Metadata", map[string]dbus.Variant{
		"xesam:title": dbus.MakeVariant("Song"),
	}, dbuswatch.SignalTypeNone)
	obj.On("org.mpris.MediaPlayer2.Player.Position", func(args ...interface{}) ([]interface{}, error) {
		return []interface{}{int64(0)}, nil
	})

	registry := player.NewRegistry(nil, nil)
	var events []metadata.Dict
	m := New(dbuswatch.Test, registry, passthroughEngine, func(class string, d metadata.Dict) {
		if class == "ON_EVENT" {
			events = append(events, d)
		}
	}, nil)
	require.NoError(t, m.Start())
	defer m.Stop()

	waitFor(t, func() bool {
		p, ok := registry.Active()
		return ok && p.Name == "org.mpris.MediaPlayer2.testplayer"
	})

	active, ok := registry.Active()
	require.True(t, ok)
	require.Equal(t, "Song", active.Metadata()[metadata.KeyTitle])
}

func TestMonitorRemovesPlayerOnOwnerLoss(t *testing.T) {
	tb := dbuswatch.SetupTestBus()
	svc := tb.RegisterService("org.mpris.MediaPlayer2.testplayer2")
	obj := svc.Object("/org/mpris/MediaPlayer2", "org.mpris.MediaPlayer2.testplayer2")
	obj.SetPropertyForTest("org.mpris.MediaPlayer2.Player.PlaybackStatus", "Playing", dbuswatch.SignalTypeNone)
	obj.SetPropertyForTest("org.mpris.MediaPlayer2.Player.Metadata", map[string]dbus.Variant{}, dbuswatch.SignalTypeNone)
	obj.On("org.mpris.MediaPlayer2.Player.Position", func(args ...interface{}) ([]interface{}, error) {
		return []interface{}{int64(0)}, nil
	})

	registry := player.NewRegistry(nil, nil)
	m := New(dbuswatch.Test, registry, passthroughEngine, nil, nil)
	require.NoError(t, m.Start())
	defer m.Stop()

	waitFor(t, func() bool {
		_, ok := registry.Get("org.mpris.MediaPlayer2.testplayer2")
		return ok
	})

	svc.Unregister()

	waitFor(t, func() bool {
		_, ok := registry.Get("org.mpris.MediaPlayer2.testplayer2")
		return !ok
	})
}
