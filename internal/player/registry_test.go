package player

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newRegistryPlayer(t *testing.T, name string) *Player {
	return New(name, &fakeProxy{}, passthroughEngine(t), nil, time.Now, Callbacks{})
}

func TestRegistryExcludedSubstringsRoundTrips(t *testing.T) {
	r := NewRegistry([]string{"playerctld"}, nil)
	require.Equal(t, []string{"playerctld"}, r.ExcludedSubstrings())
}

func TestRegistryPromotesPlayingOverStopped(t *testing.T) {
	var active string
	r := NewRegistry(nil, func(name string) { active = name })

	stopped := newRegistryPlayer(t, "org.mpris.MediaPlayer2.stopped")
	r.Add(stopped)
	require.Equal(t, "org.mpris.MediaPlayer2.stopped", active)

	playing := newRegistryPlayer(t, "org.mpris.MediaPlayer2.playing")
	playing.UpdateStatus(Playing)
	r.Add(playing)

	require.Equal(t, "org.mpris.MediaPlayer2.playing", active)
}

func TestRegistryFallsBackToMostRecentlyActiveOnPause(t *testing.T) {
	var active string
	r := NewRegistry(nil, func(name string) { active = name })

	a := newRegistryPlayer(t, "org.mpris.MediaPlayer2.a")
	b := newRegistryPlayer(t, "org.mpris.MediaPlayer2.b")
	r.Add(a)
	r.Add(b)

	a.UpdateStatus(Playing)
	r.Reevaluate()
	a.UpdateStatus(Paused)
	r.Reevaluate()
	require.Equal(t, "org.mpris.MediaPlayer2.a", active, "most recently paused player wins over a player that never played")

	b.UpdateStatus(Playing)
	r.Reevaluate()
	b.UpdateStatus(Paused)
	r.Reevaluate()
	require.Equal(t, "org.mpris.MediaPlayer2.b", active)
}

func TestRegistryRemoveClearsActive(t *testing.T) {
	var active string
	notified := 0
	r := NewRegistry(nil, func(name string) { active = name; notified++ })

	a := newRegistryPlayer(t, "org.mpris.MediaPlayer2.a")
	r.Add(a)
	require.Equal(t, "org.mpris.MediaPlayer2.a", active)

	r.Remove("org.mpris.MediaPlayer2.a")
	require.Equal(t, "", active)
	require.Equal(t, 2, notified)
}
