package player

import (
	"testing"
	"time"

	"github.com/rkallin/mprisbridge/internal/metadata"
	"github.com/rkallin/mprisbridge/internal/plugin"
	"github.com/rkallin/mprisbridge/internal/rules"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProxy struct {
	posUs  int64
	md     metadata.Dict
	status Status
}

func (f *fakeProxy) PositionMicros() (int64, error)       { return f.posUs, nil }
func (f *fakeProxy) Metadata() (metadata.Dict, error)      { return f.md, nil }
func (f *fakeProxy) PlaybackStatus() (Status, error)       { return f.status, nil }

func passthroughEngine(t *testing.T) *rules.Engine {
	loader := plugin.New(afero.NewMemMapFs(), nil)
	rules.RegisterBuiltins(loader)
	matcher := rules.NewMatcher(loader, rules.NewPcreEngine(), nil)
	e := rules.NewEngine(loader, matcher, nil)
	require.NoError(t, e.Init([]rules.RuleSetEntry{{Rule: "always", Handler: "builtin.passthrough"}}))
	return e
}

// fakeClock lets a test move time forward deterministically.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Clock() time.Time { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestPauseAccountingPreservesPosition(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	proxy := &fakeProxy{}
	p := New("test", proxy, passthroughEngine(t), nil, clk.Clock, Callbacks{})

	p.UpdateStatus(Playing)
	clk.Advance(25 * time.Second)
	p.UpdateStatus(Paused)

	require.InDelta(t, 25.0, p.Position(), 0.01)

	// Position must not advance further while paused, even as the clock moves.
	clk.Advance(100 * time.Second)
	require.InDelta(t, 25.0, p.Position(), 0.01)
}

func TestPauseThenResumeContinuesFromExistingTime(t *testing.T) {
	clk := &fakeClock{now: time.Unix(2000, 0)}
	proxy := &fakeProxy{}
	p := New("test", proxy, passthroughEngine(t), nil, clk.Clock, Callbacks{})

	p.UpdateStatus(Playing)
	clk.Advance(20 * time.Second)
	p.UpdateStatus(Paused)
	clk.Advance(5 * time.Second) // paused interval, should not count
	p.UpdateStatus(Playing)
	clk.Advance(5 * time.Second)

	require.InDelta(t, 25.0, p.Position(), 0.01)
}

func TestLengthOnlyMetadataUpdateSuppressesReTransform(t *testing.T) {
	loader := plugin.New(afero.NewMemMapFs(), nil)
	calls := 0
	loader.RegisterBuiltin("builtin", "counting_passthrough", rules.Handler(
		func(in metadata.Dict, _ *zap.Logger, _ interface{}, _ []interface{}, _ map[string]interface{}) (metadata.Dict, error) {
			calls++
			return in, nil
		}))
	matcher := rules.NewMatcher(loader, rules.NewPcreEngine(), nil)
	e := rules.NewEngine(loader, matcher, nil)
	require.NoError(t, e.Init([]rules.RuleSetEntry{{Rule: "always", Handler: "builtin.counting_passthrough"}}))

	var metadataEmits, eventEmits int
	proxy := &fakeProxy{}
	p := New("test", proxy, e, nil, time.Now, Callbacks{
		OnMetadata: func(metadata.Dict) { metadataEmits++ },
		OnEvent:    func(metadata.Dict) { eventEmits++ },
	})

	p.SetMetadata(metadata.Dict{
		metadata.KeyTitle:  "Song",
		metadata.KeyArtist: []string{"Artist"},
		metadata.KeyURL:    "https://example.com/a",
		metadata.KeyLength: int64(200_000_000),
	})
	require.Equal(t, 1, calls)
	require.Equal(t, 1, metadataEmits)
	require.Equal(t, 1, eventEmits)

	p.SetMetadata(metadata.Dict{
		metadata.KeyTitle:  "Song",
		metadata.KeyArtist: []string{"Artist"},
		metadata.KeyURL:    "https://example.com/a",
		metadata.KeyLength: int64(210_000_000),
	})

	require.Equal(t, 1, calls, "length-only resend must not re-run the transformation engine")
	require.Equal(t, 2, metadataEmits)
	require.Equal(t, 2, eventEmits)
	require.InDelta(t, 210.0, p.Metadata()[metadata.KeyLength].(float64), 0.001)

	// A byte-for-byte resend (same fingerprint, same length) must not fire
	// any callback at all.
	p.SetMetadata(metadata.Dict{
		metadata.KeyTitle:  "Song",
		metadata.KeyArtist: []string{"Artist"},
		metadata.KeyURL:    "https://example.com/a",
		metadata.KeyLength: int64(210_000_000),
	})

	require.Equal(t, 1, calls, "true duplicate must not re-run the transformation engine")
	require.Equal(t, 2, metadataEmits, "true duplicate must not fire onMetadata")
	require.Equal(t, 2, eventEmits, "true duplicate must not fire onEvent")
}

func TestSeekReanchorsFromProxyPosition(t *testing.T) {
	clk := &fakeClock{now: time.Unix(3000, 0)}
	proxy := &fakeProxy{posUs: 42_000_000}
	var seekCalls int
	p := New("test", proxy, passthroughEngine(t), nil, clk.Clock, Callbacks{
		OnSeek: func(metadata.Dict) { seekCalls++ },
	})
	p.UpdateStatus(Playing)
	p.OnSeek(0)

	require.Equal(t, 1, seekCalls)
	require.InDelta(t, 42.0, p.Position(), 0.01)
}

func TestStoppedResetsPosition(t *testing.T) {
	clk := &fakeClock{now: time.Unix(4000, 0)}
	proxy := &fakeProxy{}
	p := New("test", proxy, passthroughEngine(t), nil, clk.Clock, Callbacks{})
	p.UpdateStatus(Playing)
	clk.Advance(10 * time.Second)
	p.UpdateStatus(Stopped)
	require.Equal(t, 0.0, p.Position())
	require.False(t, p.Active())
}
