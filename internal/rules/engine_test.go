package rules

import (
	"errors"
	"testing"

	"github.com/rkallin/mprisbridge/internal/metadata"
	"github.com/rkallin/mprisbridge/internal/plugin"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEngine(t *testing.T) (*Engine, *plugin.Loader) {
	loader := plugin.New(afero.NewMemMapFs(), nil)
	RegisterBuiltins(loader)
	matcher := NewMatcher(loader, NewPcreEngine(), nil)
	return NewEngine(loader, matcher, nil), loader
}

func TestEngineAppliesMatchingHandlerInOrder(t *testing.T) {
	e, loader := newTestEngine(t)
	loader.RegisterBuiltin("builtin", "upper_title", Handler(
		func(in metadata.Dict, _ *zap.Logger, _ interface{}, _ []interface{}, _ map[string]interface{}) (metadata.Dict, error) {
			return in, nil
		}))

	err := e.Init([]RuleSetEntry{
		{Rule: `||xesam:url <-> regexpr("youtube\.com")||`, Handler: "builtin.passthrough"},
		{Rule: "always", Handler: "builtin.passthrough"},
	})
	require.NoError(t, err)

	out, err := e.Apply(metadata.Dict{"xesam:url": "https://youtube.com/x"})
	require.NoError(t, err)
	require.Equal(t, "https://youtube.com/x", out["xesam:url"])
}

func TestEnginePropagatesHandlerError(t *testing.T) {
	e, loader := newTestEngine(t)
	boom := errors.New("boom")
	loader.RegisterBuiltin("builtin", "explode", Handler(
		func(in metadata.Dict, _ *zap.Logger, _ interface{}, _ []interface{}, _ map[string]interface{}) (metadata.Dict, error) {
			return nil, boom
		}))
	err := e.Init([]RuleSetEntry{{Rule: "always", Handler: "builtin.explode"}})
	require.NoError(t, err)

	in := metadata.Dict{"xesam:title": "X"}
	out, err := e.Apply(in)
	require.Error(t, err)
	require.Equal(t, in, out)
}

type countingHandler struct{ calls *int }

func (h countingHandler) NewState() interface{} { return new(int) }
func (h countingHandler) Apply(in metadata.Dict, _ *zap.Logger, state interface{}, _ []interface{}, _ map[string]interface{}) (metadata.Dict, error) {
	*h.calls++
	counter := state.(*int)
	*counter++
	return in.Merge(metadata.Dict{"calls": *counter}), nil
}

func TestEngineAllocatesStatePerHandlerOnce(t *testing.T) {
	e, loader := newTestEngine(t)
	calls := 0
	loader.RegisterBuiltin("builtin", "counter", countingHandler{calls: &calls})
	err := e.Init([]RuleSetEntry{{Rule: "always", Handler: "builtin.counter"}})
	require.NoError(t, err)

	out1, err := e.Apply(metadata.Dict{})
	require.NoError(t, err)
	require.Equal(t, 1, out1["calls"])

	out2, err := e.Apply(metadata.Dict{})
	require.NoError(t, err)
	require.Equal(t, 2, out2["calls"], "state persists across Apply calls on the same Engine")
}

func TestEnginePcreRuleFailsInitWithoutCgo(t *testing.T) {
	loader := plugin.New(afero.NewMemMapFs(), nil)
	RegisterBuiltins(loader)
	matcher := NewMatcher(loader, stubPcreForTest{}, nil)
	e := NewEngine(loader, matcher, nil)
	err := e.Init([]RuleSetEntry{{Rule: `||xesam:url <-> pcre("x")||`, Handler: "builtin.passthrough"}})
	require.ErrorIs(t, err, ErrPcreUnavailable)
}
