package dbuswatch

import (
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"
)

func assertUpdated(t *testing.T, w *PropertiesWatcher, msgAndArgs ...interface{}) PropertiesChange {
	t.Helper()
	select {
	case c := <-w.Updates:
		return c
	case <-time.After(time.Second):
		require.Fail(t, "PropertiesWatcher not updated", msgAndArgs...)
	}
	return nil
}

func assertNotUpdated(t *testing.T, w *PropertiesWatcher, msgAndArgs ...interface{}) {
	t.Helper()
	select {
	case <-w.Updates:
		require.Fail(t, "PropertiesWatcher unexpectedly updated", msgAndArgs...)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestPropertiesWatcher(t *testing.T) {
	bus := SetupTestBus()
	srv := bus.RegisterService()

	conn := Test() // Drains NameOwnerChanged so the setup below is synchronous.
	nameOwnerChanged.addMatch(conn,
		dbus.WithMatchOption("arg0", "org.mpris.MediaPlayer2.testplayer"))
	ch := make(chan *dbus.Signal, 10)
	conn.Signal(ch)

	srv.AddName("org.mpris.MediaPlayer2.testplayer")
	obj := srv.Object("/org/mpris/MediaPlayer2", "org.mpris.MediaPlayer2.Player")
	obj.SetPropertyForTest("PlaybackStatus", "Playing", SignalTypeNone)
	<-ch // NameOwnerChanged.

	w := WatchProperties(Test,
		"org.mpris.MediaPlayer2.testplayer",
		"/org/mpris/MediaPlayer2",
		"org.mpris.MediaPlayer2.Player",
		[]string{"PlaybackStatus", "Metadata", "Position"},
	)
	defer w.Unsubscribe()

	assertNotUpdated(t, w, "on start")
	require.Equal(t, map[string]interface{}{
		"PlaybackStatus": "Playing",
	}, w.Get(), "initial values fetched from the object")

	obj.SetProperty("PlaybackStatus", "Paused")
	u := assertUpdated(t, w, "on property change")
	require.Equal(t, PropertiesChange{"PlaybackStatus": {"Playing", "Paused"}}, u)

	obj.SetPropertyForTest("Metadata", map[string]dbus.Variant{}, SignalTypeNone)
	assertNotUpdated(t, w, "change without signal is not observed")

	obj.On("Seek", func(args ...interface{}) ([]interface{}, error) {
		return nil, nil
	})
	w.AddSignalHandler("Seeked", func(s *Signal, f Fetcher) map[string]interface{} {
		pos, _ := f("Position")
		return map[string]interface{}{"Position": pos}
	})
	obj.SetPropertyForTest("Position", int64(5000), SignalTypeNone)
	obj.Emit("Seeked", int64(5000))
	u = assertUpdated(t, w, "on Seeked signal")
	require.Equal(t, PropertiesChange{"Position": {nil, int64(5000)}}, u)

	srv.RemoveName("org.mpris.MediaPlayer2.testplayer")
	u = assertUpdated(t, w, "on service disconnect")
	require.Equal(t, PropertiesChange{
		"PlaybackStatus": {"Paused", nil},
		"Position":       {int64(5000), nil},
	}, u)
	require.Empty(t, w.Get())

	_, err := w.Call("Seek", int64(0))
	require.Error(t, err, "call while disconnected")
}
