// Package busmonitor wires dbuswatch's name-owner and per-object property
// watchers to the player registry: discovering MPRIS peers as they appear
// on the session bus, constructing a Player for each, and tearing it down
// again when its owner disappears.
package busmonitor

import (
	"sync"

	"github.com/rkallin/mprisbridge/internal/dbuswatch"
	"github.com/rkallin/mprisbridge/internal/metadata"
	"github.com/rkallin/mprisbridge/internal/player"
	"github.com/rkallin/mprisbridge/internal/rules"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const (
	mprisNamespace = "org.mpris.MediaPlayer2"
	mprisPath      = "/org/mpris/MediaPlayer2"
	playerIface    = "org.mpris.MediaPlayer2.Player"
)

var watchedProperties = []string{"PlaybackStatus", "Metadata"}

// Monitor owns the name-owner watcher for the MPRIS namespace and one
// property watcher plus Player per discovered peer.
type Monitor struct {
	bus      dbuswatch.BusType
	registry *player.Registry
	engine   func() *rules.Engine
	logger   *zap.Logger

	broadcast func(eventClass string, md metadata.Dict)

	mu       sync.Mutex
	watchers map[string]*dbuswatch.PropertiesWatcher
	stop     chan struct{}

	nameOwner *dbuswatch.NameOwnerWatcher
}

// New constructs a Monitor. engine is called fresh for every newly
// discovered player so that a config hot-reload's new rule set applies to
// players registered afterwards. Already-registered players keep using the
// Engine they were built with; a reload does not change how their metadata
// is transformed.
func New(bus dbuswatch.BusType, registry *player.Registry, engine func() *rules.Engine,
	broadcast func(eventClass string, md metadata.Dict), logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if broadcast == nil {
		broadcast = func(string, metadata.Dict) {}
	}
	return &Monitor{
		bus: bus, registry: registry, engine: engine, broadcast: broadcast, logger: logger,
		watchers: make(map[string]*dbuswatch.PropertiesWatcher), stop: make(chan struct{}),
	}
}

// Start begins watching org.mpris.MediaPlayer2.* name ownership and
// discovers any players already present on the bus.
func (m *Monitor) Start() error {
	watcher, err := dbuswatch.WatchNameOwners(m.bus, mprisNamespace, m.registry.ExcludedSubstrings())
	if err != nil {
		return err
	}
	m.nameOwner = watcher

	for name, owner := range watcher.GetOwners() {
		m.addPlayer(name, owner, true)
	}

	go m.listen()
	return nil
}

func (m *Monitor) listen() {
	for {
		select {
		case <-m.nameOwner.C:
			m.reconcile()
		case <-m.stop:
			return
		}
	}
}

func (m *Monitor) reconcile() {
	owners := m.nameOwner.GetOwners()
	m.mu.Lock()
	tracked := make(map[string]bool, len(m.watchers))
	for name := range m.watchers {
		tracked[name] = true
	}
	m.mu.Unlock()

	for name, owner := range owners {
		if !tracked[name] {
			m.addPlayer(name, owner, false)
		}
	}
	for name := range tracked {
		if _, stillOwned := owners[name]; !stillOwned {
			m.removePlayer(name)
		}
	}
}

func (m *Monitor) addPlayer(name, owner string, existingConn bool) {
	if owner == "" {
		return
	}
	w := dbuswatch.WatchProperties(m.bus, name, dbus.ObjectPath(mprisPath), playerIface, watchedProperties)
	w.AddSignalHandler(playerIface+".Seeked", func(sig *dbuswatch.Signal, fetch dbuswatch.Fetcher) map[string]interface{} {
		pos, err := fetch("Position")
		if err != nil {
			return nil
		}
		return map[string]interface{}{"Position": pos}
	})

	proxy := &busProxy{watcher: w}
	p := player.New(name, proxy, m.engine(), m.logger, nil, player.Callbacks{
		OnEvent:    func(d metadata.Dict) { m.broadcast("ON_EVENT", d) },
		OnSeek:     func(d metadata.Dict) { m.broadcast("ON_SEEK", d) },
		OnMetadata: func(d metadata.Dict) { m.broadcast("ON_METADATA", d) },
		OnStatus:   func(d metadata.Dict) { m.broadcast("ON_STATUS", d) },
	})

	m.mu.Lock()
	m.watchers[name] = w
	m.mu.Unlock()

	m.registry.Add(p)
	go m.pump(name, w, p)

	if existingConn {
		p.ForceUpdate()
		m.registry.Reevaluate()
	}
}

// pump folds PropertiesWatcher.Updates into Player.OnUpdate calls until the
// watcher is torn down (its Updates channel is closed by Unsubscribe).
func (m *Monitor) pump(name string, w *dbuswatch.PropertiesWatcher, p *player.Player) {
	for change := range w.Updates {
		upd := metadata.Dict{}
		for k, pair := range change {
			upd[k] = pair[1]
		}
		if raw, ok := upd["Metadata"].(map[string]dbus.Variant); ok {
			upd["Metadata"] = unwrapMetadata(raw)
		}
		if _, ok := upd["Position"]; ok {
			delete(upd, "Position")
			p.OnSeek(0) // signal argument is ignored by design; re-read position from the bus
		}
		if len(upd) > 0 {
			p.OnUpdate(upd)
			m.registry.Reevaluate()
		}
	}
}

func (m *Monitor) removePlayer(name string) {
	m.mu.Lock()
	w, ok := m.watchers[name]
	delete(m.watchers, name)
	m.mu.Unlock()
	if !ok {
		return
	}
	w.Unsubscribe()
	m.registry.Remove(name)

	active, hasActive := m.registry.Active()
	snapshot := metadata.Dict{}
	if hasActive {
		snapshot = active.Metadata()
	}
	for _, class := range []string{"ON_METADATA", "ON_STATUS", "ON_SEEK", "ON_EVENT"} {
		m.broadcast(class, snapshot)
	}
}

// Stop tears down the name-owner watcher and every per-player property
// watcher.
func (m *Monitor) Stop() {
	close(m.stop)
	if m.nameOwner != nil {
		m.nameOwner.Unsubscribe()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.watchers {
		w.Unsubscribe()
	}
}

// busProxy adapts a *dbuswatch.PropertiesWatcher to player.Proxy.
type busProxy struct {
	watcher *dbuswatch.PropertiesWatcher
}

func (b *busProxy) PositionMicros() (int64, error) {
	out, err := b.watcher.Call("Position")
	if err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return 0, nil
	}
	pos, _ := out[0].(int64)
	return pos, nil
}

func (b *busProxy) Metadata() (metadata.Dict, error) {
	props := b.watcher.Get()
	raw, ok := props["Metadata"]
	if !ok {
		return metadata.Dict{}, nil
	}
	return unwrapMetadata(raw), nil
}

func (b *busProxy) PlaybackStatus() (player.Status, error) {
	props := b.watcher.Get()
	raw, ok := props["PlaybackStatus"].(string)
	if !ok {
		return player.Stopped, nil
	}
	return player.Status(raw), nil
}

// unwrapMetadata converts the nested dbus.Variant map MPRIS reports for the
// Metadata property into a flat metadata.Dict of plain Go values.
func unwrapMetadata(raw interface{}) metadata.Dict {
	m, ok := raw.(map[string]dbus.Variant)
	if !ok {
		return metadata.Dict{}
	}
	out := make(metadata.Dict, len(m))
	for k, v := range m {
		out[k] = v.Value()
	}
	return out
}
