package dbuswatch

import (
	"strings"
	"sync"

	"github.com/rkallin/mprisbridge/internal/notifier"

	"github.com/godbus/dbus/v5"
)

// NameOwnerWatcher is a watcher for a single or wildcard service name owner.
// It notifies on any changes to names of interest, and provides methods to get
// the current owner(s) of those names.
type NameOwnerWatcher struct {
	C <-chan struct{}

	conn   dbusConn
	dbusCh chan *dbus.Signal

	notifyFn func()

	excluded []string

	owners   map[string]string
	ownersMu sync.RWMutex
}

// GetOwner gets an owner of a service name of interest. For an exact watcher,
// this returns the owner of the service name (or empty if no owner), for a
// wildcard watcher it returns a random owner from all that match.
func (n *NameOwnerWatcher) GetOwner() string {
	n.ownersMu.RLock()
	defer n.ownersMu.RUnlock()
	for _, v := range n.owners {
		return v
	}
	return ""
}

// GetOwners returns a map of service names to owners for all services that
// match the watcher criterion and pass the exclusion filter.
func (n *NameOwnerWatcher) GetOwners() map[string]string {
	n.ownersMu.RLock()
	defer n.ownersMu.RUnlock()
	result := map[string]string{}
	for k, v := range n.owners {
		result[k] = v
	}
	return result
}

// Unsubscribe clears all subscriptions and internal state. The watcher cannot
// be used after calling this method. Usually `defer`d when creating a watcher.
func (n *NameOwnerWatcher) Unsubscribe() {
	n.conn.RemoveSignal(n.dbusCh)
	n.conn.Close()
	n.ownersMu.Lock()
	defer n.ownersMu.Unlock()
	n.owners = map[string]string{}
}

func (n *NameOwnerWatcher) excludedName(name string) bool {
	for _, sub := range n.excluded {
		if sub != "" && strings.Contains(name, sub) {
			return true
		}
	}
	return false
}

func (n *NameOwnerWatcher) listen() {
	for sig := range n.dbusCh {
		name, ok := sig.Body[0].(string)
		if !ok || n.excludedName(name) {
			continue
		}
		newOwner, _ := sig.Body[2].(string)
		n.ownersMu.Lock()
		if len(newOwner) == 0 {
			delete(n.owners, name)
		} else {
			n.owners[name] = newOwner
		}
		n.ownersMu.Unlock()
		n.notifyFn()
	}
}

func watchNameOwner(bus BusType, name string, wildcard bool, excluded []string) (*NameOwnerWatcher, error) {
	conn := bus()
	watcher := &NameOwnerWatcher{
		conn:     conn,
		owners:   map[string]string{},
		dbusCh:   make(chan *dbus.Signal, 10),
		excluded: excluded,
	}
	watcher.notifyFn, watcher.C = notifier.New()
	var names []string
	listNames.call(conn).Store(&names)
	for _, nm := range names {
		if nameMatch(nm, name, wildcard) && !watcher.excludedName(nm) {
			var owner string
			if err := getNameOwner.call(conn, nm).Store(&owner); err == nil {
				watcher.owners[nm] = owner
			}
		}
	}
	if wildcard {
		nameOwnerChanged.addMatch(conn, dbus.WithMatchOption("arg0namespace", name))
	} else {
		nameOwnerChanged.addMatch(conn, dbus.WithMatchOption("arg0", name))
	}
	conn.Signal(watcher.dbusCh)
	go watcher.listen()
	return watcher, nil
}

func nameMatch(val, search string, wildcard bool) bool {
	if !wildcard {
		return val == search
	}
	return val == search || strings.HasPrefix(val, search+".")
}

// WatchNameOwner creates a watcher for exactly the name given.
func WatchNameOwner(bus BusType, name string) (*NameOwnerWatcher, error) {
	return watchNameOwner(bus, name, false, nil)
}

// WatchNameOwners creates a watcher for any names within the 'namespace'
// given (e.g. "org.mpris.MediaPlayer2" matches "org.mpris.MediaPlayer2.vlc").
// Names containing any of the excluded substrings are never reported.
func WatchNameOwners(bus BusType, pattern string, excluded []string) (*NameOwnerWatcher, error) {
	return watchNameOwner(bus, pattern, true, excluded)
}
