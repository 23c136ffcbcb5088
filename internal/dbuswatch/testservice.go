package dbuswatch

import (
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
)

// TestBusService represents a test service on the bus.
type TestBusService struct {
	mu        sync.Mutex
	destroyed int64 // atomic bool

	bus     *TestBus
	id      string
	names   map[string]bool
	objects map[dbus.ObjectPath]*testBusObject
}

// AddName registers the service for the given well-known name.
func (t *TestBusService) AddName(name string) {
	t.bus.mu.Lock()
	defer t.bus.mu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.names[name] {
		return // otherwise deadlock trying to remove name from previous owner.
	}
	oldOwner := ""
	if prev := t.bus.services[name]; prev != nil {
		oldOwner = prev.id
		prev.mu.Lock()
		delete(prev.names, name)
		prev.mu.Unlock()
	}
	t.bus.services[name] = t
	t.names[name] = true
	go t.bus.busObj.Emit(nameOwnerChanged.String(), name, oldOwner, t.id)
}

// RemoveName unregisters the service for the given well-known name.
func (t *TestBusService) RemoveName(name string) {
	t.bus.mu.Lock()
	defer t.bus.mu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.names[name] {
		return
	}
	delete(t.bus.services, name)
	delete(t.names, name)
	go t.bus.busObj.Emit(nameOwnerChanged.String(), name, t.id, "")
}

// Unregister unregisters the service from the bus completely. The service and
// all associated objects are unusable after this.
func (t *TestBusService) Unregister() {
	if !atomic.CompareAndSwapInt64(&t.destroyed, 0, 1) {
		panic("unregistering already unregistered service")
	}
	t.bus.mu.Lock()
	defer t.bus.mu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	for n := range t.names {
		delete(t.bus.services, n)
		go t.bus.busObj.Emit(nameOwnerChanged.String(), n, t.id, "")
	}
	t.id = ""
	t.names = nil
	t.objects = nil
}

// checkRegistered panics if the service has been unregistered.
func (t *TestBusService) checkRegistered() {
	if atomic.LoadInt64(&t.destroyed) == 1 {
		panic("trying to use object from unregistered service")
	}
}

// anyName returns a registered name, or an empty string if none are available.
func (t *TestBusService) anyName() string {
	for n := range t.names {
		return n
	}
	return ""
}

// Object returns a test object on the service at the given path. If non-empty,
// dest is used to override the destination interface for the object.
func (t *TestBusService) Object(path dbus.ObjectPath, dest string) *TestBusObject {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.objects[path]
	if !ok {
		if dest == "" {
			dest = t.anyName()
		}
		o = &testBusObject{
			svc: t, path: path,
			props: map[string]interface{}{},
			calls: map[string]func(...interface{}) ([]interface{}, error){},
		}
		t.objects[path] = o
	}
	if dest == "" {
		dest = t.anyName()
	}
	return &TestBusObject{o, dest, nil /* conn set by caller */}
}
