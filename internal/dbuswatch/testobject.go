package dbuswatch

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// testBusObject represents an object on the test bus.
type testBusObject struct {
	mu sync.Mutex

	svc   *TestBusService
	path  dbus.ObjectPath
	props map[string]interface{}
	calls map[string]func(...interface{}) ([]interface{}, error)
}

// TestBusObject represents a connection to an object on the test bus.
type TestBusObject struct {
	*testBusObject
	dest string
	conn *testBusConnection
}

// Call calls a method and waits for its reply.
func (t *TestBusObject) Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	t.check()
	method = expand(t.dest, method)
	call := &dbus.Call{
		Destination: t.dest,
		Path:        t.path,
		Method:      method,
		Args:        args,
		Done:        make(chan *dbus.Call, 1),
	}
	call.Done <- call
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.calls[method]
	if !ok {
		call.Err = errors.New("no such method: " + method)
	} else {
		call.Body, call.Err = h(args...)
	}
	return call
}

// CallWithContext acts like Call but takes a context.
func (t *TestBusObject) CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	return t.Call(method, flags, args...)
}

// Go calls a method with the given arguments asynchronously.
func (t *TestBusObject) Go(method string, flags dbus.Flags, ch chan *dbus.Call, args ...interface{}) *dbus.Call {
	go func() {
		time.Sleep(5 * time.Millisecond)
		ch <- t.Call(method, flags, args...)
	}()
	return nil
}

// GoWithContext acts like Go but takes a context.
func (t *TestBusObject) GoWithContext(ctx context.Context, method string, flags dbus.Flags, ch chan *dbus.Call, args ...interface{}) *dbus.Call {
	return t.Go(method, flags, ch, args...)
}

// matchCallResult creates a dbus.Call result for Add/RemoveMatch.
func matchCallResult(method string, err error) *dbus.Call {
	c := &dbus.Call{
		Destination: busIface,
		Path:        busPath,
		Method:      expand(busIface, method),
		Args:        []interface{}{"should not matter"},
		Done:        make(chan *dbus.Call, 1),
		Err:         err,
	}
	c.Done <- c
	return c
}

// AddMatchSignal subscribes BusObject to signals from the specified
// interface and method with the given filters.
func (t *TestBusObject) AddMatchSignal(iface, member string, options ...dbus.MatchOption) *dbus.Call {
	name := iface + "." + member
	t.check()
	optMap := dbusMatchOptionMap(options)
	for k := range optMap {
		if k == "path" || k == "path_namespace" || k == "sender" {
			continue
		}
		if strings.HasPrefix(k, "arg") {
			continue
		}
		return matchCallResult("AddMatch", errors.New("unsupported match type: "+k))
	}
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.conn.matches[name] = append(t.conn.matches[name], optMap)
	return matchCallResult("AddMatch", nil)
}

// RemoveMatchSignal unsubscribes BusObject from signals from the specified
// interface and method with the given filters.
func (t *TestBusObject) RemoveMatchSignal(iface, member string, options ...dbus.MatchOption) *dbus.Call {
	name := iface + "." + member
	t.check()
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	ms := t.conn.matches[name]
	optMap := dbusMatchOptionMap(options)
	for i, m := range ms {
		if reflect.DeepEqual(m, optMap) {
			t.conn.matches[name] = append(ms[:i], ms[i+1:]...)
			return matchCallResult("RemoveMatch", nil)
		}
	}
	return matchCallResult("RemoveMatch", errors.New("match not found"))
}

// GetProperty returns the value of a named property.
func (t *TestBusObject) GetProperty(p string) (dbus.Variant, error) {
	t.check()
	t.mu.Lock()
	defer t.mu.Unlock()
	if val, ok := t.props[p]; ok {
		return dbus.MakeVariant(val), nil
	}
	return dbus.Variant{}, errors.New("no such property: " + p)
}

// StoreProperty stores the value of a named property into a given pointer.
func (t *TestBusObject) StoreProperty(p string, dest interface{}) error {
	val, err := t.GetProperty(p)
	if err == nil {
		err = dbus.Store([]interface{}{val}, dest)
	}
	return err
}

// Destination returns the destination that calls are sent to.
func (t *TestBusObject) Destination() string {
	t.check()
	return t.dest
}

// Path returns the path that calls are sent to.
func (t *TestBusObject) Path() dbus.ObjectPath {
	t.check()
	return t.path
}

// SignalType controls the type of signal sent on a properties change.
type SignalType byte

const (
	// SignalTypeNone does not emit any signal on properties change.
	SignalTypeNone SignalType = iota
	// SignalTypeChanged emits a PropertiesChanged signal with values for each
	// modified property in changed_properties.
	SignalTypeChanged
)

// SetProperty sets a property of the test object.
func (t *TestBusObject) SetProperty(prop string, value interface{}) error {
	t.SetPropertyForTest(prop, value, SignalTypeChanged)
	return nil
}

// SetPropertyForTest sets a property of the test object. The signal type
// controls whether a PropertiesChanged signal is automatically emitted, and
// what form the emitted signal takes.
func (t *TestBusObject) SetPropertyForTest(prop string, value interface{}, signalType SignalType) {
	t.SetProperties(map[string]interface{}{prop: value}, signalType)
}

// SetProperties sets multiple properties of the test object. The signal type
// controls whether a PropertiesChanged signal is automatically emitted, and
// what form the emitted signal takes.
func (t *TestBusObject) SetProperties(props map[string]interface{}, signalType SignalType) {
	t.check()
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range props {
		t.props[expand(t.dest, k)] = v
	}
	if signalType == SignalTypeNone {
		return
	}
	chg := map[string]dbus.Variant{}
	for k, v := range props {
		chg[expand(t.dest, k)] = dbus.MakeVariant(v)
	}
	go t.Emit(propsChanged.String(), t.dest, chg, []string{})
}

// On sets up a function to be called when the given named method is invoked,
// and returns the result of the function to the method caller.
func (t *TestBusObject) On(method string, do func(...interface{}) ([]interface{}, error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls[expand(t.dest, method)] = do
}

// Emit emits a signal on the test bus, dispatching it to relevant listeners.
func (t *TestBusObject) Emit(name string, args ...interface{}) {
	name = expand(t.dest, name)
	t.svc.bus.emit(name, t.svc.id, t.path, args...)
}

// check panics if the service is unregistered or the connection is closed.
func (t *TestBusObject) check() {
	t.svc.checkRegistered()
	if t.conn != nil {
		// conn can be nil if the object is not associated with a connection,
		// e.g. obtained directly from a TestBusService.
		t.conn.checkOpen()
	}
}
