package player

import (
	"sort"
	"sync"
)

// ActivePlayerCallback is invoked with the new active player's name (or ""
// when no player remains) whenever the registry's arbiter selects a
// different player than it had before.
type ActivePlayerCallback func(name string)

// Registry tracks every known Player and arbitrates which one is
// "active" (the player whose events are forwarded as ON_PLAYER focus
// changes). It carries a list of excluded bus-name substrings; the
// exclusion itself is applied by the dbuswatch name-owner watcher that the
// bus monitor builds from that list, not by the registry.
type Registry struct {
	excluded []string
	onActive ActivePlayerCallback

	mu       sync.Mutex
	players  map[string]*Player
	activeID string
}

// NewRegistry constructs an empty registry. excluded lists substrings of
// bus names to ignore (e.g. "playerctld", which re-exports every other
// player's identity and would otherwise double-count it); the registry only
// stores the list for ExcludedSubstrings, and Add does not filter on it.
func NewRegistry(excluded []string, onActive ActivePlayerCallback) *Registry {
	if onActive == nil {
		onActive = func(string) {}
	}
	return &Registry{excluded: excluded, onActive: onActive, players: make(map[string]*Player)}
}

// ExcludedSubstrings returns the substrings configured to exclude bus
// names, for callers (such as the bus monitor) that need to pass the same
// list to a dbuswatch wildcard watcher.
func (r *Registry) ExcludedSubstrings() []string {
	return r.excluded
}

// SetActiveCallback replaces the callback invoked on active-player
// changeover. Exists so callers that must avoid a constructor-time
// dependency cycle (the socket server's initial-snapshot function needs the
// registry, so the registry cannot take the server as a constructor
// argument) can wire the two together after both are built.
func (r *Registry) SetActiveCallback(cb ActivePlayerCallback) {
	if cb == nil {
		cb = func(string) {}
	}
	r.mu.Lock()
	r.onActive = cb
	r.mu.Unlock()
}

// Add registers a new Player under the registry and re-evaluates the
// active-player arbiter.
func (r *Registry) Add(p *Player) {
	r.mu.Lock()
	r.players[p.Name] = p
	r.mu.Unlock()
	r.reevaluate()
}

// Remove drops a player (e.g. on NameOwnerChanged departure) and
// re-evaluates the arbiter.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.players, name)
	r.mu.Unlock()
	r.reevaluate()
}

// Get returns the named player, if registered.
func (r *Registry) Get(name string) (*Player, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[name]
	return p, ok
}

// All returns a snapshot slice of every registered player.
func (r *Registry) All() []*Player {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Player, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, p)
	}
	return out
}

// Active returns the currently active player, if any.
func (r *Registry) Active() (*Player, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[r.activeID]
	return p, ok
}

// Reevaluate re-runs the active-player arbiter. It is exported (via the
// lowercase-wrapping reevaluate call sites) so callers can force a
// recomputation after a status change without re-registering the player.
func (r *Registry) Reevaluate() {
	r.reevaluate()
}

// reevaluate sorts registered players by (Playing, LastActive) descending
// and promotes the first as active, notifying onActive only when the
// winner's identity actually changes.
func (r *Registry) reevaluate() {
	r.mu.Lock()
	candidates := make([]*Player, 0, len(r.players))
	for _, p := range r.players {
		candidates = append(candidates, p)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := candidates[i], candidates[j]
		playingI := pi.Status() == Playing
		playingJ := pj.Status() == Playing
		if playingI != playingJ {
			return playingI
		}
		return pi.LastActive().After(pj.LastActive())
	})

	var newActive string
	if len(candidates) > 0 {
		newActive = candidates[0].Name
	}
	changed := newActive != r.activeID
	r.activeID = newActive
	r.mu.Unlock()

	if changed {
		r.onActive(newActive)
	}
}
