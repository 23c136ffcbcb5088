// Package player models a single MPRIS peer: playback status, position
// accounting across play/pause/seek transitions, and the metadata
// normalization pipeline that runs on every track change. It is grounded on
// the teacher's modules/media mprisPlayer type, generalized from "one
// hard-coded status line module" to "one registry entry feeding four
// independent subscriber callbacks".
package player

import (
	"sync"
	"time"

	"github.com/rkallin/mprisbridge/internal/metadata"
	"github.com/rkallin/mprisbridge/internal/rules"

	"go.uber.org/zap"
)

// Status is the playback state exposed by MPRIS's PlaybackStatus property.
type Status string

const (
	Playing Status = "Playing"
	Paused  Status = "Paused"
	Stopped Status = "Stopped"
)

// Callback is invoked with the metadata (including tracking:* fields) that
// should accompany a given event.
type Callback func(metadata.Dict)

// Clock abstracts time.Now so tests can control the passage of time instead
// of racing a real clock, the same way the teacher's scheduler package
// separates "what time is it" from "what should happen at that time".
type Clock func() time.Time

// Proxy is the subset of bus operations a Player needs to read
// authoritative state. It is satisfied by a thin wrapper around a
// *dbus.Object in production and by a fake in tests.
type Proxy interface {
	PositionMicros() (int64, error)
	Metadata() (metadata.Dict, error)
	PlaybackStatus() (Status, error)
}

// Player holds the state for one registered MPRIS peer.
type Player struct {
	Name string

	clock  Clock
	proxy  Proxy
	engine *rules.Engine
	logger *zap.Logger

	onEvent    Callback
	onSeek     Callback
	onMetadata Callback
	onStatus   Callback

	mu sync.Mutex

	status       Status
	active       bool
	lastActive   time.Time
	mediaStart   time.Time
	existingTime float64 // seconds

	metadata        metadata.Dict
	lastRawMetadata metadata.Dict
}

// Callbacks groups the four subscription points a Player notifies. Kept as
// four independent fields (rather than a single (EventClass, Dict) sink) so
// Player stays decoupled from the socket package's event-class enum: it
// only needs to know it has four notification points, not who consumes
// them.
type Callbacks struct {
	OnEvent    Callback
	OnSeek     Callback
	OnMetadata Callback
	OnStatus   Callback
}

// New constructs a Player in the initial Stopped state.
func New(name string, proxy Proxy, engine *rules.Engine, logger *zap.Logger, clock Clock, cb Callbacks) *Player {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	noop := func(metadata.Dict) {}
	if cb.OnEvent == nil {
		cb.OnEvent = noop
	}
	if cb.OnSeek == nil {
		cb.OnSeek = noop
	}
	if cb.OnMetadata == nil {
		cb.OnMetadata = noop
	}
	if cb.OnStatus == nil {
		cb.OnStatus = noop
	}
	return &Player{
		Name:     name,
		clock:    clock,
		proxy:    proxy,
		engine:   engine,
		logger:   logger.With(zap.String("player", name)),
		status:   Stopped,
		metadata: metadata.Dict{},
		onEvent:  cb.OnEvent, onSeek: cb.OnSeek, onMetadata: cb.OnMetadata, onStatus: cb.OnStatus,
	}
}

// Status returns the player's current playback status.
func (p *Player) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Active reports whether the player is currently Playing.
func (p *Player) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// LastActive returns the timestamp of the most recent transition away from
// Playing, used by the registry's active-player sort.
func (p *Player) LastActive() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActive
}

// Metadata returns the last normalized metadata, merged with tracking fields
// computed as of now.
func (p *Player) Metadata() metadata.Dict {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trackedMetadataLocked()
}

func (p *Player) trackedMetadataLocked() metadata.Dict {
	return metadata.WithTracking(p.metadata, string(p.status), epoch(p.mediaStart), p.existingTime)
}

func epoch(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

// Position returns the current derived playback position in seconds.
func (p *Player) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

func (p *Player) positionLocked() float64 {
	if p.status == Playing {
		return p.clock().Sub(p.mediaStart).Seconds() + p.existingTime
	}
	return p.existingTime
}

// OnUpdate handles a PropertiesChanged signal: changed holds unwrapped
// property values (Metadata as a metadata.Dict). Only PlaybackStatus and
// Metadata are consumed; any other key is ignored.
func (p *Player) OnUpdate(changed metadata.Dict) {
	if raw, ok := changed["PlaybackStatus"]; ok {
		if s, ok := raw.(string); ok {
			p.UpdateStatus(Status(s))
		}
	}
	if raw, ok := changed["Metadata"]; ok {
		if d, ok := raw.(metadata.Dict); ok {
			p.SetMetadata(d)
			p.OnSeek(1)
		}
	}
}

// OnSeek re-anchors position accounting from an authoritative read of the
// player's current position, ignoring the signal's own position argument
// (which has been observed to lag the player's real state).
func (p *Player) OnSeek(_ int64) {
	posUs, err := p.proxy.PositionMicros()
	if err != nil {
		p.logger.Warn("failed to read position on seek", zap.Error(err))
		return
	}
	p.mu.Lock()
	p.existingTime = metadata.MicrosToSeconds(posUs)
	p.mediaStart = p.clock()
	out := p.trackedMetadataLocked()
	p.mu.Unlock()

	p.onSeek(out)
	p.onEvent(out)
}

// UpdateStatus applies a playback-status transition. Each target status is
// idempotent: re-observing the current status is a no-op.
func (p *Player) UpdateStatus(status Status) {
	p.mu.Lock()
	now := p.clock()
	switch status {
	case Playing:
		if p.status == Playing {
			p.mu.Unlock()
			return
		}
		p.status = Playing
		p.mediaStart = now
		p.active = true
	case Paused:
		if p.status == Paused {
			p.mu.Unlock()
			return
		}
		if p.status == Playing {
			p.existingTime += now.Sub(p.mediaStart).Seconds()
		}
		p.mediaStart = now
		p.status = Paused
		p.active = false
		p.lastActive = now
	case Stopped:
		p.status = Stopped
		p.active = false
		p.existingTime = 0
		p.metadata = metadata.Dict{}
		p.lastActive = now
	default:
		p.mu.Unlock()
		return
	}
	out := p.trackedMetadataLocked()
	p.mu.Unlock()

	p.onStatus(out)
	p.onEvent(out)
}

// SetMetadata normalizes and caches a newly received raw metadata
// dictionary, suppressing redundant transformation-engine runs when only
// mpris:length changed on an otherwise-identical track.
func (p *Player) SetMetadata(raw metadata.Dict) {
	p.mu.Lock()
	defer p.mu.Unlock()

	normalizedRaw := normalizeLength(raw)

	if p.lastRawMetadata != nil && metadata.SameFingerprint(
		metadata.Fingerprint(normalizedRaw), metadata.Fingerprint(p.lastRawMetadata)) {
		p.lastRawMetadata = normalizedRaw
		length, ok := normalizedRaw[metadata.KeyLength]
		if !ok || length == p.metadata[metadata.KeyLength] {
			return
		}
		p.metadata = p.metadata.Merge(metadata.Dict{metadata.KeyLength: length})
		out := p.trackedMetadataLocked()
		p.mu.Unlock()
		p.onMetadata(out)
		p.onEvent(out)
		p.mu.Lock()
		return
	}

	p.lastRawMetadata = normalizedRaw
	transformed, err := p.engine.Apply(normalizedRaw)
	if err != nil {
		p.logger.Error("transformation engine failed, retaining previous metadata", zap.Error(err))
		return
	}
	p.metadata = transformed
	out := p.trackedMetadataLocked()
	p.mu.Unlock()
	p.onMetadata(out)
	p.onEvent(out)
	p.mu.Lock()
}

// normalizeLength converts mpris:length from microseconds to seconds if
// present as an integer-like value, leaving it untouched if already a
// float (some players resend already-converted values).
func normalizeLength(raw metadata.Dict) metadata.Dict {
	v, ok := raw[metadata.KeyLength]
	if !ok {
		return raw
	}
	out := raw.Clone()
	switch t := v.(type) {
	case int64:
		out[metadata.KeyLength] = metadata.MicrosToSeconds(t)
	case int:
		out[metadata.KeyLength] = metadata.MicrosToSeconds(int64(t))
	}
	return out
}

// ForceUpdate pulls current metadata and playback status via proxy method
// calls and synthesizes the update/seek sequence that would otherwise arrive
// via signals, used when a player is discovered already in progress.
func (p *Player) ForceUpdate() {
	status, err := p.proxy.PlaybackStatus()
	if err != nil {
		p.logger.Warn("failed to read playback status on force update", zap.Error(err))
		return
	}
	md, err := p.proxy.Metadata()
	if err != nil {
		p.logger.Warn("failed to read metadata on force update", zap.Error(err))
		return
	}
	p.OnUpdate(metadata.Dict{"PlaybackStatus": string(status), "Metadata": md})
	p.OnSeek(1)
}
