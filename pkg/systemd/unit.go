package systemd

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var ErrUnsupported = errors.New("systemd: unsupported OS (linux only)")

const defaultProbeTTL = 10 * time.Second

// UnitStatus is the state of one unit as reported by systemd.
type UnitStatus struct {
	Name        string    `json:"name"`
	Active      string    `json:"active"`
	SubState    string    `json:"sub_state"`
	LoadState   string    `json:"load_state"`
	Description string    `json:"description,omitempty"`
	StateChange time.Time `json:"state_change,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Up reports whether the unit is active.
func (s UnitStatus) Up() bool { return s.Active == "active" }

type fetchFunc func(ctx context.Context, unit string) (UnitStatus, error)

// UnitProbe reads a unit's state and memoizes it for a short TTL, so
// frequent /health hits do not each cost a D-Bus round trip.
type UnitProbe struct {
	unit  string
	ttl   time.Duration
	fetch fetchFunc
	close func() error
	now   func() time.Time

	mu      sync.Mutex
	last    UnitStatus
	expires time.Time
}

// Unit returns the probed unit name with the .service suffix applied.
func (p *UnitProbe) Unit() string { return p.unit }

// NormalizeUnit appends ".service" to bare names.
func NormalizeUnit(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}

// Status returns the cached state, refreshing it once the TTL has passed.
// Lookup failures are returned inside the status so callers can render them.
func (p *UnitProbe) Status(ctx context.Context) UnitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if now.Before(p.expires) {
		return p.last
	}
	st, err := p.fetch(ctx, p.unit)
	if err != nil {
		st = UnitStatus{Name: p.unit, Active: "unknown", Error: err.Error()}
	}
	p.last = st
	p.expires = now.Add(p.ttl)
	return st
}

func (p *UnitProbe) Close() error {
	if p.close == nil {
		return nil
	}
	return p.close()
}
