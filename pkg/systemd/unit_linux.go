//go:build linux

package systemd

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

// NewUnitProbe watches unit on the system bus. The connection is opened
// lazily on the first Status call and reopened after a failure.
func NewUnitProbe(unit string, ttl time.Duration) *UnitProbe {
	if ttl <= 0 {
		ttl = defaultProbeTTL
	}
	c := &busConn{}
	return &UnitProbe{
		unit:  NormalizeUnit(unit),
		ttl:   ttl,
		fetch: c.status,
		close: c.close,
		now:   time.Now,
	}
}

type busConn struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

func (b *busConn) get(ctx context.Context) (*dbus.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil && b.conn.Connected() {
		return b.conn, nil
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	b.conn = conn
	return conn, nil
}

func (b *busConn) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	return nil
}

func (b *busConn) status(ctx context.Context, unit string) (UnitStatus, error) {
	conn, err := b.get(ctx)
	if err != nil {
		return UnitStatus{}, err
	}

	units, err := conn.ListUnitsByPatternsContext(ctx, nil, []string{unit})
	if err == nil {
		for _, u := range units {
			if u.Name != unit {
				continue
			}
			st := UnitStatus{
				Name:        unit,
				Active:      u.ActiveState,
				SubState:    u.SubState,
				LoadState:   u.LoadState,
				Description: u.Description,
			}
			if !st.Up() {
				if props, perr := conn.GetUnitPropertiesContext(ctx, unit); perr == nil {
					st.StateChange = parseTimestamp(props, "StateChangeTimestamp")
				}
			}
			return st, nil
		}
	}

	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if isNoSuchUnitErr(err) {
			return notFound(unit), nil
		}
		return UnitStatus{}, fmt.Errorf("status of %s: %w", unit, err)
	}
	load, _ := props["LoadState"].(string)
	if load == "not-found" {
		return notFound(unit), nil
	}
	active, _ := props["ActiveState"].(string)
	sub, _ := props["SubState"].(string)
	desc, _ := props["Description"].(string)
	return UnitStatus{
		Name:        unit,
		Active:      active,
		SubState:    sub,
		LoadState:   load,
		Description: desc,
		StateChange: parseTimestamp(props, "StateChangeTimestamp"),
	}, nil
}

func notFound(unit string) UnitStatus {
	return UnitStatus{Name: unit, Active: "unknown", SubState: "not-found", LoadState: "not-found"}
}

// systemd timestamps are microseconds since the Unix epoch.
func parseTimestamp(props map[string]any, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}

func isNoSuchUnitErr(err error) bool {
	es := err.Error()
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}
