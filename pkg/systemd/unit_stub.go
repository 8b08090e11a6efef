//go:build !linux

package systemd

import (
	"context"
	"time"
)

func NewUnitProbe(unit string, ttl time.Duration) *UnitProbe {
	if ttl <= 0 {
		ttl = defaultProbeTTL
	}
	return &UnitProbe{
		unit: NormalizeUnit(unit),
		ttl:  ttl,
		fetch: func(context.Context, string) (UnitStatus, error) {
			return UnitStatus{}, ErrUnsupported
		},
		now: time.Now,
	}
}
