package engine

import (
	"sync"
	"time"
)

// circuitState tracks consecutive failures for one task key.
//
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= trip,
//     opens the circuit for an exponentially increasing cooldown.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

// maybeReset forgets failures older than resetAfter.
func (st *circuitState) maybeReset(now time.Time, resetAfter time.Duration) {
	if !st.lastFailure.IsZero() && resetAfter > 0 && now.Sub(st.lastFailure) > resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

// getLocked returns the state for key; mu must be held.
func (s *circuitStore) getLocked(key string) *circuitState {
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[key]
	if st == nil {
		st = &circuitState{}
		s.m[key] = st
	}
	return st
}

type circuitCfg struct {
	enabled    bool
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
}

func effectiveCircuitCfg(cfg Config, opt TaskOptions) circuitCfg {
	trip := cfg.CircuitTripFailures
	if trip < 0 || opt.CircuitTripFailures < 0 {
		return circuitCfg{}
	}
	if opt.CircuitTripFailures > 0 {
		trip = opt.CircuitTripFailures
	}
	if trip == 0 {
		trip = 5
	}
	return circuitCfg{
		enabled:    true,
		trip:       trip,
		baseDelay:  cfg.CircuitBaseDelay,
		maxDelay:   cfg.CircuitMaxDelay,
		resetAfter: cfg.CircuitResetAfter,
	}
}

func (s *Service) circuitIsOpen(now time.Time, key string, cfg Config, opt TaskOptions) (bool, time.Time) {
	cc := effectiveCircuitCfg(cfg, opt)
	if !cc.enabled || key == "" {
		return false, time.Time{}
	}

	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()

	st := s.circuits.getLocked(key)
	st.maybeReset(now, cc.resetAfter)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (s *Service) circuitRecordResult(now time.Time, key string, cfg Config, opt TaskOptions, err error) {
	cc := effectiveCircuitCfg(cfg, opt)
	if !cc.enabled || key == "" {
		return
	}

	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()

	st := s.circuits.getLocked(key)
	st.maybeReset(now, cc.resetAfter)

	if err == nil {
		*st = circuitState{}
		return
	}

	st.fails++
	st.lastFailure = now
	if st.fails < cc.trip {
		return
	}

	d := cc.baseDelay
	for i := 0; i < st.fails-cc.trip; i++ {
		d *= 2
		if d >= cc.maxDelay {
			break
		}
	}
	st.openUntil = now.Add(min(d, cc.maxDelay))
}

func (s *Service) circuitSnapshot(now time.Time, cfg Config) (total, open int) {
	if !effectiveCircuitCfg(cfg, TaskOptions{}).enabled {
		return 0, 0
	}

	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	total = len(s.circuits.m)
	for _, st := range s.circuits.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
