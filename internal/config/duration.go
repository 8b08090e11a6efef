package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations in the config are Go duration strings ("500ms", "1m30s").
// path names the field in error messages, e.g. "scheduler.tick".
//
// Three readings are used across the sections:
//
//	ParseDurationField      ""  -> 0,   "0s" -> 0
//	ParseDurationOrDefault  ""  -> def, "0s" -> def
//	ParseDurationKeepZero   ""  -> def, "0s" -> 0   (TTLs where 0 has a meaning)
//
// Negative values are rejected by all of them.

func ParseDurationField(path, raw string) (time.Duration, error) {
	d, _, err := parseDuration(path, raw)
	return d, err
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, _, err := parseDuration(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// ParseDurationKeepZero falls back to def only when raw is omitted.
func ParseDurationKeepZero(path, raw string, def time.Duration) (time.Duration, error) {
	d, set, err := parseDuration(path, raw)
	if err != nil {
		return 0, err
	}
	if !set {
		return def, nil
	}
	return d, nil
}

func parseDuration(path, raw string) (d time.Duration, set bool, err error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false, nil
	}
	d, err = time.ParseDuration(s)
	if err != nil {
		return 0, true, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, true, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, true, nil
}
