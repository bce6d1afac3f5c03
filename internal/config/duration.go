package config

import (
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Runtime is RuntimeConfig with durations parsed and defaults applied.
type Runtime struct {
	TickEvery      time.Duration
	ActionInterval time.Duration
	ActionTimeout  time.Duration
	RetryDelay     time.Duration
	StopTimeout    time.Duration
	Location       *time.Location
}

const (
	DefaultTickEvery   = 10 * time.Millisecond
	DefaultStopTimeout = 10 * time.Second
	DefaultCallTimeout = 10 * time.Second
)

func (c RuntimeConfig) Resolve() (Runtime, error) {
	var (
		rt  Runtime
		err error
	)
	if rt.TickEvery, err = ParseDurationOrDefault("runtime.tick_every", c.TickEvery, DefaultTickEvery); err != nil {
		return Runtime{}, err
	}
	if rt.ActionInterval, err = ParseDurationField("runtime.action_interval", c.ActionInterval); err != nil {
		return Runtime{}, err
	}
	if rt.ActionTimeout, err = ParseDurationField("runtime.action_timeout", c.ActionTimeout); err != nil {
		return Runtime{}, err
	}
	if rt.RetryDelay, err = ParseDurationField("runtime.retry_delay", c.RetryDelay); err != nil {
		return Runtime{}, err
	}
	if rt.StopTimeout, err = ParseDurationOrDefault("runtime.stop_timeout", c.StopTimeout, DefaultStopTimeout); err != nil {
		return Runtime{}, err
	}
	rt.Location = time.Local
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		loc, lerr := time.LoadLocation(tz)
		if lerr != nil {
			return Runtime{}, fmt.Errorf("runtime.timezone: %w", lerr)
		}
		rt.Location = loc
	}
	return rt, nil
}
