package config

import (
	"reflect"
	"strings"
	"time"
)

// ConfigDiff is the outcome of comparing two configs. The New* fields are
// the settings a running process picks up in place; Restart names the
// sections whose changes only take effect after a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	DiscardThresholdChanged bool
	NewDiscardThreshold     int

	MemoryPolicyChanged bool
	NewMemoryPolicy     MemoryConfig

	UrgencyTimeoutChanged bool
	NewUrgencyTimeout     time.Duration

	// Restart holds yaml section names such as "store", in file order.
	Restart []string
}

// Any reports whether a hot-reloadable setting changed.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.DiscardThresholdChanged || d.MemoryPolicyChanged || d.UrgencyTimeoutChanged
}

func Diff(prev, next *Config) ConfigDiff {
	var d ConfigDiff
	if prev.Server.LogLevel != next.Server.LogLevel {
		d.LogLevelChanged, d.NewLogLevel = true, next.Server.LogLevel
	}
	if prev.Discard.WordThreshold != next.Discard.WordThreshold {
		d.DiscardThresholdChanged, d.NewDiscardThreshold = true, next.Discard.WordThreshold
	}
	if prev.Memory != next.Memory {
		d.MemoryPolicyChanged, d.NewMemoryPolicy = true, next.Memory
	}
	if prev.Urgency.ScanTimeout != next.Urgency.ScanTimeout {
		d.UrgencyTimeoutChanged, d.NewUrgencyTimeout = true, next.Urgency.ScanTimeout
	}
	d.Restart = restartSections(prev, next)
	return d
}

// restartSections compares the configs section by section with the
// hot-reloadable fields blanked out.
func restartSections(prev, next *Config) []string {
	a, b := reflect.ValueOf(coldCopy(prev)), reflect.ValueOf(coldCopy(next))
	t := a.Type()
	var out []string
	for i := range t.NumField() {
		if reflect.DeepEqual(a.Field(i).Interface(), b.Field(i).Interface()) {
			continue
		}
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		out = append(out, name)
	}
	return out
}

func coldCopy(c *Config) Config {
	cp := *c
	cp.Server.LogLevel = ""
	cp.Discard.WordThreshold = 0
	cp.Memory = MemoryConfig{}
	cp.Urgency.ScanTimeout = 0
	return cp
}
