package driver

import (
	"fmt"
	"strings"

	"tz01-bridge/internal/capability"
)

// ConfigError reports that a reporting configuration request failed.
type ConfigError struct {
	Rules []ReportingRule
	Err   error
}

func (e *ConfigError) Error() string {
	keys := make([]string, len(e.Rules))
	for i, r := range e.Rules {
		keys[i] = r.Key.String()
	}
	return fmt.Sprintf("configure reporting [%s]: %v", strings.Join(keys, ", "), e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// SinkWriteError reports that a capability value could not be written.
type SinkWriteError struct {
	Capability capability.Name
	Err        error
}

func (e *SinkWriteError) Error() string {
	return fmt.Sprintf("set capability %s: %v", e.Capability, e.Err)
}

func (e *SinkWriteError) Unwrap() error { return e.Err }
