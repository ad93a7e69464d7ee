package sandbox

import "fmt"

// ConfigError reports an invalid or insecure sandbox configuration.
// Configuration is never auto-corrected beyond the documented defaults;
// anything else is refused.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("sandbox config: %s: %s", e.Field, e.Reason)
}

// PlatformError reports that the host cannot provide a required security
// property, e.g. an identity lookup or the non-root guarantee. It is
// always surfaced — never silently downgraded to an unsafe choice.
type PlatformError struct {
	Reason string
}

func (e *PlatformError) Error() string {
	return "sandbox platform: " + e.Reason
}

// RuntimeError reports a failed container-runtime invocation, carrying
// the captured subprocess output for diagnosis.
type RuntimeError struct {
	Op     string // e.g. "pull", "inspect"
	Image  string
	Output string
	Err    error
}

func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s %s %s: %v", runtimeBinary, e.Op, e.Image, e.Err)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *RuntimeError) Unwrap() error { return e.Err }
