package core

import "fmt"

// ConfigError reports an address, pin, or range that is invalid at
// construction time. It is fatal: the caller built the hardware map wrong
// and no retry can fix it.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "config: " + e.Msg }

func configErrorf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// CommandError reports a contract violation on a running system: an
// unknown vial or pump id, a negative volume or duration, a value outside
// its legal range. Fatal, never retried.
type CommandError struct {
	Msg string
}

func (e *CommandError) Error() string { return "command: " + e.Msg }

func commandErrorf(format string, args ...any) error {
	return &CommandError{Msg: fmt.Sprintf(format, args...)}
}

// ConversionTimeoutError reports that the ADC never raised its ready flag
// within the resolution-scaled deadline. It aborts the measurement in
// progress and, by propagation, the run.
type ConversionTimeoutError struct {
	Channel int
}

func (e *ConversionTimeoutError) Error() string {
	return fmt.Sprintf("adc: channel %d conversion timed out", e.Channel)
}
