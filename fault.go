package redfault

import (
	"fmt"
	"time"
)

// Fault type values accepted in Fault.FaultType.
const (
	FaultTypeDelay = "delay"
	FaultTypeError = "error"
	FaultTypeDrop  = "drop"
)

// Fault represents a fault configuration that can be applied to an incoming
// request. Three fault types are supported - `delay`, `error` and `drop`.
//
// Example `delay` fault (wire form):
//
//	{"name": "slow set", "fault_type": "delay", "duration": 20, "command": "SET"}
//
// Example `error` fault (wire form):
//
//	{"name": "set error", "fault_type": "error", "error_msg": "SET FAILED", "command": "SET"}
type Fault struct {
	// Name is the fault name that acts as the primary key in the store
	Name string `json:"name" yaml:"name"`

	// Description provides an optional human-friendly description of the fault
	Description *string `json:"description" yaml:"description"`

	// FaultType accepts one of `delay`, `error`, `drop` as the fault type value
	FaultType string `json:"fault_type" yaml:"fault_type"`

	// Duration is the length of the injected delay in milliseconds.
	// Required for `delay` faults.
	Duration *uint64 `json:"duration" yaml:"duration"`

	// ErrorMsg is the message written verbatim into a RESP error frame.
	// Required for `error` faults.
	ErrorMsg *string `json:"error_msg" yaml:"error_msg"`

	// Command is the Redis command the fault matches on, case-insensitive
	Command string `json:"command" yaml:"command"`

	// LastModified holds the timestamp at which the fault was created or
	// last replaced. Stamped by the control plane.
	LastModified *time.Time `json:"last_modified" yaml:"last_modified"`
}

// Validate checks the structural invariants of a fault record: a non-empty
// name and command, a known fault type, and the field the fault type
// requires (Duration for delay, ErrorMsg for error).
func (f Fault) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("fault name is required: %w", ErrInvalidConfiguration)
	}
	if f.Command == "" {
		return fmt.Errorf("fault %q: command is required: %w", f.Name, ErrInvalidConfiguration)
	}

	switch f.FaultType {
	case FaultTypeDelay:
		if f.Duration == nil {
			return fmt.Errorf("delay fault %q: duration is required: %w", f.Name, ErrInvalidConfiguration)
		}
	case FaultTypeError:
		if f.ErrorMsg == nil || *f.ErrorMsg == "" {
			return fmt.Errorf("error fault %q: error_msg is required: %w", f.Name, ErrInvalidConfiguration)
		}
	case FaultTypeDrop:
		// No extra fields.
	default:
		return fmt.Errorf("fault %q: %w: %s", f.Name, ErrUnsupportedFaultType, f.FaultType)
	}

	return nil
}
