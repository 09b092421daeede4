package redfault

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Outcome tells the connection handler what to do with the session after a
// fault has been executed.
type Outcome int

const (
	// Fallthrough continues to upstream forwarding using the original
	// request bytes.
	Fallthrough Outcome = iota

	// Exit tears the session down now; upstream is never contacted.
	Exit
)

// ClientConn is the slice of the client connection the Faulter needs: the
// write half, closeable independently of the read half. *net.TCPConn
// satisfies it.
type ClientConn interface {
	io.Writer
	CloseWrite() error
}

// Faulter decides and executes at most one fault per client session. It is
// the only consumer of the store on the data plane and holds the store's
// read lock only for the duration of the command lookup - never across
// network I/O or timer waits.
type Faulter struct {
	store  FaultStore
	logger Logger
}

// NewFaulter creates a Faulter backed by the given store
func NewFaulter(store FaultStore, logger Logger) *Faulter {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &Faulter{
		store:  store,
		logger: logger,
	}
}

// Check decodes the first client request and looks up a fault matching its
// command verb. It returns nil when no fault is configured for the command.
// Decode and command-extraction failures propagate to the caller, which
// treats them as terminal for the session.
func (f *Faulter) Check(request []byte) (*Fault, error) {
	value, err := DecodeValue(request)
	if err != nil {
		return nil, err
	}

	cmd, err := value.Command()
	if err != nil {
		return nil, err
	}

	fault, ok := f.store.GetByCommand(cmd)
	if !ok {
		return nil, nil
	}

	f.logger.Debug("Command matched a configured fault", map[string]interface{}{
		"command":    cmd,
		"fault_name": fault.Name,
		"fault_type": fault.FaultType,
	})

	return &fault, nil
}

// Execute applies fault to the session. A nil fault falls through
// immediately. Delay faults suspend on a timer (cancellable through ctx)
// and then fall through; error and drop faults terminate the client write
// half and exit without contacting upstream.
func (f *Faulter) Execute(ctx context.Context, fault *Fault, client ClientConn) (Outcome, error) {
	if fault == nil {
		return Fallthrough, nil
	}

	if registry := GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter("proxy.faults.applied", "fault_type", fault.FaultType)
	}

	switch fault.FaultType {
	case FaultTypeDelay:
		if fault.Duration == nil {
			return Exit, fmt.Errorf("delay fault %q has no duration: %w", fault.Name, ErrInvalidConfiguration)
		}
		delay := time.Duration(*fault.Duration) * time.Millisecond

		f.logger.Debug("Applying delay fault", map[string]interface{}{
			"fault_name": fault.Name,
			"delay_ms":   *fault.Duration,
		})

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return Exit, ctx.Err()
		}
		return Fallthrough, nil

	case FaultTypeError:
		if fault.ErrorMsg == nil {
			return Exit, fmt.Errorf("error fault %q has no error_msg: %w", fault.Name, ErrInvalidConfiguration)
		}

		f.logger.Debug("Applying error fault", map[string]interface{}{
			"fault_name": fault.Name,
			"error_msg":  *fault.ErrorMsg,
		})

		if _, err := client.Write(EncodeError(*fault.ErrorMsg)); err != nil {
			return Exit, fmt.Errorf("writing error fault reply: %w", err)
		}
		if err := client.CloseWrite(); err != nil {
			return Exit, fmt.Errorf("closing client write half: %w", err)
		}
		return Exit, nil

	case FaultTypeDrop:
		f.logger.Debug("Applying drop fault", map[string]interface{}{
			"fault_name": fault.Name,
		})

		if err := client.CloseWrite(); err != nil {
			return Exit, fmt.Errorf("closing client write half: %w", err)
		}
		return Exit, nil

	default:
		return Exit, fmt.Errorf("fault %q: %w: %s", fault.Name, ErrUnsupportedFaultType, fault.FaultType)
	}
}
