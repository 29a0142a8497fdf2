package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a Dispatcher that has been closed.
	ErrClosed = errors.New("relay closed")

	// ErrInvalidConfig wraps every configuration validation failure.
	ErrInvalidConfig = errors.New("invalid relay config")
)

// DeliveryError reports a batch that was dropped after every delivery attempt
// failed.
type DeliveryError struct {
	Relay    string // Name of the relay that dropped the batch
	Size     int    // Number of messages in the batch
	Attempts int    // Deliverer calls made for the batch
	Err      error  // Error returned by the last attempt
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("relay %q: failed to deliver %d messages after %d attempts: %v",
		e.Relay, e.Size, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// FormatError reports a record that could not be rendered to a string.
type FormatError struct {
	Message string // Message of the offending record
	Err     error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("failed to format record %q: %v", e.Message, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// DeliveryErrors extracts every *DeliveryError carried by err, including the
// ones combined with errors.Join.
func DeliveryErrors(err error) []*DeliveryError {
	if err == nil {
		return nil
	}

	if de, ok := err.(*DeliveryError); ok {
		return []*DeliveryError{de}
	}

	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []*DeliveryError
		for _, e := range joined.Unwrap() {
			out = append(out, DeliveryErrors(e)...)
		}
		return out
	}

	var de *DeliveryError
	if errors.As(err, &de) {
		return []*DeliveryError{de}
	}
	return nil
}
