package qspi

import (
	"errors"
	"fmt"
)

var (
	ErrorBusFault = errors.New("bus fault")
	ErrorTimeout  = errors.New("timeout")
)

// BusError reports a transport failure during one phase of a command.
type BusError struct {
	Phase       string
	Instruction uint8
	Err         error
}

func (e *BusError) Error() string {
	return fmt.Sprintf("%s %02x: %v: %v", e.Phase, e.Instruction, ErrorBusFault, e.Err)
}

func (e *BusError) Unwrap() error {
	return e.Err
}

func (e *BusError) Is(target error) bool {
	return target == ErrorBusFault
}

// TimeoutError is returned when a status poll does not match in time.
type TimeoutError struct {
	Poll    Poll
	Samples int
	Status  uint8
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("status %02x&%02x!=%02x after %d samples: %v",
		e.Status, e.Poll.Mask, e.Poll.Match, e.Samples, ErrorTimeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrorTimeout
}
