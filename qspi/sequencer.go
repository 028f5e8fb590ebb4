package qspi

import (
	"time"
)

const (
	opcodeWriteEnable = 0x06
	opcodeReadStatus1 = 0x05
)

// Status register 1 bits.
const (
	StatusBusy = 0x01
	StatusWEL  = 0x02
)

// DefaultPollInterval approximates the 16 clock auto-polling interval of
// the controller.
const DefaultPollInterval = time.Microsecond

// Sequencer issues commands through a Transport and waits for the chip.
type Sequencer struct {
	t Transport

	PollInterval time.Duration
}

func NewSequencer(t Transport) *Sequencer {
	return &Sequencer{
		t:            t,
		PollInterval: DefaultPollInterval,
	}
}

func (s *Sequencer) Reinit() error {
	if err := s.t.Reinit(); err != nil {
		return &BusError{Phase: "reinit", Err: err}
	}
	return nil
}

func (s *Sequencer) Issue(cmd *Command) error {
	if err := s.t.Command(cmd); err != nil {
		return &BusError{Phase: "command", Instruction: cmd.Instruction, Err: err}
	}
	return nil
}

func (s *Sequencer) TransferOut(cmd *Command, data []byte) error {
	if err := s.t.Transmit(data); err != nil {
		return &BusError{Phase: "transmit", Instruction: cmd.Instruction, Err: err}
	}
	return nil
}

func (s *Sequencer) TransferIn(cmd *Command, buf []byte) error {
	if err := s.t.Receive(buf); err != nil {
		return &BusError{Phase: "receive", Instruction: cmd.Instruction, Err: err}
	}
	return nil
}

func (s *Sequencer) MemoryMapped(cmd *Command, cfg MemoryMappedConfig) error {
	if err := s.t.MemoryMapped(cmd, cfg); err != nil {
		return &BusError{Phase: "memory-mapped", Instruction: cmd.Instruction, Err: err}
	}
	return nil
}

// Simple issues an instruction without address or data.
func (s *Sequencer) Simple(instruction uint8) error {
	return s.Issue(&Command{
		Instruction:      instruction,
		InstructionLines: Lines1,
	})
}

func (s *Sequencer) ReadStatus() (uint8, error) {
	cmd := &Command{
		Instruction:      opcodeReadStatus1,
		InstructionLines: Lines1,
		DataLines:        Lines1,
		Length:           1,
	}

	var result [1]byte
	if err := s.Issue(cmd); err != nil {
		return 0, err
	}
	if err := s.TransferIn(cmd, result[:]); err != nil {
		return 0, err
	}
	return result[0], nil
}

// PollUntil samples status register 1 until p matches. The status is
// always sampled at least once, even with a zero timeout.
func (s *Sequencer) PollUntil(p Poll, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	samples := 0

	for {
		status, err := s.ReadStatus()
		if err != nil {
			return err
		}
		samples++

		if p.Matches(status) {
			return nil
		}

		if !time.Now().Before(deadline) {
			return &TimeoutError{Poll: p, Samples: samples, Status: status}
		}

		if p.Interval > 0 {
			time.Sleep(p.Interval)
		}
	}
}

// WaitReady waits for the busy bit to clear.
func (s *Sequencer) WaitReady(timeout time.Duration) error {
	return s.PollUntil(Poll{Match: 0, Mask: StatusBusy, Interval: s.PollInterval}, timeout)
}

// WriteEnable sets the write enable latch. The chip clears the latch after
// every erase or program instruction, so it is needed before each one.
func (s *Sequencer) WriteEnable(timeout time.Duration) error {
	if err := s.Simple(opcodeWriteEnable); err != nil {
		return err
	}

	return s.PollUntil(Poll{Match: StatusWEL, Mask: StatusWEL, Interval: s.PollInterval}, timeout)
}
