package qspi

import (
	"errors"
	"testing"
	"time"
)

type scriptTransport struct {
	cmds   []Command
	status []uint8
	reads  int

	failCommand error
	failReceive error
	last        *Command
}

func (t *scriptTransport) Reinit() error { return nil }

func (t *scriptTransport) Command(cmd *Command) error {
	if t.failCommand != nil {
		return t.failCommand
	}
	t.cmds = append(t.cmds, *cmd)
	t.last = cmd
	return nil
}

func (t *scriptTransport) Transmit(data []byte) error { return nil }

func (t *scriptTransport) Receive(data []byte) error {
	if t.failReceive != nil {
		return t.failReceive
	}
	if t.last == nil || t.last.Instruction != opcodeReadStatus1 {
		return nil
	}

	i := t.reads
	if i >= len(t.status) {
		i = len(t.status) - 1
	}
	data[0] = t.status[i]
	t.reads++
	return nil
}

func (t *scriptTransport) MemoryMapped(cmd *Command, cfg MemoryMappedConfig) error {
	return nil
}

func TestPollUntilReady(t *testing.T) {
	tr := &scriptTransport{status: []uint8{StatusBusy, StatusBusy, 0}}
	s := NewSequencer(tr)

	if err := s.PollUntil(Poll{Match: 0, Mask: StatusBusy}, time.Second); err != nil {
		t.Fatal("Poll failed:", err)
	}

	if tr.reads != 3 {
		t.Errorf("Expected 3 samples, got %d", tr.reads)
	}

	for _, m := range tr.cmds {
		if m.Instruction != opcodeReadStatus1 || m.DataLines != Lines1 || m.Length != 1 {
			t.Errorf("Unexpected poll command: %s", m.String())
		}
	}
}

func TestPollUntilTimeout(t *testing.T) {
	tr := &scriptTransport{status: []uint8{StatusBusy}}
	s := NewSequencer(tr)

	err := s.PollUntil(Poll{Match: 0, Mask: StatusBusy, Interval: time.Millisecond}, 5*time.Millisecond)
	if !errors.Is(err, ErrorTimeout) {
		t.Fatal("Expected timeout, got", err)
	}

	var te *TimeoutError
	if !errors.As(err, &te) || te.Samples < 1 || te.Status != StatusBusy {
		t.Error("Timeout error lacks detail:", err)
	}
}

func TestPollZeroTimeoutSamplesOnce(t *testing.T) {
	tr := &scriptTransport{status: []uint8{0}}
	s := NewSequencer(tr)

	if err := s.WaitReady(0); err != nil {
		t.Error("Ready chip reported:", err)
	}
	if tr.reads != 1 {
		t.Errorf("Expected a single sample, got %d", tr.reads)
	}
}

func TestWriteEnable(t *testing.T) {
	tr := &scriptTransport{status: []uint8{0, StatusWEL}}
	s := NewSequencer(tr)

	if err := s.WriteEnable(time.Second); err != nil {
		t.Fatal("Write enable failed:", err)
	}

	if len(tr.cmds) != 3 || tr.cmds[0].Instruction != opcodeWriteEnable {
		t.Errorf("Unexpected command sequence: %v", tr.cmds)
	}
	if tr.cmds[0].HasData() || tr.cmds[0].HasAddress() {
		t.Error("Write enable must not carry address or data")
	}
}

func TestBusFault(t *testing.T) {
	hw := errors.New("controller busy")
	tr := &scriptTransport{failCommand: hw}
	s := NewSequencer(tr)

	err := s.Simple(0x66)
	if !errors.Is(err, ErrorBusFault) {
		t.Error("Expected bus fault, got", err)
	}
	if !errors.Is(err, hw) {
		t.Error("Transport error not preserved:", err)
	}

	tr = &scriptTransport{failReceive: hw}
	s = NewSequencer(tr)
	if _, err := s.ReadStatus(); !errors.Is(err, ErrorBusFault) {
		t.Error("Expected bus fault on receive, got", err)
	}

	if err := s.PollUntil(Poll{Mask: StatusBusy}, time.Second); !errors.Is(err, ErrorBusFault) || errors.Is(err, ErrorTimeout) {
		t.Error("Poll must abort on bus fault, got", err)
	}
}
