package qspi

import (
	"errors"
	"fmt"
)

var (
	ErrorMapped      = errors.New("bus is memory-mapped")
	ErrorNotMapped   = errors.New("bus is not memory-mapped")
	ErrorUnsupported = errors.New("command not supported by bus")
)

// SPIFunc sends out and then receives len(in) bytes on inLines data lines
// while chip select stays asserted.
type SPIFunc func(out []byte, in []byte, inLines Lines) error

// SPIBus runs commands over a plain SPI master. Instruction, address and
// transmitted data use a single line; received data may use up to maxLines.
// Memory-mapped mode is emulated through ReadAt.
type SPIBus struct {
	spi      SPIFunc
	reinit   func() error
	maxLines Lines

	header  []byte
	pending *Command
	mapped  *Command
}

func NewSPIBus(spi SPIFunc, reinit func() error, maxLines Lines) *SPIBus {
	return &SPIBus{
		spi:      spi,
		reinit:   reinit,
		maxLines: maxLines,
	}
}

// Header encodes the instruction, address and dummy phases of a single
// line command. Dummy cycles must be a multiple of 8.
func (c *Command) Header() ([]byte, error) {
	if c.InstructionLines != Lines1 {
		return nil, fmt.Errorf("%w: instruction on %d lines", ErrorUnsupported, c.InstructionLines)
	}
	if c.DummyCycles%8 != 0 {
		return nil, fmt.Errorf("%w: %d dummy cycles", ErrorUnsupported, c.DummyCycles)
	}

	out := []byte{c.Instruction}
	if c.HasAddress() {
		if c.AddressLines != Lines1 {
			return nil, fmt.Errorf("%w: address on %d lines", ErrorUnsupported, c.AddressLines)
		}
		for i := c.AddressSize.Bytes() - 1; i >= 0; i-- {
			out = append(out, byte(c.Address>>(8*i)))
		}
	}
	for i := 0; i < int(c.DummyCycles)/8; i++ {
		out = append(out, 0xff)
	}
	return out, nil
}

func (b *SPIBus) Reinit() error {
	b.pending = nil
	b.mapped = nil

	if b.reinit == nil {
		return nil
	}
	return b.reinit()
}

func (b *SPIBus) Command(cmd *Command) error {
	if b.mapped != nil {
		return ErrorMapped
	}

	header, err := cmd.Header()
	if err != nil {
		return err
	}

	if !cmd.HasData() {
		b.pending = nil
		return b.spi(header, nil, LinesNone)
	}

	p := *cmd
	b.pending = &p
	b.header = header
	return nil
}

func (b *SPIBus) takePending(length int) (*Command, error) {
	cmd := b.pending
	b.pending = nil

	if cmd == nil {
		return nil, errors.New("no command waiting for data")
	}
	if length != cmd.Length {
		return nil, fmt.Errorf("%d bytes for a %d byte command", length, cmd.Length)
	}
	return cmd, nil
}

func (b *SPIBus) Transmit(data []byte) error {
	cmd, err := b.takePending(len(data))
	if err != nil {
		return err
	}
	if cmd.DataLines != Lines1 {
		return fmt.Errorf("%w: transmit on %d lines", ErrorUnsupported, cmd.DataLines)
	}

	out := make([]byte, 0, len(b.header)+len(data))
	out = append(out, b.header...)
	out = append(out, data...)
	return b.spi(out, nil, LinesNone)
}

func (b *SPIBus) Receive(data []byte) error {
	cmd, err := b.takePending(len(data))
	if err != nil {
		return err
	}
	if cmd.DataLines > b.maxLines {
		return fmt.Errorf("%w: receive on %d lines", ErrorUnsupported, cmd.DataLines)
	}

	return b.spi(b.header, data, cmd.DataLines)
}

func (b *SPIBus) MemoryMapped(cmd *Command, cfg MemoryMappedConfig) error {
	if b.mapped != nil {
		return ErrorMapped
	}
	if cmd.DataLines > b.maxLines || !cmd.HasAddress() {
		return fmt.Errorf("%w: %s as memory-mapped read", ErrorUnsupported, cmd.String())
	}
	if _, err := cmd.Header(); err != nil {
		return err
	}

	p := *cmd
	b.mapped = &p
	b.pending = nil
	return nil
}

// ReadAt reads through the emulated memory-mapped window.
func (b *SPIBus) ReadAt(p []byte, off int64) (int, error) {
	if b.mapped == nil {
		return 0, ErrorNotMapped
	}
	if len(p) == 0 {
		return 0, nil
	}

	cmd := *b.mapped
	cmd.Address = uint32(off)
	cmd.Length = len(p)

	header, err := cmd.Header()
	if err != nil {
		return 0, err
	}
	if err := b.spi(header, p, cmd.DataLines); err != nil {
		return 0, err
	}
	return len(p), nil
}
