// Package periphspi drives a SPI flash through any periph.io SPI port, for
// example a Linux spidev node or an FTDI MPSSE adapter.
package periphspi

import (
	"fmt"
	"io"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/BertoldVdb/qspiloader/qspi"
)

type Port struct {
	conn   spi.Conn
	closer io.Closer
}

// New wraps an already connected SPI connection.
func New(conn spi.Conn) *Port {
	return &Port{conn: conn}
}

// Open initializes the periph.io host drivers and connects to the named
// port. An empty name selects the first registered port.
func Open(name string, freq physic.Frequency) (*Port, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host initialization failed: %w", err)
	}

	p, err := spireg.Open(name)
	if err != nil {
		return nil, err
	}

	conn, err := p.Connect(freq, spi.Mode0, 8)
	if err != nil {
		p.Close()
		return nil, err
	}

	return &Port{conn: conn, closer: p}, nil
}

func (p *Port) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer.Close()
}

// SPI runs a single full duplex transaction. Only single line transfers
// are possible.
func (p *Port) SPI(out []byte, in []byte, inLines qspi.Lines) error {
	if inLines > qspi.Lines1 {
		return fmt.Errorf("%w: %d receive lines", qspi.ErrorUnsupported, inLines)
	}

	w := make([]byte, len(out)+len(in))
	copy(w, out)
	for i := len(out); i < len(w); i++ {
		w[i] = 0xff
	}
	r := make([]byte, len(w))

	if err := p.conn.Tx(w, r); err != nil {
		return err
	}

	copy(in, r[len(out):])
	return nil
}

/* Instruction, 24 bit address and one dummy byte of a fast read */
const readHeaderLength = 5

// MaxTransfer returns the largest read payload that fits in one
// transaction of the port, or 0 when the port reports no limit.
func (p *Port) MaxTransfer() int {
	l, ok := p.conn.(conn.Limits)
	if !ok {
		return 0
	}

	n := l.MaxTxSize() - readHeaderLength
	if n <= 0 {
		return 0
	}
	return n
}

func (p *Port) Transport() *qspi.SPIBus {
	return qspi.NewSPIBus(p.SPI, nil, qspi.Lines1)
}
