package spidev

import (
	"errors"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/BertoldVdb/qspiloader/qspi"
)

func TestTransferLayout(t *testing.T) {
	if size := unsafe.Sizeof(iocTransfer{}); size != 32 {
		t.Error("Wrong spi_ioc_transfer size:", size)
	}
	if req := spiIOCMessage(1); req != 0x40206b00 {
		t.Errorf("Wrong SPI_IOC_MESSAGE(1): %x", req)
	}
	if req := spiIOCMessage(2); req != 0x40406b00 {
		t.Errorf("Wrong SPI_IOC_MESSAGE(2): %x", req)
	}
}

func TestClosedDevice(t *testing.T) {
	s := &SPIDev{fd: -1, Dual: false}

	if err := s.SPI([]byte{0x9f}, make([]byte, 3), qspi.Lines1); !errors.Is(err, unix.EBADF) {
		t.Error("Transfer on a closed device:", err)
	}
	if err := s.Close(); err != nil {
		t.Error("Close of a closed device failed:", err)
	}
}

func TestDualNeedsMode(t *testing.T) {
	s := &SPIDev{fd: 0, Dual: false}

	if err := s.SPI([]byte{0x3b}, make([]byte, 4), qspi.Lines2); !errors.Is(err, qspi.ErrorUnsupported) {
		t.Error("Dual receive accepted without dual mode:", err)
	}
}
