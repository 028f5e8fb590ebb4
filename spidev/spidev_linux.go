// Package spidev drives a SPI flash through the Linux spidev interface.
package spidev

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/BertoldVdb/qspiloader/qspi"
)

// See Linux "include/uapi/linux/spi/spidev.h"
const (
	SPI_IOC_WR_MODE32        = 0x40046b05
	SPI_IOC_WR_BITS_PER_WORD = 0x40016b03
	SPI_IOC_WR_MAX_SPEED_HZ  = 0x40046b04

	SPI_MODE_0  = 0x0
	SPI_RX_DUAL = 0x400
)

type iocTransfer struct {
	TxBuf          uint64
	RxBuf          uint64
	Len            uint32
	SpeedHz        uint32
	DelayUsecs     uint16
	BitsPerWord    uint8
	CSChange       uint8
	TxNBits        uint8
	RxNBits        uint8
	WordDelayUsecs uint8
	Pad            uint8
}

func spiIOCMessage(n int) uintptr {
	size := uintptr(n) * unsafe.Sizeof(iocTransfer{})
	return 0x40006b00 | size<<16
}

type SPIDev struct {
	path string
	fd   int

	SpeedHz uint32
	Dual    bool
}

// New opens a spidev node such as /dev/spidev0.0. With dual set the
// controller must support two line reception.
func New(path string, speedHz uint32, dual bool) (*SPIDev, error) {
	s := &SPIDev{
		path:    path,
		fd:      -1,
		SpeedHz: speedHz,
		Dual:    dual,
	}

	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SPIDev) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(s.fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (s *SPIDev) open() error {
	fd, err := unix.Open(s.path, unix.O_RDWR, 0600)
	if err != nil {
		return err
	}
	s.fd = fd

	mode := uint32(SPI_MODE_0)
	if s.Dual {
		mode |= SPI_RX_DUAL
	}
	bits := uint8(8)

	if err := s.ioctl(SPI_IOC_WR_MODE32, unsafe.Pointer(&mode)); err != nil {
		s.Close()
		return fmt.Errorf("set mode %x: %w", mode, err)
	}
	if err := s.ioctl(SPI_IOC_WR_BITS_PER_WORD, unsafe.Pointer(&bits)); err != nil {
		s.Close()
		return fmt.Errorf("set bits per word: %w", err)
	}
	if err := s.ioctl(SPI_IOC_WR_MAX_SPEED_HZ, unsafe.Pointer(&s.SpeedHz)); err != nil {
		s.Close()
		return fmt.Errorf("set speed %d: %w", s.SpeedHz, err)
	}

	return nil
}

// Reopen closes and reopens the device, resetting the controller settings.
func (s *SPIDev) Reopen() error {
	s.Close()
	return s.open()
}

func (s *SPIDev) Close() error {
	if s.fd < 0 {
		return nil
	}

	fd := s.fd
	s.fd = -1

	return unix.Close(fd)
}

// SPI sends out and then reads in with chip select held for both.
func (s *SPIDev) SPI(out []byte, in []byte, inLines qspi.Lines) error {
	if s.fd < 0 {
		return unix.EBADF
	}
	if inLines > qspi.Lines2 || (inLines == qspi.Lines2 && !s.Dual) {
		return fmt.Errorf("%w: %d receive lines", qspi.ErrorUnsupported, inLines)
	}

	xfers := make([]iocTransfer, 0, 2)
	if len(out) > 0 {
		xfers = append(xfers, iocTransfer{
			TxBuf:   uint64(uintptr(unsafe.Pointer(&out[0]))),
			Len:     uint32(len(out)),
			SpeedHz: s.SpeedHz,
			TxNBits: 1,
		})
	}
	if len(in) > 0 {
		xfers = append(xfers, iocTransfer{
			RxBuf:   uint64(uintptr(unsafe.Pointer(&in[0]))),
			Len:     uint32(len(in)),
			SpeedHz: s.SpeedHz,
			RxNBits: uint8(inLines),
		})
	}
	if len(xfers) == 0 {
		return nil
	}

	err := s.ioctl(spiIOCMessage(len(xfers)), unsafe.Pointer(&xfers[0]))
	runtime.KeepAlive(out)
	runtime.KeepAlive(in)

	return err
}

// Transport returns a qspi.Transport running on this device.
func (s *SPIDev) Transport() *qspi.SPIBus {
	maxLines := qspi.Lines1
	if s.Dual {
		maxLines = qspi.Lines2
	}

	return qspi.NewSPIBus(s.SPI, s.Reopen, maxLines)
}
