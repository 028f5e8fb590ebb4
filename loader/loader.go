// Package loader implements the entry points called by the host
// programming tool. Every entry point returns 1 on success and 0 on
// failure; error details only go to the log.
package loader

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/BertoldVdb/qspiloader/devinfo"
	"github.com/BertoldVdb/qspiloader/spiflash"
)

const (
	Failure = 0
	Success = 1
)

var ErrorOutOfRange = errors.New("address range outside the device")

type Loader struct {
	flash *spiflash.Flash
	info  devinfo.StorageInfo
	unit  *spiflash.EraseUnit

	bringup   func() int
	chunkSize int

	log logrus.FieldLogger
}

func New(flash *spiflash.Flash, opts ...Option) *Loader {
	l := &Loader{
		flash:     flash,
		info:      devinfo.W25Q32,
		chunkSize: 4096,
		log:       discardLogger(),
	}

	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Loader) Info() devinfo.StorageInfo {
	return l.info
}

func (l *Loader) Flash() *spiflash.Flash {
	return l.flash
}

func result(ok bool) int {
	if ok {
		return Success
	}
	return Failure
}

func (l *Loader) fail(op string, err error) int {
	l.log.WithError(err).Errorf("%s failed", op)
	return Failure
}

/* The descriptor's sector size decides between sector and block erases */
func (l *Loader) eraseUnit() spiflash.EraseUnit {
	if l.unit != nil {
		return *l.unit
	}

	if len(l.info.Sectors) > 0 && l.info.Sectors[0].Size == l.flash.Geometry().BlockSize {
		return spiflash.UnitBlock
	}
	return spiflash.UnitSector
}

func (l *Loader) offset(address uint32, size uint32) (uint32, error) {
	if !l.info.Contains(address, size) {
		return 0, errors.Wrapf(ErrorOutOfRange, "%08x+%x", address, size)
	}
	return address - l.info.StartAddress, nil
}

/* Leave the flash readable through the memory-mapped window */
func (l *Loader) remap() error {
	if err := l.flash.Reset(); err != nil {
		return err
	}
	return l.flash.ActivateMemoryMapped()
}

// Init runs the board bring-up, resets the flash and maps it. A failed reset
// fails Init regardless of the bring-up result.
func (l *Loader) Init() int {
	ret := Success
	if l.bringup != nil {
		ret = l.bringup()
	}

	if err := l.flash.Reset(); err != nil {
		return l.fail("init", err)
	}

	if err := l.flash.Probe(); err != nil {
		l.log.WithError(err).Warn("flash id mismatch")
	}

	if err := l.flash.ActivateMemoryMapped(); err != nil {
		return l.fail("init", err)
	}

	l.log.WithField("result", ret).Info("init done")
	return ret
}

// Write programs size bytes of buf at a memory-mapped address. On failure
// the flash is left reset but not mapped.
func (l *Loader) Write(address uint32, size uint32, buf []byte) int {
	if int(size) > len(buf) {
		return l.fail("write", fmt.Errorf("buffer holds %d bytes, %d requested", len(buf), size))
	}

	offset, err := l.offset(address, size)
	if err != nil {
		return l.fail("write", err)
	}

	if err := l.flash.Reset(); err != nil {
		return l.fail("write", err)
	}

	if _, err := l.flash.Write(offset, buf[:size]); err != nil {
		return l.fail("write", err)
	}

	if err := l.remap(); err != nil {
		return l.fail("write", err)
	}

	l.log.WithFields(logrus.Fields{
		"addr": fmt.Sprintf("%08x", address),
		"len":  size,
	}).Debug("write done")
	return Success
}

// SectorErase erases every erase unit between the two memory-mapped
// addresses. An end before the start erases the unit containing start.
func (l *Loader) SectorErase(startAddress uint32, endAddress uint32) int {
	start, err := l.offset(startAddress, 1)
	if err != nil {
		return l.fail("sector erase", err)
	}

	/* Never wrap around past the last unit */
	end := uint32(0)
	if endAddress >= l.info.StartAddress {
		end = endAddress - l.info.StartAddress
	}
	if end >= l.info.Size {
		end = l.info.Size - 1
	}

	if err := l.flash.Reset(); err != nil {
		return l.fail("sector erase", err)
	}

	if err := l.flash.EraseRange(start, end, l.eraseUnit()); err != nil {
		return l.fail("sector erase", err)
	}

	if err := l.remap(); err != nil {
		return l.fail("sector erase", err)
	}
	return Success
}

func (l *Loader) MassErase() int {
	if err := l.flash.Reset(); err != nil {
		return l.fail("mass erase", err)
	}

	if err := l.flash.EraseChip(); err != nil {
		return l.fail("mass erase", err)
	}

	if err := l.remap(); err != nil {
		return l.fail("mass erase", err)
	}
	return Success
}

// Read copies size bytes at a memory-mapped address into buf.
func (l *Loader) Read(address uint32, size uint32, buf []byte) int {
	if err := l.read(address, size, buf); err != nil {
		return l.fail("read", err)
	}
	return result(l.remap() == nil)
}

func (l *Loader) read(address uint32, size uint32, buf []byte) error {
	if int(size) > len(buf) {
		return fmt.Errorf("buffer holds %d bytes, %d requested", len(buf), size)
	}

	offset, err := l.offset(address, size)
	if err != nil {
		return err
	}

	if l.flash.Mode() == spiflash.ModeMemoryMapped {
		if err := l.flash.Reset(); err != nil {
			return err
		}
	}

	_, err = l.flash.Read(offset, buf[:size])
	return err
}

// Verify compares flash contents with buf. It returns address+size when
// everything matches, otherwise the address of the first difference. A
// read failure reports the start of the chunk that could not be read.
func (l *Loader) Verify(address uint32, size uint32, buf []byte) uint64 {
	if int(size) > len(buf) {
		l.fail("verify", fmt.Errorf("buffer holds %d bytes, %d requested", len(buf), size))
		return uint64(address)
	}

	defer func() {
		if err := l.remap(); err != nil {
			l.fail("verify", err)
		}
	}()

	chunk := make([]byte, l.chunkSize)
	for done := uint32(0); done < size; {
		n := size - done
		if n > uint32(len(chunk)) {
			n = uint32(len(chunk))
		}

		if err := l.read(address+done, n, chunk); err != nil {
			l.fail("verify", err)
			return uint64(address) + uint64(done)
		}

		want := buf[done : done+n]
		if !bytes.Equal(chunk[:n], want) {
			for i := range want {
				if chunk[i] != want[i] {
					return uint64(address) + uint64(done) + uint64(i)
				}
			}
		}
		done += n
	}

	return uint64(address) + uint64(size)
}

// Checksum returns the CRC-32 of size bytes of flash at a memory-mapped
// address.
func (l *Loader) Checksum(address uint32, size uint32) (uint32, int) {
	h := newCRC()

	chunk := make([]byte, l.chunkSize)
	for done := uint32(0); done < size; {
		n := size - done
		if n > uint32(len(chunk)) {
			n = uint32(len(chunk))
		}

		if err := l.read(address+done, n, chunk); err != nil {
			return 0, l.fail("checksum", err)
		}
		h.Write(chunk[:n])
		done += n
	}

	if err := l.remap(); err != nil {
		return 0, l.fail("checksum", err)
	}
	return h.Sum32(), Success
}
