package spiflash

import (
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/BertoldVdb/qspiloader/qspi"
)

/* W25Q32FV instruction set */
const (
	opcodeResetEnable     = 0x66
	opcodeResetMemory     = 0x99
	opcodeJEDECID         = 0x9F
	opcodeReadSFDP        = 0x5A
	opcodeFastRead        = 0x0B
	opcodeDualOutFastRead = 0x3B
	opcodePageProgram     = 0x02
	opcodeSectorErase     = 0x20
	opcodeBlockErase      = 0x52
	opcodeChipErase       = 0xC7

	dummyCyclesRead = 8
)

var (
	ErrorMemoryMapped = errors.New("flash is in memory-mapped mode")
	ErrorUnexpectedID = errors.New("unexpected flash id")
)

// Mode tracks whether the controller accepts instructions.
type Mode int

const (
	ModeInstruction Mode = iota
	ModeMemoryMapped
)

func (m Mode) String() string {
	switch m {
	case ModeInstruction:
		return "instruction"
	case ModeMemoryMapped:
		return "memory-mapped"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// EraseUnit selects the granularity used by EraseRange.
type EraseUnit int

const (
	UnitSector EraseUnit = iota
	UnitBlock
)

type Flash struct {
	seq *qspi.Sequencer
	cfg config

	mode Mode
}

func New(t qspi.Transport, opts ...Option) *Flash {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Flash{
		seq: qspi.NewSequencer(t),
		cfg: cfg,
	}
}

func (f *Flash) Part() Part {
	return f.cfg.part
}

func (f *Flash) Geometry() Geometry {
	return f.cfg.part.Geometry
}

func (f *Flash) Mode() Mode {
	return f.mode
}

/* Instructions are undefined while memory-mapped */
func (f *Flash) instructionMode() error {
	if f.mode == ModeInstruction {
		return nil
	}
	if !f.cfg.autoReset {
		return ErrorMemoryMapped
	}

	f.cfg.log.Debug("leaving memory-mapped mode")
	return f.Reset()
}

func (f *Flash) Reset() error {
	if err := f.seq.Reinit(); err != nil {
		return pkgerrors.Wrap(err, "reset")
	}
	f.mode = ModeInstruction

	if err := f.seq.Simple(opcodeResetEnable); err != nil {
		return pkgerrors.Wrap(err, "reset enable")
	}
	if err := f.seq.Simple(opcodeResetMemory); err != nil {
		return pkgerrors.Wrap(err, "reset memory")
	}

	return pkgerrors.Wrap(f.seq.WaitReady(f.cfg.timeouts.Status), "reset")
}

func (f *Flash) Identify() (uint8, uint16, error) {
	if err := f.instructionMode(); err != nil {
		return 0, 0, err
	}

	cmd := &qspi.Command{
		Instruction:      opcodeJEDECID,
		InstructionLines: qspi.Lines1,
		DataLines:        qspi.Lines1,
		Length:           3,
	}

	var id [3]byte
	if err := f.seq.Issue(cmd); err != nil {
		return 0, 0, pkgerrors.Wrap(err, "identify")
	}
	if err := f.seq.TransferIn(cmd, id[:]); err != nil {
		return 0, 0, pkgerrors.Wrap(err, "identify")
	}

	return id[0], uint16(id[1])<<8 | uint16(id[2]), nil
}

// Probe reads the JEDEC ID and checks it against the configured part.
func (f *Flash) Probe() error {
	mfr, dev, err := f.Identify()
	if err != nil {
		return err
	}

	f.cfg.log.WithFields(logrus.Fields{
		"mfr":    fmt.Sprintf("%02x", mfr),
		"device": fmt.Sprintf("%04x", dev),
	}).Debug("flash identified")

	if mfr != f.cfg.part.ManufacturerID() || dev != f.cfg.part.DeviceID() {
		return pkgerrors.Wrapf(ErrorUnexpectedID, "%02x%04x, expected %06x (%s)", mfr, dev, f.cfg.part.ID, f.cfg.part.Name)
	}
	return nil
}

func (f *Flash) erase(opcode uint8, address *uint32, timeout time.Duration) error {
	if err := f.instructionMode(); err != nil {
		return err
	}

	cmd := &qspi.Command{
		Instruction:      opcode,
		InstructionLines: qspi.Lines1,
	}
	if address != nil {
		cmd.Address = *address
		cmd.AddressLines = qspi.Lines1
		cmd.AddressSize = qspi.Address24
	}

	if err := f.seq.WriteEnable(f.cfg.timeouts.Status); err != nil {
		return err
	}
	if err := f.seq.Issue(cmd); err != nil {
		return err
	}

	return f.seq.WaitReady(timeout)
}

func (f *Flash) EraseChip() error {
	f.cfg.log.Debug("erase chip")

	return pkgerrors.Wrap(f.erase(opcodeChipErase, nil, f.cfg.timeouts.ChipErase), "erase chip")
}

// EraseBlock erases the 32 KiB block containing address.
func (f *Flash) EraseBlock(address uint32) error {
	f.cfg.log.WithField("addr", fmt.Sprintf("%06x", address)).Debug("erase block")

	return pkgerrors.Wrapf(f.erase(opcodeBlockErase, &address, f.cfg.timeouts.BlockErase), "erase block %06x", address)
}

// EraseSector erases the 4 KiB sector containing address.
func (f *Flash) EraseSector(address uint32) error {
	f.cfg.log.WithField("addr", fmt.Sprintf("%06x", address)).Debug("erase sector")

	return pkgerrors.Wrapf(f.erase(opcodeSectorErase, &address, f.cfg.timeouts.SectorErase), "erase sector %06x", address)
}

func (f *Flash) UnitSize(unit EraseUnit) uint32 {
	if unit == UnitBlock {
		return f.cfg.part.BlockSize
	}
	return f.cfg.part.SectorSize
}

// EraseRange erases every unit from the one containing start up to and
// including the one containing end, in ascending order.
func (f *Flash) EraseRange(start, end uint32, unit EraseUnit) error {
	size := f.UnitSize(unit)
	first, last := UnitRange(start, end, size)

	f.cfg.log.WithFields(logrus.Fields{
		"first": first,
		"last":  last,
		"size":  size,
	}).Debug("erase range")

	for i := first; i != last; i++ {
		var err error
		if unit == UnitBlock {
			err = f.EraseBlock(i * size)
		} else {
			err = f.EraseSector(i * size)
		}
		if err != nil {
			return err
		}
	}

	return nil
}

func (f *Flash) readCommand() *qspi.Command {
	cmd := &qspi.Command{
		Instruction:      opcodeDualOutFastRead,
		InstructionLines: qspi.Lines1,
		AddressLines:     qspi.Lines1,
		AddressSize:      qspi.Address24,
		DummyCycles:      dummyCyclesRead,
		DataLines:        qspi.Lines2,
	}

	if f.cfg.readMode == ReadFast {
		cmd.Instruction = opcodeFastRead
		cmd.DataLines = qspi.Lines1
	}
	return cmd
}

func (f *Flash) read(offset uint32, data []byte) (int, error) {
	if f.cfg.maxTransfer > 0 && len(data) > f.cfg.maxTransfer {
		data = data[:f.cfg.maxTransfer]
	}

	cmd := f.readCommand()
	cmd.Address = offset
	cmd.Length = len(data)

	if err := f.seq.Issue(cmd); err != nil {
		return 0, err
	}
	if err := f.seq.TransferIn(cmd, data); err != nil {
		return 0, err
	}

	return len(data), nil
}

func (f *Flash) Read(offset uint32, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if err := f.instructionMode(); err != nil {
		return 0, err
	}

	n, err := completeIO(offset, data, f.read)
	return n, pkgerrors.Wrapf(err, "read %06x", offset)
}

/* Program at most up to the end of the page containing offset */
func (f *Flash) write(offset uint32, data []byte) (int, error) {
	n := pageCrossLength(offset, uint32(len(data)), f.cfg.part.PageSize)
	data = data[:n]

	cmd := &qspi.Command{
		Instruction:      opcodePageProgram,
		InstructionLines: qspi.Lines1,
		Address:          offset,
		AddressLines:     qspi.Lines1,
		AddressSize:      qspi.Address24,
		DataLines:        qspi.Lines1,
		Length:           n,
	}

	if err := f.seq.WriteEnable(f.cfg.timeouts.Status); err != nil {
		return 0, err
	}
	if err := f.seq.Issue(cmd); err != nil {
		return 0, err
	}
	if err := f.seq.TransferOut(cmd, data); err != nil {
		return 0, err
	}
	if err := f.seq.WaitReady(f.cfg.timeouts.Program); err != nil {
		return 0, err
	}

	return n, nil
}

// Write programs data page by page. A program instruction never crosses
// a page boundary. The target area must be erased beforehand.
func (f *Flash) Write(offset uint32, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if err := f.instructionMode(); err != nil {
		return 0, err
	}

	f.cfg.log.WithFields(logrus.Fields{
		"addr": fmt.Sprintf("%06x", offset),
		"len":  len(data),
	}).Debug("write")

	n, err := completeIO(offset, data, f.write)
	return n, pkgerrors.Wrapf(err, "write %06x", offset+uint32(n))
}

// ReadSFDP reads from the serial flash discoverable parameter table.
func (f *Flash) ReadSFDP(offset uint32, data []byte) error {
	if err := f.instructionMode(); err != nil {
		return err
	}

	cmd := &qspi.Command{
		Instruction:      opcodeReadSFDP,
		InstructionLines: qspi.Lines1,
		Address:          offset,
		AddressLines:     qspi.Lines1,
		AddressSize:      qspi.Address24,
		DummyCycles:      dummyCyclesRead,
		DataLines:        qspi.Lines1,
		Length:           len(data),
	}

	if err := f.seq.Issue(cmd); err != nil {
		return pkgerrors.Wrap(err, "read sfdp")
	}
	return pkgerrors.Wrap(f.seq.TransferIn(cmd, data), "read sfdp")
}

// ActivateMemoryMapped maps the flash into the controller's address space.
// No instruction can be issued afterwards until Reset.
func (f *Flash) ActivateMemoryMapped() error {
	if err := f.instructionMode(); err != nil {
		return err
	}

	cfg := qspi.MemoryMappedConfig{
		TimeoutCounter: false,
	}

	if err := f.seq.MemoryMapped(f.readCommand(), cfg); err != nil {
		return pkgerrors.Wrap(err, "memory-mapped")
	}

	f.mode = ModeMemoryMapped
	return nil
}
