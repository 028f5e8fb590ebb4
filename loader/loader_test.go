package loader

import (
	"bytes"
	"crypto/rand"
	"hash/crc32"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/BertoldVdb/qspiloader/flashsim"
	"github.com/BertoldVdb/qspiloader/spiflash"
)

const base = 0x90000000

func newTestLoader(opts ...Option) (*Loader, *flashsim.Chip, *test.Hook) {
	chip := flashsim.New(4 * 1024 * 1024)
	log, hook := test.NewNullLogger()

	flash := spiflash.New(chip, spiflash.WithTimeouts(spiflash.Timeouts{
		Status:      10 * time.Millisecond,
		Program:     10 * time.Millisecond,
		SectorErase: 10 * time.Millisecond,
		BlockErase:  10 * time.Millisecond,
		ChipErase:   10 * time.Millisecond,
	}))

	l := New(flash, append([]Option{WithLogger(log)}, opts...)...)
	return l, chip, hook
}

func getRandomBuf(length int) []byte {
	out := make([]byte, length)
	rand.Read(out)
	return out
}

func TestInit(t *testing.T) {
	called := false
	l, chip, _ := newTestLoader(WithBringup(func() int {
		called = true
		return Success
	}))

	if l.Init() != Success {
		t.Fatal("Init failed")
	}
	if !called {
		t.Error("Bring-up not called")
	}
	if !chip.Mapped() {
		t.Error("Flash not memory-mapped after Init")
	}

	l, _, _ = newTestLoader(WithBringup(func() int { return Failure }))
	if l.Init() != Failure {
		t.Error("Bring-up failure not reported")
	}
}

func TestInitResetFailure(t *testing.T) {
	l, chip, hook := newTestLoader()

	opcode := uint8(0x66)
	chip.FailOpcode = &opcode

	if l.Init() != Failure {
		t.Error("Init succeeded with a failing reset")
	}
	if hook.LastEntry() == nil || hook.LastEntry().Level != logrus.ErrorLevel {
		t.Error("Failure not logged")
	}
}

func TestWriteRoundTrip(t *testing.T) {
	l, chip, _ := newTestLoader()
	if l.Init() != Success {
		t.Fatal("Init failed")
	}

	data := getRandomBuf(3000)
	if l.Write(base+0x1f0, uint32(len(data)), data) != Success {
		t.Fatal("Write failed")
	}

	if !chip.Mapped() {
		t.Error("Flash not memory-mapped after Write")
	}
	if !bytes.Equal(chip.Memory()[0x1f0:0x1f0+len(data)], data) {
		t.Error("Flash contents differ")
	}

	rb := make([]byte, len(data))
	if l.Read(base+0x1f0, uint32(len(rb)), rb) != Success || !bytes.Equal(rb, data) {
		t.Error("Read back failed")
	}

	if v := l.Verify(base+0x1f0, uint32(len(data)), data); v != base+0x1f0+uint64(len(data)) {
		t.Errorf("Verify reported %x", v)
	}

	data[1234] ^= 0xff
	if v := l.Verify(base+0x1f0, uint32(len(data)), data); v != base+0x1f0+1234 {
		t.Errorf("Verify reported %x, expected mismatch at %x", v, base+0x1f0+1234)
	}
	if !chip.Mapped() {
		t.Error("Flash not memory-mapped after Verify")
	}
}

func TestWriteFailureLeavesUnmapped(t *testing.T) {
	l, chip, _ := newTestLoader()
	if l.Init() != Success {
		t.Fatal("Init failed")
	}

	opcode := uint8(0x02)
	chip.FailOpcode = &opcode

	if l.Write(base, 4, []byte{1, 2, 3, 4}) != Failure {
		t.Fatal("Write succeeded with a failing bus")
	}
	if chip.Mapped() || l.Flash().Mode() != spiflash.ModeInstruction {
		t.Error("Flash mapped after a failed write")
	}
}

func TestWriteRange(t *testing.T) {
	l, _, _ := newTestLoader()

	if l.Write(base-1, 1, []byte{0}) != Failure {
		t.Error("Write below the device accepted")
	}
	if l.Write(base+0x3fffff, 2, []byte{0, 0}) != Failure {
		t.Error("Write past the device accepted")
	}
	if l.Write(base, 4, []byte{0}) != Failure {
		t.Error("Short buffer accepted")
	}
	if l.Write(base, 0, nil) != Success {
		t.Error("Empty write failed")
	}
}

func TestSectorErase(t *testing.T) {
	l, chip, _ := newTestLoader()
	if l.Init() != Success {
		t.Fatal("Init failed")
	}

	/* The descriptor advertises 32 KiB sectors */
	if l.SectorErase(base+0x8000, base+0x17fff) != Success {
		t.Fatal("Sector erase failed")
	}
	blocks := chip.Issued(0x52)
	if len(blocks) != 2 || blocks[0].Address != 0x8000 || blocks[1].Address != 0x10000 {
		t.Error("Wrong block erases:", blocks)
	}
	if !chip.Mapped() {
		t.Error("Flash not memory-mapped after erase")
	}

	chip.ClearLog()
	if l.SectorErase(base+0x10000, base) != Success {
		t.Fatal("Reversed sector erase failed")
	}
	if blocks := chip.Issued(0x52); len(blocks) != 1 || blocks[0].Address != 0x10000 {
		t.Error("Reversed range did not erase one block:", blocks)
	}

	chip.ClearLog()
	if l.SectorErase(base+0x3f8000, base+0x400000) != Success {
		t.Fatal("Erase at the end failed")
	}
	if blocks := chip.Issued(0x52); len(blocks) != 1 || blocks[0].Address != 0x3f8000 {
		t.Error("Erase wrapped past the end:", blocks)
	}

	if l.SectorErase(base+0x400000, base+0x400000) != Failure {
		t.Error("Erase past the device accepted")
	}
}

func TestSectorEraseUnitOverride(t *testing.T) {
	l, chip, _ := newTestLoader(WithEraseUnit(spiflash.UnitSector))

	if l.SectorErase(base+0x1000, base+0x2fff) != Success {
		t.Fatal("Sector erase failed")
	}
	if sectors := chip.Issued(0x20); len(sectors) != 2 {
		t.Error("Expected 2 sector erases:", sectors)
	}
}

func TestMassErase(t *testing.T) {
	l, chip, _ := newTestLoader()

	copy(chip.Memory()[0x200000:], []byte{1, 2, 3})
	if l.MassErase() != Success {
		t.Fatal("Mass erase returned failure on success")
	}
	if chip.Memory()[0x200000] != 0xff || !chip.Mapped() {
		t.Error("Chip not erased and mapped")
	}

	chip.BusyPolls = 1 << 30
	if l.MassErase() != Failure {
		t.Error("Mass erase returned success on timeout")
	}
}

func TestChecksum(t *testing.T) {
	l, chip, _ := newTestLoader(WithChunkSize(1000))

	data := getRandomBuf(5000)
	copy(chip.Memory()[0x4000:], data)

	sum, ok := l.Checksum(base+0x4000, uint32(len(data)))
	if ok != Success {
		t.Fatal("Checksum failed")
	}
	if sum != crc32.ChecksumIEEE(data) {
		t.Errorf("Checksum %08x, expected %08x", sum, crc32.ChecksumIEEE(data))
	}

	if _, ok := l.Checksum(base+0x3fffff, 2); ok != Failure {
		t.Error("Checksum past the device accepted")
	}
}
