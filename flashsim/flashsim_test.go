package flashsim

import (
	"bytes"
	"errors"
	"testing"

	"github.com/BertoldVdb/qspiloader/qspi"
)

func cmd(instr uint8, data qspi.Lines, length int) *qspi.Command {
	return &qspi.Command{
		Instruction:      instr,
		InstructionLines: qspi.Lines1,
		DataLines:        data,
		Length:           length,
	}
}

func addrCmd(instr uint8, addr uint32, data qspi.Lines, length int) *qspi.Command {
	c := cmd(instr, data, length)
	c.Address = addr
	c.AddressLines = qspi.Lines1
	c.AddressSize = qspi.Address24
	return c
}

func program(t *testing.T, c *Chip, addr uint32, data []byte) {
	if err := c.Command(cmd(0x06, qspi.LinesNone, 0)); err != nil {
		t.Fatal("WREN failed:", err)
	}
	if err := c.Command(addrCmd(0x02, addr, qspi.Lines1, len(data))); err != nil {
		t.Fatal("Program failed:", err)
	}
	if err := c.Transmit(data); err != nil {
		t.Fatal("Transmit failed:", err)
	}
}

func TestStatusBusy(t *testing.T) {
	c := New(blockSize)
	program(t, c, 0, []byte{0x12})

	status := make([]byte, 1)
	for i := 0; i < 3; i++ {
		if err := c.Command(cmd(0x05, qspi.Lines1, 1)); err != nil {
			t.Fatal(err)
		}
		if err := c.Receive(status); err != nil {
			t.Fatal(err)
		}
		busy := status[0]&qspi.StatusBusy != 0
		if busy != (i < c.BusyPolls) {
			t.Errorf("Poll %d: status %02x", i, status[0])
		}
	}
}

func TestProgramWrapsInPage(t *testing.T) {
	c := New(blockSize)
	program(t, c, 0x1fe, []byte{1, 2, 3, 4})

	mem := c.Memory()
	if !bytes.Equal(mem[0x1fe:0x200], []byte{1, 2}) || !bytes.Equal(mem[0x100:0x102], []byte{3, 4}) {
		t.Errorf("Wrong wrap: %x %x", mem[0x1fe:0x200], mem[0x100:0x102])
	}
	if !c.Programmed(1) || c.ProgrammedPages() != 1 {
		t.Error("Programmed page not tracked")
	}
}

func TestWriteEnableRequired(t *testing.T) {
	c := New(blockSize)
	if err := c.Command(addrCmd(0x02, 0, qspi.Lines1, 1)); err != nil {
		t.Fatal(err)
	}
	if err := c.Transmit([]byte{0}); err != nil {
		t.Fatal(err)
	}
	if c.Memory()[0] != 0xff {
		t.Error("Program without WREN changed the array")
	}

	program(t, c, 0, []byte{0})
	c.busy = 0
	if err := c.Command(addrCmd(0x20, 0x10, qspi.LinesNone, 0)); err != nil {
		t.Fatal(err)
	}
	if c.Memory()[0] != 0 || c.EraseCount(0) != 0 {
		t.Error("Erase without WREN changed the array")
	}
}

func TestEraseAlignment(t *testing.T) {
	c := New(2 * blockSize)
	for i := range c.Memory() {
		c.Memory()[i] = 0
	}

	c.Command(cmd(0x06, qspi.LinesNone, 0))
	if err := c.Command(addrCmd(0x52, blockSize+0x1234, qspi.LinesNone, 0)); err != nil {
		t.Fatal(err)
	}

	mem := c.Memory()
	if mem[blockSize-1] != 0 || mem[blockSize] != 0xff || mem[2*blockSize-1] != 0xff {
		t.Error("Block erase hit the wrong range")
	}
	if c.EraseCount(blockSize/sectorSize) != 1 || c.EraseCount(0) != 0 {
		t.Error("Wrong erase counts")
	}
}

func TestResetNeedsEnable(t *testing.T) {
	c := New(blockSize)
	c.Command(cmd(0x06, qspi.LinesNone, 0))

	c.Command(cmd(0x99, qspi.LinesNone, 0))
	if c.status()&qspi.StatusWEL == 0 {
		t.Error("Reset without enable cleared WEL")
	}

	c.Command(cmd(0x66, qspi.LinesNone, 0))
	c.Command(cmd(0x99, qspi.LinesNone, 0))
	if c.status() != 0 {
		t.Errorf("Status %02x after reset", c.status())
	}
}

func TestMemoryMapped(t *testing.T) {
	c := New(blockSize)
	copy(c.Memory()[0x40:], "mapped")

	read := addrCmd(0x3B, 0, qspi.Lines2, 0)
	read.DummyCycles = 8
	if err := c.MemoryMapped(read, qspi.MemoryMappedConfig{}); err != nil {
		t.Fatal("MemoryMapped failed:", err)
	}

	buf := make([]byte, 6)
	if err := c.ReadMapped(0x40, buf); err != nil || string(buf) != "mapped" {
		t.Errorf("ReadMapped: %q %v", buf, err)
	}
	if err := c.Command(cmd(0x06, qspi.LinesNone, 0)); !errors.Is(err, ErrorMapped) {
		t.Error("Command accepted while mapped")
	}

	c.Reinit()
	if c.Mapped() || c.Reinits != 1 {
		t.Error("Reinit did not leave memory-mapped mode")
	}
	if err := c.ReadMapped(0, buf); !errors.Is(err, ErrorNotMapped) {
		t.Error("ReadMapped worked after Reinit")
	}
}

func TestBadCommand(t *testing.T) {
	c := New(blockSize)
	if err := c.Command(cmd(0x3B, qspi.Lines2, 4)); !errors.Is(err, ErrorBadCommand) {
		t.Error("Read without address accepted")
	}
	if err := c.Command(cmd(0xAB, qspi.LinesNone, 0)); !errors.Is(err, ErrorUnknownOpcode) {
		t.Error("Unknown opcode accepted")
	}

	op := uint8(0x9F)
	c.FailOpcode = &op
	if err := c.Command(cmd(0x9F, qspi.Lines1, 3)); !errors.Is(err, ErrorInjected) {
		t.Error("Injected fault not returned")
	}
}
