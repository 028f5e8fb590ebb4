// Package devinfo holds the device descriptor read by the host programming
// tool to plan erases and writes.
package devinfo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

type DeviceType uint16

const (
	TypeMCUFlash  DeviceType = 1
	TypeNANDFlash DeviceType = 2
	TypeNORFlash  DeviceType = 3
	TypeSRAM      DeviceType = 4
	TypePSRAM     DeviceType = 5
	TypePCCard    DeviceType = 6
	TypeSPIFlash  DeviceType = 7
	TypeI2CFlash  DeviceType = 8
	TypeSDRAM     DeviceType = 9
	TypeI2CEEPROM DeviceType = 10
)

const nameLength = 100

// SectorRun is Count consecutive sectors of Size bytes. {0, 0} ends a table.
type SectorRun struct {
	Count uint32
	Size  uint32
}

func (s SectorRun) isSentinel() bool {
	return s.Count == 0 && s.Size == 0
}

type StorageInfo struct {
	Name         string
	Type         DeviceType
	StartAddress uint32
	Size         uint32
	PageSize     uint32
	EraseValue   uint8
	Sectors      []SectorRun
}

var W25Q32 = StorageInfo{
	Name:         "W25Q32FV_STM32F730",
	Type:         TypeSPIFlash,
	StartAddress: 0x90000000,
	Size:         0x00400000,
	PageSize:     0x00000100,
	EraseValue:   0xFF,
	Sectors: []SectorRun{
		{Count: 0x00000080, Size: 0x00008000},
		{},
	},
}

var (
	ErrorNoSentinel     = errors.New("sector table is not terminated")
	ErrorEmptyRun       = errors.New("sector table has an empty entry")
	ErrorDecreasingSize = errors.New("sector sizes decrease")
	ErrorSizeMismatch   = errors.New("sectors do not cover the device")
	ErrorNameTooLong    = errors.New("device name too long")
	ErrorOutOfRange     = errors.New("address outside the device")
)

func (s *StorageInfo) runs() []SectorRun {
	for i, m := range s.Sectors {
		if m.isSentinel() {
			return s.Sectors[:i]
		}
	}
	return s.Sectors
}

// Validate checks that the sector table partitions the device with
// non-decreasing sector sizes and ends with the {0, 0} sentinel.
func (s *StorageInfo) Validate() error {
	if len(s.Name) >= nameLength {
		return ErrorNameTooLong
	}
	if len(s.Sectors) == 0 || !s.Sectors[len(s.Sectors)-1].isSentinel() {
		return ErrorNoSentinel
	}

	runs := s.Sectors[:len(s.Sectors)-1]
	total := uint64(0)
	prev := uint32(0)
	for i, m := range runs {
		if m.Count == 0 || m.Size == 0 {
			return fmt.Errorf("%w at index %d", ErrorEmptyRun, i)
		}
		if m.Size < prev {
			return fmt.Errorf("%w at index %d", ErrorDecreasingSize, i)
		}
		prev = m.Size
		total += uint64(m.Count) * uint64(m.Size)
	}

	if total != uint64(s.Size) {
		return fmt.Errorf("%w: %d != %d", ErrorSizeMismatch, total, s.Size)
	}
	return nil
}

// SectorOf returns the start offset and size of the sector that contains
// the absolute address addr.
func (s *StorageInfo) SectorOf(addr uint32) (uint32, uint32, error) {
	if addr < s.StartAddress || addr-s.StartAddress >= s.Size {
		return 0, 0, fmt.Errorf("%w: %08x", ErrorOutOfRange, addr)
	}

	offset := addr - s.StartAddress
	base := uint32(0)
	for _, m := range s.runs() {
		span := m.Count * m.Size
		if offset < base+span {
			return base + (offset-base)/m.Size*m.Size, m.Size, nil
		}
		base += span
	}
	return 0, 0, fmt.Errorf("%w: %08x", ErrorOutOfRange, addr)
}

// Contains reports whether [addr, addr+size) lies within the device.
func (s *StorageInfo) Contains(addr uint32, size uint32) bool {
	if addr < s.StartAddress {
		return false
	}
	return uint64(addr-s.StartAddress)+uint64(size) <= uint64(s.Size)
}

/* Layout of the packed descriptor as laid out by the target compiler */
type rawHeader struct {
	Name         [nameLength]byte
	Type         uint16
	_            [2]byte
	StartAddress uint32
	Size         uint32
	PageSize     uint32
	EraseValue   uint8
	_            [3]byte
}

// MarshalBinary encodes the descriptor in the little-endian layout found in
// the loader's StorageInfo symbol.
func (s *StorageInfo) MarshalBinary() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	hdr := rawHeader{
		Type:         uint16(s.Type),
		StartAddress: s.StartAddress,
		Size:         s.Size,
		PageSize:     s.PageSize,
		EraseValue:   s.EraseValue,
	}
	copy(hdr.Name[:], s.Name)

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	for _, m := range s.Sectors {
		if err := binary.Write(&buf, binary.LittleEndian, &m); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (s *StorageInfo) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)

	var hdr rawHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return err
	}

	info := StorageInfo{
		Name:         string(bytes.TrimRight(hdr.Name[:], "\x00")),
		Type:         DeviceType(hdr.Type),
		StartAddress: hdr.StartAddress,
		Size:         hdr.Size,
		PageSize:     hdr.PageSize,
		EraseValue:   hdr.EraseValue,
	}

	for {
		var m SectorRun
		if err := binary.Read(r, binary.LittleEndian, &m); err != nil {
			return ErrorNoSentinel
		}
		info.Sectors = append(info.Sectors, m)
		if m.isSentinel() {
			break
		}
	}

	if err := info.Validate(); err != nil {
		return err
	}

	*s = info
	return nil
}
