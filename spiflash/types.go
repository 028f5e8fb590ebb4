package spiflash

// Geometry describes the erase and program granularity of a part.
type Geometry struct {
	Size       uint32
	BlockSize  uint32
	SectorSize uint32
	PageSize   uint32
}

func (g Geometry) Blocks() uint32 {
	return g.Size / g.BlockSize
}

func (g Geometry) Sectors() uint32 {
	return g.Size / g.SectorSize
}

func (g Geometry) Pages() uint32 {
	return g.Size / g.PageSize
}

// Part is a supported flash chip. ID is the three byte JEDEC identifier
// with the manufacturer in the top byte.
type Part struct {
	ID   uint32
	Name string

	Geometry
}

func (p Part) ManufacturerID() uint8 {
	return uint8(p.ID >> 16)
}

func (p Part) DeviceID() uint16 {
	return uint16(p.ID)
}

var (
	W25Q16 = Part{ID: 0xef4015, Name: "Winbond W25Q16", Geometry: Geometry{Size: 2 * 1024 * 1024, BlockSize: 32 * 1024, SectorSize: 4096, PageSize: 256}}
	W25Q32 = Part{ID: 0xef4016, Name: "Winbond W25Q32FV", Geometry: Geometry{Size: 4 * 1024 * 1024, BlockSize: 32 * 1024, SectorSize: 4096, PageSize: 256}}
	W25Q64 = Part{ID: 0xef4017, Name: "Winbond W25Q64FV", Geometry: Geometry{Size: 8 * 1024 * 1024, BlockSize: 32 * 1024, SectorSize: 4096, PageSize: 256}}
)

var parts = []Part{W25Q16, W25Q32, W25Q64}

func partLookup(id uint32) (Part, bool) {
	for _, m := range parts {
		if m.ID == id&0xffffff {
			return m, true
		}
	}
	return Part{}, false
}

// Lookup finds a known part by manufacturer and device ID.
func Lookup(mfr uint8, device uint16) (Part, bool) {
	return partLookup(uint32(mfr)<<16 | uint32(device))
}
