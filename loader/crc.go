package loader

import (
	"github.com/snksoft/crc"
)

var crcTable *crc.Table

func init() {
	crcTable = crc.NewTable(crc.CRC32)
}

type crcHash struct {
	h *crc.Hash
}

func newCRC() crcHash {
	return crcHash{h: crc.NewHashWithTable(crcTable)}
}

func (c crcHash) Write(p []byte) (int, error) {
	c.h.Update(p)
	return len(p), nil
}

func (c crcHash) Sum32() uint32 {
	return c.h.CRC32()
}
