package spiflash

func completeIO(offset uint32, buf []byte, f func(offset uint32, buf []byte) (int, error)) (int, error) {
	index := 0

	for len(buf) > 0 {
		n, err := f(offset, buf)
		index += n
		offset += uint32(n)

		if err != nil {
			return index, err
		}

		buf = buf[n:]
	}

	return index, nil
}

/* Number of bytes from offset up to the next page boundary, capped at txfr */
func pageCrossLength(offset uint32, txfr uint32, pageSize uint32) int {
	n := pageSize - offset%pageSize
	if n > txfr {
		n = txfr
	}
	return int(n)
}

// UnitRange returns the erase units [first, last) covering start to end.
// An end below start still selects the unit containing start.
func UnitRange(start, end, unitSize uint32) (uint32, uint32) {
	first := start / unitSize
	last := end/unitSize + 1

	if first >= last {
		last = first + 1
	}
	return first, last
}
