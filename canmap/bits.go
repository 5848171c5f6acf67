package canmap

import "math"

// Bit numbering follows DBC: bit b lives in byte b/8 at position b%8 (LSB
// is 0). Little-endian signals start at their LSB and grow upward; big-endian
// signals start at their MSB and walk the sawtooth: down within a byte, then
// to bit 7 of the next byte.

func nextMotorola(pos int) int {
	if pos%8 == 0 {
		return pos + 15
	}
	return pos - 1
}

// lastBit returns the position of the final bit the signal touches.
func lastBit(startBit, bitLen int, order ByteOrder) int {
	if order == LittleEndian {
		return startBit + bitLen - 1
	}
	pos := startBit
	for i := 1; i < bitLen; i++ {
		pos = nextMotorola(pos)
	}
	return pos
}

// spanFits reports whether every bit of the signal lies inside n bytes.
func spanFits(startBit, bitLen int, order ByteOrder, n int) bool {
	if bitLen <= 0 || bitLen > 64 || startBit < 0 || startBit >= n*8 {
		return false
	}
	last := lastBit(startBit, bitLen, order)
	return last >= 0 && last < n*8
}

func getBits(data []byte, startBit, bitLen int, order ByteOrder) uint64 {
	var v uint64
	if order == LittleEndian {
		for i := 0; i < bitLen; i++ {
			pos := startBit + i
			if data[pos/8]>>(pos%8)&1 == 1 {
				v |= 1 << i
			}
		}
		return v
	}
	pos := startBit
	for i := bitLen - 1; i >= 0; i-- {
		if data[pos/8]>>(pos%8)&1 == 1 {
			v |= 1 << i
		}
		pos = nextMotorola(pos)
	}
	return v
}

func setBits(data []byte, startBit, bitLen int, order ByteOrder, value uint64) {
	put := func(pos int, bit uint64) {
		mask := byte(1) << (pos % 8)
		if bit == 1 {
			data[pos/8] |= mask
		} else {
			data[pos/8] &^= mask
		}
	}
	if order == LittleEndian {
		for i := 0; i < bitLen; i++ {
			put(startBit+i, (value>>i)&1)
		}
		return
	}
	pos := startBit
	for i := bitLen - 1; i >= 0; i-- {
		put(pos, (value>>i)&1)
		pos = nextMotorola(pos)
	}
}

func widthMask(bitLen int) uint64 {
	if bitLen >= 64 {
		return math.MaxUint64
	}
	return (uint64(1) << bitLen) - 1
}

func unsignedToRawInt64(u uint64, bitLen int, signed bool) int64 {
	if !signed || bitLen >= 64 {
		return int64(u)
	}
	signBit := uint64(1) << (bitLen - 1)
	if u&signBit == 0 {
		return int64(u)
	}
	return int64(u | ^widthMask(bitLen))
}

func rawToUnsigned(raw int64, bitLen int) uint64 {
	return uint64(raw) & widthMask(bitLen)
}

// rawRange returns the representable raw interval for the signal width.
// Unsigned 64-bit signals are bounded in toRaw.
func rawRange(bitLen int, signed bool) (int64, int64) {
	if signed {
		if bitLen >= 64 {
			return math.MinInt64, math.MaxInt64
		}
		return -(int64(1) << (bitLen - 1)), (int64(1) << (bitLen - 1)) - 1
	}
	if bitLen >= 63 {
		return 0, math.MaxInt64
	}
	return 0, (int64(1) << bitLen) - 1
}
