package wire

// crc8Table is the lookup table for CRC-8 with polynomial 0x07 (ATM HEC),
// the variant the firmware computes with its table-driven routine.
var crc8Table = func() [256]byte {
	var t [256]byte
	for i := 0; i < 256; i++ {
		crc := byte(i)
		for b := 0; b < 8; b++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x07
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}()

// Checksum returns the CRC-8 of data (poly 0x07, init 0, no reflection).
func Checksum(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc
}
