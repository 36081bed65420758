package common

import (
	"crypto/md5"
	"encoding/binary"
)

// HashKey derives the stable numeric score used to place a broker id on
// the bz:<cluster> health-check ring. It hashes id with MD5, zeroes the top 11 bits of the
// first 8 bytes (so the result fits a registry sorted-set score, which is
// transported as a float64, without losing precision), and reads those 8
// bytes as a big-endian uint64.
func HashKey(id string) uint64 {
	sum := md5.Sum([]byte(id))
	v := binary.BigEndian.Uint64(sum[:8])
	return v &^ (uint64(0x7FF) << 53)
}
