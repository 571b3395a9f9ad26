package uid

import (
	crand "crypto/rand"
	"encoding/binary"
	"time"
)

// CryptoU64 returns cryptographic random uint64.
func CryptoU64() (uint64, error) {
	var v uint64
	if err := binary.Read(crand.Reader, binary.LittleEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// Instance returns a non-zero id that tells one incarnation of a segment
// apart from a later one created under the same name.
func Instance() uint64 {
	v, err := CryptoU64()
	if err != nil {
		v = uint64(time.Now().UnixNano())
	}
	if v == 0 {
		v = 1
	}
	return v
}
