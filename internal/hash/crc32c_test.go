package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC32C(t *testing.T) {
	// RFC 3720 test vector: 32 bytes of zeros.
	assert.Equal(t, uint32(0x8a9136aa), CRC32C(make([]byte, 32)))

	data := []byte("buffer cache block")
	assert.Equal(t, CRC32C(data), CRC32C(append([]byte(nil), data...)))
	assert.NotEqual(t, CRC32C(data), CRC32C(data[1:]))
}
