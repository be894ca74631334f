package embed

import (
	"math"

	"github.com/kriegcloud/kgforge/errors"
)

// Serialize converts a vector to the FLOAT32_BLOB format sqlite-vec
// expects: little-endian float32 array, 4 bytes per component.
func Serialize(embedding []float32) ([]byte, error) {
	if len(embedding) == 0 {
		return nil, errors.New("embedding cannot be empty")
	}

	buf := make([]byte, len(embedding)*4)
	for i, val := range embedding {
		bits := math.Float32bits(val)
		buf[i*4] = byte(bits)
		buf[i*4+1] = byte(bits >> 8)
		buf[i*4+2] = byte(bits >> 16)
		buf[i*4+3] = byte(bits >> 24)
	}
	return buf, nil
}

// Deserialize converts a FLOAT32_BLOB back to []float32.
func Deserialize(data []byte) ([]float32, error) {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, errors.Newf("invalid embedding blob length: %d", len(data))
	}

	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		bits := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24
		embedding[i] = math.Float32frombits(bits)
	}
	return embedding, nil
}
