package modelset

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Prototypes are the class reference embeddings of one encoder.
type Prototypes struct {
	Fault []float32
	OK    []float32
	// Normalized marks unit-length vectors; cosine similarity reduces to a
	// dot product.
	Normalized bool
}

// Dim returns the embedding dimension.
func (p Prototypes) Dim() int { return len(p.Fault) }

// Encode lays the vectors out as little-endian float32, FAULT row first.
func (p Prototypes) Encode() []byte {
	out := make([]byte, 0, 4*(len(p.Fault)+len(p.OK)))
	for _, row := range [][]float32{p.Fault, p.OK} {
		for _, v := range row {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
		}
	}
	return out
}

// DecodePrototypes parses a 2 x D float32 blob.
func DecodePrototypes(data []byte) (Prototypes, error) {
	if len(data) == 0 || len(data)%8 != 0 {
		return Prototypes{}, fmt.Errorf("prototype blob has %d bytes, want a positive multiple of 8", len(data))
	}
	dim := len(data) / 8
	vals := make([]float32, 2*dim)
	for i := range vals {
		vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return Prototypes{Fault: vals[:dim:dim], OK: vals[dim:]}, nil
}
