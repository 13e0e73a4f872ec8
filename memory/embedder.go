package memory

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
)

// Embedder turns text into a vector. Implementations live in the ollama and
// openai subpackages; tests use deterministic hash embedders.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

const embeddingWordSize = 4

// EncodeEmbedding packs a vector into the little-endian blob stored in the
// embedding column. A nil vector stays nil so unembedded items store NULL.
func EncodeEmbedding(vec []float32) []byte {
	if vec == nil {
		return nil
	}
	blob := make([]byte, 0, len(vec)*embeddingWordSize)
	for _, f := range vec {
		blob = binary.LittleEndian.AppendUint32(blob, math.Float32bits(f))
	}
	return blob
}

// DecodeEmbedding is the inverse of EncodeEmbedding.
func DecodeEmbedding(blob []byte) ([]float32, error) {
	if blob == nil {
		return nil, nil
	}
	if len(blob)%embeddingWordSize != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of %d", len(blob), embeddingWordSize)
	}
	vec := make([]float32, len(blob)/embeddingWordSize)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*embeddingWordSize:]))
	}
	return vec, nil
}
