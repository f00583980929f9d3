// Package chunk splits a file into transaction-sized pieces and joins them back.
package chunk

import (
	"bytes"
	"fmt"

	"github.com/zzenonn/chainstore/internal/domain"
	apperrors "github.com/zzenonn/chainstore/internal/errors"
)

var (
	ErrOutOfOrder   = fmt.Errorf("%w: chunks out of order", apperrors.ErrIntegrity)
	ErrIncomplete   = fmt.Errorf("%w: chunk sequence incomplete", apperrors.ErrIntegrity)
	ErrHashMismatch = fmt.Errorf("%w: chunk payload hash mismatch", apperrors.ErrIntegrity)
)

// Chunk is one ordered slice of a file.
type Chunk struct {
	Index       uint32
	Total       uint32
	Payload     []byte
	PayloadHash domain.Digest
}

// Count returns ceil(size/max), the number of chunks a file of size bytes needs.
func Count(size int64, max int) int {
	if size <= 0 || max <= 0 {
		return 0
	}
	return int((size + int64(max) - 1) / int64(max))
}

// Split cuts data into chunks of at most max bytes. Chunk i holds
// data[i*max : min(len, (i+1)*max)]. Empty input yields no chunks.
func Split(data []byte, max int) ([]Chunk, error) {
	if max <= 0 {
		return nil, apperrors.Validationf("chunk size must be positive, got %d", max)
	}

	total := Count(int64(len(data)), max)
	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * max
		end := start + max
		if end > len(data) {
			end = len(data)
		}
		payload := data[start:end]
		chunks = append(chunks, Chunk{
			Index:       uint32(i),
			Total:       uint32(total),
			Payload:     payload,
			PayloadHash: domain.Sum(payload),
		})
	}
	return chunks, nil
}

// Join concatenates chunks presented in index order. Reordered or duplicated
// indices fail ErrOutOfOrder, gaps or a short sequence fail ErrIncomplete and
// any payload whose digest disagrees with the declared one fails
// ErrHashMismatch.
func Join(chunks []Chunk, expectedTotal int) ([]byte, error) {
	for i := 1; i < len(chunks); i++ {
		if chunks[i].Index <= chunks[i-1].Index {
			return nil, fmt.Errorf("%w: index %d follows %d", ErrOutOfOrder, chunks[i].Index, chunks[i-1].Index)
		}
	}
	for i, c := range chunks {
		if c.Index != uint32(i) {
			return nil, fmt.Errorf("%w: index %d missing", ErrIncomplete, i)
		}
	}
	if len(chunks) != expectedTotal {
		return nil, fmt.Errorf("%w: have %d of %d", ErrIncomplete, len(chunks), expectedTotal)
	}

	var buf bytes.Buffer
	for _, c := range chunks {
		if domain.Sum(c.Payload) != c.PayloadHash {
			return nil, fmt.Errorf("%w: index %d", ErrHashMismatch, c.Index)
		}
		buf.Write(c.Payload)
	}
	return buf.Bytes(), nil
}
