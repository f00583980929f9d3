// Package quote prices an upload before anything touches the chain.
package quote

import (
	"fmt"
	"math"

	"github.com/zzenonn/chainstore/internal/chunk"
	apperrors "github.com/zzenonn/chainstore/internal/errors"
	"github.com/zzenonn/chainstore/internal/manifest"
)

const (
	// DefaultTxOverhead covers version, one P2PKH input, a change output, the
	// data output framing and locktime.
	DefaultTxOverhead = 250
	DustLimit         = 546

	// DefaultMaxPayload is the largest single payload the node accepts by
	// default, which bounds the manifest.
	DefaultMaxPayload = 1 << 20
)

// Params are the network-side knobs of an estimate.
type Params struct {
	MaxChunkPayload int
	FeeRate         float64 // satoshis per byte
	TxOverhead      int
	DustLimit       int64
	MaxFileSize     int64 // 0 means unlimited
	// MaxPayload bounds a single transaction payload; the manifest must fit.
	// Defaults to DefaultMaxPayload.
	MaxPayload int
}

// Quote is the price of storing one file.
type Quote struct {
	ChunkCount   int
	ManifestSize int
	TotalTxBytes int64
	FeeDue       int64
	AmountDue    int64
}

// Estimate computes chunk count, total transaction bytes and the fee for a
// file of fileSize bytes. nameLen and contentTypeLen size the manifest header.
func Estimate(fileSize int64, nameLen, contentTypeLen int, p Params) (Quote, error) {
	if p.MaxChunkPayload <= 0 {
		return Quote{}, apperrors.Validationf("max chunk payload must be positive, got %d", p.MaxChunkPayload)
	}
	if p.FeeRate < 0 || math.IsNaN(p.FeeRate) || math.IsInf(p.FeeRate, 0) {
		return Quote{}, apperrors.Validationf("invalid fee rate %v", p.FeeRate)
	}
	if fileSize < 0 {
		return Quote{}, apperrors.Validationf("negative file size %d", fileSize)
	}
	if p.MaxFileSize > 0 && fileSize > p.MaxFileSize {
		return Quote{}, fmt.Errorf("%w: %d bytes exceeds limit of %d", apperrors.ErrFileTooLarge, fileSize, p.MaxFileSize)
	}
	if nameLen > manifest.MaxNameLen || contentTypeLen > manifest.MaxContentLen {
		return Quote{}, apperrors.Validationf("file name or content type too long")
	}

	overhead := p.TxOverhead
	if overhead <= 0 {
		overhead = DefaultTxOverhead
	}
	maxPayload := p.MaxPayload
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}

	count := chunk.Count(fileSize, p.MaxChunkPayload)
	manifestSize := manifest.EncodedSize(nameLen, contentTypeLen, count)
	if manifestSize > maxPayload {
		return Quote{}, fmt.Errorf("%w: manifest for %d chunks is %d bytes, payload limit is %d",
			apperrors.ErrFileTooLarge, count, manifestSize, maxPayload)
	}

	total := int64(overhead)*int64(count+1) + fileSize + int64(manifestSize)
	fee := int64(math.Ceil(float64(total) * p.FeeRate))

	amount := fee
	if p.DustLimit > amount {
		amount = p.DustLimit
	}

	return Quote{
		ChunkCount:   count,
		ManifestSize: manifestSize,
		TotalTxBytes: total,
		FeeDue:       fee,
		AmountDue:    amount,
	}, nil
}
