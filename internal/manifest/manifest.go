// Package manifest encodes the index transaction that ties a file's chunk
// transactions together.
//
// Layout (big endian, fixed width):
//
//	magic        [4]  "CSM1"
//	name_len     u16
//	name         [name_len]
//	ctype_len    u8
//	content_type [ctype_len]
//	file_size    u64
//	file_hash    [32]
//	chunk_size   u32
//	chunk_count  u32
//	records      chunk_count x { index u32 | txid [32] | payload_hash [32] }
package manifest

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/zzenonn/chainstore/internal/chunk"
	"github.com/zzenonn/chainstore/internal/domain"
	apperrors "github.com/zzenonn/chainstore/internal/errors"
)

const (
	RecordSize    = 4 + 32 + 32
	MaxNameLen    = 1<<16 - 1
	MaxContentLen = 1<<8 - 1

	// fixed part of the header: magic, the two length prefixes, size, hash,
	// chunk size and count
	fixedHeaderSize = 4 + 2 + 1 + 8 + 32 + 4 + 4
)

var magic = [4]byte{'C', 'S', 'M', '1'}

var ErrMalformedManifest = fmt.Errorf("%w: malformed manifest", apperrors.ErrIntegrity)

// Manifest lists every chunk locator of a file plus the file's metadata.
type Manifest struct {
	FileName    string
	ContentType string
	FileSize    uint64
	FileHash    domain.Digest
	ChunkSize   uint32
	ChunkCount  uint32
	Chunks      []domain.Locator
}

// EncodedSize returns the exact byte length Encode produces.
func EncodedSize(nameLen, contentTypeLen, chunkCount int) int {
	return fixedHeaderSize + nameLen + contentTypeLen + chunkCount*RecordSize
}

// Build assembles a manifest from collected locators and checks that they
// cover 0..n-1 exactly once, in order.
func Build(name, contentType string, size int64, fileHash domain.Digest, chunkSize int, locators []domain.Locator) (Manifest, error) {
	m := Manifest{
		FileName:    name,
		ContentType: contentType,
		FileSize:    uint64(size),
		FileHash:    fileHash,
		ChunkSize:   uint32(chunkSize),
		ChunkCount:  uint32(len(locators)),
		Chunks:      append([]domain.Locator(nil), locators...),
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate checks the internal invariants of m.
func (m Manifest) Validate() error {
	if len(m.FileName) > MaxNameLen {
		return fmt.Errorf("%w: file name is %d bytes", ErrMalformedManifest, len(m.FileName))
	}
	if len(m.ContentType) > MaxContentLen {
		return fmt.Errorf("%w: content type is %d bytes", ErrMalformedManifest, len(m.ContentType))
	}
	if int(m.ChunkCount) != len(m.Chunks) {
		return fmt.Errorf("%w: chunk_count %d but %d locators", ErrMalformedManifest, m.ChunkCount, len(m.Chunks))
	}
	for i, l := range m.Chunks {
		if l.Index != uint32(i) {
			return fmt.Errorf("%w: locator %d has index %d", ErrMalformedManifest, i, l.Index)
		}
	}
	if m.ChunkSize == 0 {
		if m.FileSize != 0 || m.ChunkCount != 0 {
			return fmt.Errorf("%w: zero chunk size for non-empty file", ErrMalformedManifest)
		}
		return nil
	}
	if want := chunk.Count(int64(m.FileSize), int(m.ChunkSize)); want != int(m.ChunkCount) {
		return fmt.Errorf("%w: %d bytes at %d per chunk needs %d chunks, manifest has %d",
			ErrMalformedManifest, m.FileSize, m.ChunkSize, want, m.ChunkCount)
	}
	if m.FileSize == 0 && m.FileHash != domain.Sum(nil) {
		return fmt.Errorf("%w: empty file with non-empty hash", ErrMalformedManifest)
	}
	return nil
}

// Encode serializes m into the fixed-width layout.
func Encode(m Manifest) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	buf := bytes.NewBuffer(make([]byte, 0, EncodedSize(len(m.FileName), len(m.ContentType), len(m.Chunks))))
	buf.Write(magic[:])
	_ = binary.Write(buf, binary.BigEndian, uint16(len(m.FileName)))
	buf.WriteString(m.FileName)
	buf.WriteByte(byte(len(m.ContentType)))
	buf.WriteString(m.ContentType)
	_ = binary.Write(buf, binary.BigEndian, m.FileSize)
	buf.Write(m.FileHash[:])
	_ = binary.Write(buf, binary.BigEndian, m.ChunkSize)
	_ = binary.Write(buf, binary.BigEndian, m.ChunkCount)

	for _, l := range m.Chunks {
		_ = binary.Write(buf, binary.BigEndian, l.Index)
		buf.Write(l.TxID[:])
		buf.Write(l.PayloadHash[:])
	}
	return buf.Bytes(), nil
}

// Decode is the exact inverse of Encode.
func Decode(b []byte) (Manifest, error) {
	var m Manifest
	r := reader{b: b}

	if !bytes.Equal(r.next(4), magic[:]) {
		return m, fmt.Errorf("%w: bad magic", ErrMalformedManifest)
	}
	nameLen := int(r.u16())
	m.FileName = string(r.next(nameLen))
	ctypeLen := int(r.u8())
	m.ContentType = string(r.next(ctypeLen))
	m.FileSize = r.u64()
	copy(m.FileHash[:], r.next(32))
	m.ChunkSize = r.u32()
	m.ChunkCount = r.u32()
	if r.short {
		return Manifest{}, fmt.Errorf("%w: truncated header", ErrMalformedManifest)
	}

	rest := len(b) - r.off
	if rest%RecordSize != 0 || uint64(rest/RecordSize) != uint64(m.ChunkCount) {
		return Manifest{}, fmt.Errorf("%w: chunk_count %d does not match %d trailing bytes",
			ErrMalformedManifest, m.ChunkCount, rest)
	}

	m.Chunks = make([]domain.Locator, m.ChunkCount)
	for i := range m.Chunks {
		m.Chunks[i].Index = r.u32()
		copy(m.Chunks[i].TxID[:], r.next(32))
		copy(m.Chunks[i].PayloadHash[:], r.next(32))
	}

	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// reader walks a byte slice and remembers whether it ran off the end.
type reader struct {
	b     []byte
	off   int
	short bool
}

func (r *reader) next(n int) []byte {
	if r.short || r.off+n > len(r.b) {
		r.short = true
		return make([]byte, n)
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) u8() uint8   { return r.next(1)[0] }
func (r *reader) u16() uint16 { return binary.BigEndian.Uint16(r.next(2)) }
func (r *reader) u32() uint32 { return binary.BigEndian.Uint32(r.next(4)) }
func (r *reader) u64() uint64 { return binary.BigEndian.Uint64(r.next(8)) }
