package bsv

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/zzenonn/chainstore/internal/domain"
	apperrors "github.com/zzenonn/chainstore/internal/errors"
)

const (
	TxVersion   = 1
	MaxSequence = 0xffffffff
)

var (
	ErrMalformedTx  = fmt.Errorf("%w: malformed transaction", apperrors.ErrIntegrity)
	ErrNoDataOutput = fmt.Errorf("%w: transaction has no matching data output", apperrors.ErrIntegrity)
)

// Input spends a previous output. PrevScript and the outpoint's Satoshis are
// needed for signing only and are not serialized.
type Input struct {
	Prev       domain.Outpoint
	PrevScript []byte
	Script     []byte
	Sequence   uint32
}

type Output struct {
	Value  int64
	Script []byte
}

type Tx struct {
	Version  uint32
	Inputs   []Input
	Outputs  []Output
	LockTime uint32
}

// Bytes serializes tx in network format.
func (tx *Tx) Bytes() []byte {
	var buf bytes.Buffer
	writeU32(&buf, tx.Version)
	writeVarInt(&buf, uint64(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		writeOutpoint(&buf, in.Prev)
		writeVarBytes(&buf, in.Script)
		writeU32(&buf, in.Sequence)
	}
	writeVarInt(&buf, uint64(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		writeOutput(&buf, out)
	}
	writeU32(&buf, tx.LockTime)
	return buf.Bytes()
}

// ID is the double SHA-256 of the serialized tx, in display order.
func (tx *Tx) ID() domain.TxID {
	return TxIDOf(tx.Bytes())
}

// TxIDOf hashes a raw transaction.
func TxIDOf(raw []byte) domain.TxID {
	h := chainhash.DoubleHashH(raw)
	return domain.TxID(reverse(h))
}

// ParseTx decodes a raw transaction.
func ParseTx(raw []byte) (*Tx, error) {
	r := txReader{b: raw}
	tx := &Tx{Version: r.u32()}

	nIn := r.varInt()
	if nIn > uint64(len(raw)) {
		return nil, fmt.Errorf("%w: %d inputs", ErrMalformedTx, nIn)
	}
	tx.Inputs = make([]Input, nIn)
	for i := range tx.Inputs {
		var internal [32]byte
		copy(internal[:], r.next(32))
		tx.Inputs[i].Prev.TxID = domain.TxID(reverse(internal))
		tx.Inputs[i].Prev.Vout = r.u32()
		tx.Inputs[i].Script = r.varBytes()
		tx.Inputs[i].Sequence = r.u32()
	}

	nOut := r.varInt()
	if nOut > uint64(len(raw)) {
		return nil, fmt.Errorf("%w: %d outputs", ErrMalformedTx, nOut)
	}
	tx.Outputs = make([]Output, nOut)
	for i := range tx.Outputs {
		tx.Outputs[i].Value = int64(r.u64())
		tx.Outputs[i].Script = r.varBytes()
	}
	tx.LockTime = r.u32()

	if r.short {
		return nil, fmt.Errorf("%w: truncated", ErrMalformedTx)
	}
	if r.off != len(raw) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedTx, len(raw)-r.off)
	}
	return tx, nil
}

// ExtractData returns the payload of the first OP_FALSE OP_RETURN output whose
// first push equals tag.
func ExtractData(raw, tag []byte) ([]byte, error) {
	tx, err := ParseTx(raw)
	if err != nil {
		return nil, err
	}
	for _, out := range tx.Outputs {
		parts, ok := ParseDataScript(out.Script)
		if !ok || len(parts) < 2 || !bytes.Equal(parts[0], tag) {
			continue
		}
		return parts[1], nil
	}
	return nil, ErrNoDataOutput
}

func reverse(b [32]byte) [32]byte {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return b
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeVarInt(buf *bytes.Buffer, v uint64) {
	switch {
	case v < 0xfd:
		buf.WriteByte(byte(v))
	case v <= 0xffff:
		buf.WriteByte(0xfd)
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(v))
		buf.Write(b[:])
	case v <= 0xffffffff:
		buf.WriteByte(0xfe)
		writeU32(buf, uint32(v))
	default:
		buf.WriteByte(0xff)
		writeU64(buf, v)
	}
}

func writeVarBytes(buf *bytes.Buffer, b []byte) {
	writeVarInt(buf, uint64(len(b)))
	buf.Write(b)
}

func writeOutpoint(buf *bytes.Buffer, op domain.Outpoint) {
	internal := reverse(op.TxID)
	buf.Write(internal[:])
	writeU32(buf, op.Vout)
}

func writeOutput(buf *bytes.Buffer, out Output) {
	writeU64(buf, uint64(out.Value))
	writeVarBytes(buf, out.Script)
}

type txReader struct {
	b     []byte
	off   int
	short bool
}

func (r *txReader) next(n int) []byte {
	if r.short || n < 0 || r.off+n > len(r.b) {
		r.short = true
		return make([]byte, max(n, 0))
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *txReader) u32() uint32 { return binary.LittleEndian.Uint32(r.next(4)) }
func (r *txReader) u64() uint64 { return binary.LittleEndian.Uint64(r.next(8)) }

func (r *txReader) varInt() uint64 {
	switch p := r.next(1)[0]; p {
	case 0xfd:
		return uint64(binary.LittleEndian.Uint16(r.next(2)))
	case 0xfe:
		return uint64(r.u32())
	case 0xff:
		return r.u64()
	default:
		return uint64(p)
	}
}

func (r *txReader) varBytes() []byte {
	n := r.varInt()
	if n > uint64(len(r.b)) {
		r.short = true
		return nil
	}
	return append([]byte(nil), r.next(int(n))...)
}
