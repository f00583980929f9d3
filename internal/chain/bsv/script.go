// Package bsv builds and parses the small subset of BSV transactions the
// pipelines need: P2PKH spends carrying one OP_FALSE OP_RETURN data output.
package bsv

import (
	"encoding/binary"
)

const (
	OpFalse       = 0x00
	OpPushData1   = 0x4c
	OpPushData2   = 0x4d
	OpPushData4   = 0x4e
	OpReturn      = 0x6a
	OpDup         = 0x76
	OpEqualVerify = 0x88
	OpHash160     = 0xa9
	OpCheckSig    = 0xac
)

// PushData appends the minimal push of data to script.
func PushData(script, data []byte) []byte {
	n := len(data)
	switch {
	case n == 0:
		script = append(script, OpFalse)
	case n < OpPushData1:
		script = append(script, byte(n))
	case n <= 0xff:
		script = append(script, OpPushData1, byte(n))
	case n <= 0xffff:
		script = append(script, OpPushData2, 0, 0)
		binary.LittleEndian.PutUint16(script[len(script)-2:], uint16(n))
	default:
		script = append(script, OpPushData4, 0, 0, 0, 0)
		binary.LittleEndian.PutUint32(script[len(script)-4:], uint32(n))
	}
	return append(script, data...)
}

// DataScript is an unspendable OP_FALSE OP_RETURN output pushing each part.
func DataScript(parts ...[]byte) []byte {
	size := 2
	for _, p := range parts {
		size += 5 + len(p)
	}
	script := make([]byte, 0, size)
	script = append(script, OpFalse, OpReturn)
	for _, p := range parts {
		script = PushData(script, p)
	}
	return script
}

// ParseDataScript returns the pushes of an OP_FALSE OP_RETURN script. ok is
// false for any other script, including ones with non-push opcodes after the
// marker.
func ParseDataScript(script []byte) (parts [][]byte, ok bool) {
	if len(script) < 2 || script[0] != OpFalse || script[1] != OpReturn {
		return nil, false
	}
	pos := 2
	for pos < len(script) {
		data, next, ok := readPush(script, pos)
		if !ok {
			return nil, false
		}
		parts = append(parts, data)
		pos = next
	}
	return parts, true
}

func readPush(script []byte, pos int) ([]byte, int, bool) {
	op := script[pos]
	pos++

	var n int
	switch {
	case op == OpFalse:
		return []byte{}, pos, true
	case op < OpPushData1:
		n = int(op)
	case op == OpPushData1:
		if pos+1 > len(script) {
			return nil, 0, false
		}
		n = int(script[pos])
		pos++
	case op == OpPushData2:
		if pos+2 > len(script) {
			return nil, 0, false
		}
		n = int(binary.LittleEndian.Uint16(script[pos:]))
		pos += 2
	case op == OpPushData4:
		if pos+4 > len(script) {
			return nil, 0, false
		}
		n = int(binary.LittleEndian.Uint32(script[pos:]))
		pos += 4
	default:
		return nil, 0, false
	}

	if n < 0 || pos+n > len(script) {
		return nil, 0, false
	}
	return script[pos : pos+n], pos + n, true
}

// P2PKHScript locks an output to a public key hash.
func P2PKHScript(pkh [20]byte) []byte {
	script := make([]byte, 0, 25)
	script = append(script, OpDup, OpHash160, 20)
	script = append(script, pkh[:]...)
	return append(script, OpEqualVerify, OpCheckSig)
}

// PubKeyHashFromScript extracts the hash from a P2PKH locking script.
func PubKeyHashFromScript(script []byte) ([20]byte, bool) {
	var pkh [20]byte
	if len(script) != 25 || script[0] != OpDup || script[1] != OpHash160 || script[2] != 20 ||
		script[23] != OpEqualVerify || script[24] != OpCheckSig {
		return pkh, false
	}
	copy(pkh[:], script[3:23])
	return pkh, true
}
