package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// TxID identifies a transaction. Bytes are kept in display order, i.e. the
// order of the familiar 64 character hex string.
type TxID [32]byte

// Digest is a SHA-256 hash.
type Digest [32]byte

// ParseTxID parses a 64 character hex transaction id.
func ParseTxID(s string) (TxID, error) {
	var id TxID
	s = strings.TrimSpace(s)
	if len(s) != 64 {
		return id, fmt.Errorf("txid must be 64 hex characters, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("txid is not hex: %w", err)
	}
	copy(id[:], b)
	return id, nil
}

func (id TxID) String() string {
	return hex.EncodeToString(id[:])
}

func (id TxID) IsZero() bool {
	return id == TxID{}
}

// MarshalText lets TxID serialize as hex in JSON and DynamoDB items.
func (id TxID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *TxID) UnmarshalText(b []byte) error {
	parsed, err := ParseTxID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Sum returns the SHA-256 digest of b.
func Sum(b []byte) Digest {
	return Digest(sha256.Sum256(b))
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Digest) UnmarshalText(b []byte) error {
	raw, err := hex.DecodeString(string(b))
	if err != nil {
		return fmt.Errorf("digest is not hex: %w", err)
	}
	if len(raw) != len(d) {
		return fmt.Errorf("digest must be %d bytes, got %d", len(d), len(raw))
	}
	copy(d[:], raw)
	return nil
}
