package bsv

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // address format is fixed by the network

	apperrors "github.com/zzenonn/chainstore/internal/errors"
)

const (
	MainNetP2PKH byte = 0x00
	TestNetP2PKH byte = 0x6f
)

// Hash160 is RIPEMD160(SHA256(b)).
func Hash160(b []byte) [20]byte {
	sha := sha256.Sum256(b)
	h := ripemd160.New()
	h.Write(sha[:])
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

// CheckEncode is base58check: payload followed by the first four bytes of its
// double SHA-256.
func CheckEncode(payload []byte) string {
	sum := chainhash.DoubleHashB(payload)
	return base58.Encode(append(append([]byte(nil), payload...), sum[:4]...))
}

// CheckDecode reverses CheckEncode and verifies the checksum.
func CheckDecode(s string) ([]byte, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, apperrors.Validationf("invalid base58: %v", err)
	}
	if len(raw) < 5 {
		return nil, apperrors.Validationf("base58check string too short")
	}
	payload, sum := raw[:len(raw)-4], raw[len(raw)-4:]
	if !bytes.Equal(chainhash.DoubleHashB(payload)[:4], sum) {
		return nil, apperrors.Validationf("base58check checksum mismatch")
	}
	return payload, nil
}

// EncodeAddress renders a P2PKH address for the given version byte.
func EncodeAddress(version byte, pkh [20]byte) string {
	return CheckEncode(append([]byte{version}, pkh[:]...))
}

// DecodeAddress returns the version byte and hash of a P2PKH address.
func DecodeAddress(addr string) (byte, [20]byte, error) {
	var pkh [20]byte
	payload, err := CheckDecode(addr)
	if err != nil {
		return 0, pkh, fmt.Errorf("address %q: %w", addr, err)
	}
	if len(payload) != 21 {
		return 0, pkh, apperrors.Validationf("address %q has %d byte payload", addr, len(payload))
	}
	copy(pkh[:], payload[1:])
	return payload[0], pkh, nil
}

// AddressScript returns the P2PKH locking script of addr.
func AddressScript(addr string) ([]byte, error) {
	_, pkh, err := DecodeAddress(addr)
	if err != nil {
		return nil, err
	}
	return P2PKHScript(pkh), nil
}
