// Package wallet derives one payment key per job from a master seed, so a
// job's address can be recomputed after a restart without storing keys.
package wallet

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/zzenonn/chainstore/internal/chain/bsv"
	apperrors "github.com/zzenonn/chainstore/internal/errors"
)

const (
	MinSeedLen = 16

	wifMainNet = 0x80
	wifTestNet = 0xef
)

type Network string

const (
	MainNet Network = "mainnet"
	TestNet Network = "testnet"
)

// Wallet is safe for concurrent use; it holds no mutable state.
type Wallet struct {
	seed    []byte
	network Network
}

func New(seed []byte, network Network) (*Wallet, error) {
	if len(seed) < MinSeedLen {
		return nil, apperrors.Validationf("wallet seed must be at least %d bytes, got %d", MinSeedLen, len(seed))
	}
	if network == "" {
		network = MainNet
	}
	if network != MainNet && network != TestNet {
		return nil, apperrors.Validationf("unknown network %q", network)
	}
	return &Wallet{seed: append([]byte(nil), seed...), network: network}, nil
}

// ParseSeed decodes a hex encoded master seed.
func ParseSeed(s string) ([]byte, error) {
	seed, err := hex.DecodeString(s)
	if err != nil {
		return nil, apperrors.Validationf("wallet seed is not hex: %v", err)
	}
	return seed, nil
}

// PrivateKey derives the key for jobID as HMAC-SHA256(seed, jobID). The
// counter only moves in the astronomically unlikely case the digest is not a
// valid scalar.
func (w *Wallet) PrivateKey(jobID string) (*btcec.PrivateKey, error) {
	if jobID == "" {
		return nil, apperrors.Validationf("job id is required to derive a key")
	}
	for counter := uint32(0); counter < 16; counter++ {
		mac := hmac.New(sha256.New, w.seed)
		mac.Write([]byte(jobID))
		if counter > 0 {
			var c [4]byte
			binary.BigEndian.PutUint32(c[:], counter)
			mac.Write(c[:])
		}
		d := mac.Sum(nil)
		if n := new(big.Int).SetBytes(d); n.Sign() == 0 || n.Cmp(btcec.S256().N) >= 0 {
			continue
		}
		key, _ := btcec.PrivKeyFromBytes(d)
		return key, nil
	}
	return nil, fmt.Errorf("failed to derive key for job %s", jobID)
}

// Address is the P2PKH address the job's payment must be sent to.
func (w *Wallet) Address(jobID string) (string, error) {
	key, err := w.PrivateKey(jobID)
	if err != nil {
		return "", err
	}
	return AddressOf(key, w.network), nil
}

// WIF exports the job key, e.g. to sweep leftover change by hand.
func (w *Wallet) WIF(jobID string) (string, error) {
	key, err := w.PrivateKey(jobID)
	if err != nil {
		return "", err
	}
	return EncodeWIF(key, w.network), nil
}

func AddressOf(key *btcec.PrivateKey, network Network) string {
	version := bsv.MainNetP2PKH
	if network == TestNet {
		version = bsv.TestNetP2PKH
	}
	return bsv.EncodeAddress(version, bsv.Hash160(key.PubKey().SerializeCompressed()))
}

// EncodeWIF renders key in compressed wallet import format.
func EncodeWIF(key *btcec.PrivateKey, network Network) string {
	prefix := byte(wifMainNet)
	if network == TestNet {
		prefix = wifTestNet
	}
	payload := make([]byte, 0, 34)
	payload = append(payload, prefix)
	payload = append(payload, key.Serialize()...)
	payload = append(payload, 0x01)
	return bsv.CheckEncode(payload)
}

// DecodeWIF parses a compressed or uncompressed WIF string.
func DecodeWIF(s string) (*btcec.PrivateKey, Network, error) {
	payload, err := bsv.CheckDecode(s)
	if err != nil {
		return nil, "", err
	}
	if len(payload) != 33 && !(len(payload) == 34 && payload[33] == 0x01) {
		return nil, "", apperrors.Validationf("wif has unexpected length %d", len(payload))
	}

	var network Network
	switch payload[0] {
	case wifMainNet:
		network = MainNet
	case wifTestNet:
		network = TestNet
	default:
		return nil, "", apperrors.Validationf("wif has unknown prefix 0x%02x", payload[0])
	}
	key, _ := btcec.PrivKeyFromBytes(payload[1:33])
	return key, network, nil
}
