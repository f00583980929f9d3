package bsv

import (
	"bytes"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/zzenonn/chainstore/internal/domain"
	apperrors "github.com/zzenonn/chainstore/internal/errors"
)

// SigHashAllForkID is SIGHASH_ALL with the BSV fork id bit.
const SigHashAllForkID = 0x41

// a DER signature plus hash type is at most 73 bytes, a compressed key 33
const maxUnlockingScriptSize = 1 + 73 + 1 + 33

// SigHash is the BIP143 digest input i signs over.
func (tx *Tx) SigHash(i int, hashType uint32) []byte {
	var prevouts, sequences, outputs bytes.Buffer
	for _, in := range tx.Inputs {
		writeOutpoint(&prevouts, in.Prev)
		writeU32(&sequences, in.Sequence)
	}
	for _, out := range tx.Outputs {
		writeOutput(&outputs, out)
	}

	in := tx.Inputs[i]
	var pre bytes.Buffer
	writeU32(&pre, tx.Version)
	pre.Write(chainhash.DoubleHashB(prevouts.Bytes()))
	pre.Write(chainhash.DoubleHashB(sequences.Bytes()))
	writeOutpoint(&pre, in.Prev)
	writeVarBytes(&pre, in.PrevScript)
	writeU64(&pre, uint64(in.Prev.Satoshis))
	writeU32(&pre, in.Sequence)
	pre.Write(chainhash.DoubleHashB(outputs.Bytes()))
	writeU32(&pre, tx.LockTime)
	writeU32(&pre, hashType)

	return chainhash.DoubleHashB(pre.Bytes())
}

// SignP2PKH fills every input's unlocking script. All inputs must be locked to
// key. Signatures are RFC6979 deterministic, so signing the same tx twice
// yields the same bytes and the same txid.
func (tx *Tx) SignP2PKH(key *btcec.PrivateKey) {
	pub := key.PubKey().SerializeCompressed()
	for i := range tx.Inputs {
		sig := ecdsa.Sign(key, tx.SigHash(i, SigHashAllForkID))
		der := append(sig.Serialize(), SigHashAllForkID)

		script := make([]byte, 0, maxUnlockingScriptSize)
		script = PushData(script, der)
		script = PushData(script, pub)
		tx.Inputs[i].Script = script
	}
}

// DataTx describes one chunk or manifest transaction.
type DataTx struct {
	Key     *btcec.PrivateKey
	Funding []domain.Outpoint
	Tag     []byte
	Payload []byte
	FeeRate float64 // satoshis per byte
}

// Built is a signed transaction ready to broadcast. Change is nil when the
// inputs were consumed exactly.
type Built struct {
	Raw    []byte
	ID     domain.TxID
	Fee    int64
	Change *domain.Outpoint
}

// DataTxFee is the fee BuildDataTx charges for spending inputs outputs into a
// data output of payloadLen bytes plus change. The size assumes the largest
// unlocking script, so the fee does not depend on the signatures.
func DataTxFee(inputs int, tag []byte, payloadLen int, feeRate float64) int64 {
	tx := &Tx{Version: TxVersion}
	for i := 0; i < inputs; i++ {
		tx.Inputs = append(tx.Inputs, Input{Script: make([]byte, maxUnlockingScriptSize), Sequence: MaxSequence})
	}
	tx.Outputs = []Output{
		{Script: DataScript(tag, make([]byte, payloadLen))},
		{Script: P2PKHScript([20]byte{})},
	}
	return int64(math.Ceil(float64(len(tx.Bytes())) * feeRate))
}

// BuildDataTx spends all of p.Funding into one data output plus change back
// to the key's own address.
func BuildDataTx(p DataTx) (Built, error) {
	if p.Key == nil {
		return Built{}, apperrors.Validationf("signing key is required")
	}
	if len(p.Funding) == 0 {
		return Built{}, fmt.Errorf("%w: no funding outputs", apperrors.ErrInsufficientFunds)
	}

	lock := P2PKHScript(Hash160(p.Key.PubKey().SerializeCompressed()))
	tx := &Tx{Version: TxVersion}

	var in int64
	for _, f := range p.Funding {
		in += f.Satoshis
		tx.Inputs = append(tx.Inputs, Input{
			Prev:       f,
			PrevScript: lock,
			Sequence:   MaxSequence,
		})
	}
	tx.Outputs = []Output{
		{Value: 0, Script: DataScript(p.Tag, p.Payload)},
		{Value: 0, Script: lock},
	}

	fee := DataTxFee(len(p.Funding), p.Tag, len(p.Payload), p.FeeRate)
	change := in - fee
	switch {
	case change < 0:
		return Built{}, fmt.Errorf("%w: have %d sat, need %d", apperrors.ErrInsufficientFunds, in, fee)
	case change == 0:
		tx.Outputs = tx.Outputs[:1]
	default:
		tx.Outputs[1].Value = change
	}

	tx.SignP2PKH(p.Key)
	raw := tx.Bytes()
	id := TxIDOf(raw)

	b := Built{Raw: raw, ID: id, Fee: fee}
	if change > 0 {
		b.Change = &domain.Outpoint{TxID: id, Vout: 1, Satoshis: change}
	}
	return b, nil
}
