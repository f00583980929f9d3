// Package memchain is an in-process chain.Adapter. It validates spends
// against its own UTXO set, so pipelines exercised against it build real,
// parseable transactions. Used by tests and the `--chain memory` dev mode.
package memchain

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/chainstore/internal/chain"
	"github.com/zzenonn/chainstore/internal/chain/bsv"
	"github.com/zzenonn/chainstore/internal/domain"
)

type output struct {
	pkh      [20]byte
	satoshis int64
}

type outKey struct {
	txid domain.TxID
	vout uint32
}

// Chain is safe for concurrent use.
type Chain struct {
	mu      sync.Mutex
	txs     map[domain.TxID][]byte
	utxos   map[outKey]output
	feeRate float64
	funded  uint64

	broadcastHook func(raw []byte) error
}

func New(feeRate float64) *Chain {
	return &Chain{
		txs:     make(map[domain.TxID][]byte),
		utxos:   make(map[outKey]output),
		feeRate: feeRate,
	}
}

// OnBroadcast installs a hook that runs before every broadcast; a non-nil
// error is returned to the caller as is and the tx is dropped.
func (c *Chain) OnBroadcast(hook func(raw []byte) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcastHook = hook
}

// Fund mints a synthetic transaction paying sats to address.
func (c *Chain) Fund(address string, sats int64) (domain.Outpoint, error) {
	script, err := bsv.AddressScript(address)
	if err != nil {
		return domain.Outpoint{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.funded++
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], c.funded)
	tx := &bsv.Tx{
		Version: bsv.TxVersion,
		Inputs: []bsv.Input{{
			Prev:     domain.Outpoint{TxID: domain.TxID(domain.Sum(seed[:])), Vout: 0xffffffff},
			Sequence: bsv.MaxSequence,
		}},
		Outputs: []bsv.Output{{Value: sats, Script: script}},
	}
	raw := tx.Bytes()
	id := bsv.TxIDOf(raw)
	c.txs[id] = raw
	pkh, _ := bsv.PubKeyHashFromScript(script)
	c.utxos[outKey{id, 0}] = output{pkh: pkh, satoshis: sats}

	return domain.Outpoint{TxID: id, Vout: 0, Satoshis: sats}, nil
}

func (c *Chain) Broadcast(_ context.Context, raw []byte) (domain.TxID, error) {
	c.mu.Lock()
	hook := c.broadcastHook
	c.mu.Unlock()
	if hook != nil {
		if err := hook(raw); err != nil {
			return domain.TxID{}, err
		}
	}

	tx, err := bsv.ParseTx(raw)
	if err != nil {
		return domain.TxID{}, chain.Rejected("broadcast", err.Error())
	}
	id := bsv.TxIDOf(raw)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, known := c.txs[id]; known {
		return id, nil
	}

	var in, out int64
	for _, input := range tx.Inputs {
		prev, ok := c.utxos[outKey{input.Prev.TxID, input.Prev.Vout}]
		if !ok {
			return domain.TxID{}, chain.Rejected("broadcast", fmt.Sprintf("missing or spent input %s:%d", input.Prev.TxID, input.Prev.Vout))
		}
		in += prev.satoshis
	}
	for _, o := range tx.Outputs {
		out += o.Value
	}
	if out > in {
		return domain.TxID{}, chain.Rejected("broadcast", fmt.Sprintf("outputs %d exceed inputs %d", out, in))
	}
	if minFee := int64(float64(len(raw)) * c.feeRate); in-out < minFee {
		return domain.TxID{}, chain.Rejected("broadcast", fmt.Sprintf("fee %d below minimum %d", in-out, minFee))
	}

	for _, input := range tx.Inputs {
		delete(c.utxos, outKey{input.Prev.TxID, input.Prev.Vout})
	}
	for i, o := range tx.Outputs {
		if pkh, ok := bsv.PubKeyHashFromScript(o.Script); ok && o.Value > 0 {
			c.utxos[outKey{id, uint32(i)}] = output{pkh: pkh, satoshis: o.Value}
		}
	}
	c.txs[id] = append([]byte(nil), raw...)

	log.WithField("txid", id).Debug("memchain accepted transaction")
	return id, nil
}

func (c *Chain) FetchTx(_ context.Context, id domain.TxID) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.txs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, chain.ErrTxNotFound)
	}
	return append([]byte(nil), raw...), nil
}

func (c *Chain) Balance(ctx context.Context, address string) (int64, error) {
	utxos, err := c.Unspent(ctx, address)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, u := range utxos {
		sum += u.Satoshis
	}
	return sum, nil
}

func (c *Chain) Unspent(_ context.Context, address string) ([]chain.UTXO, error) {
	_, pkh, err := bsv.DecodeAddress(address)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []chain.UTXO
	for k, o := range c.utxos {
		if o.pkh == pkh {
			out = append(out, chain.UTXO{TxID: k.txid, Vout: k.vout, Satoshis: o.satoshis})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TxID != out[j].TxID {
			return out[i].TxID.String() < out[j].TxID.String()
		}
		return out[i].Vout < out[j].Vout
	})
	return out, nil
}

func (c *Chain) FeeRate(context.Context) (float64, error) {
	return c.feeRate, nil
}

// Replace swaps the stored bytes of a known transaction. Tests use it to
// simulate a lying indexer.
func (c *Chain) Replace(id domain.TxID, raw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txs[id] = append([]byte(nil), raw...)
}

// Forget drops a transaction so FetchTx reports it missing.
func (c *Chain) Forget(id domain.TxID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.txs, id)
}
