package metrics

import (
	"context"
	"time"

	"github.com/zzenonn/chainstore/internal/chain"
	"github.com/zzenonn/chainstore/internal/domain"
)

// InstrumentedAdapter times every call to the wrapped adapter.
type InstrumentedAdapter struct {
	next chain.Adapter
	c    *Collector
}

var _ chain.Adapter = (*InstrumentedAdapter)(nil)

func InstrumentAdapter(next chain.Adapter, c *Collector) *InstrumentedAdapter {
	return &InstrumentedAdapter{next: next, c: c}
}

func (a *InstrumentedAdapter) Broadcast(ctx context.Context, raw []byte) (domain.TxID, error) {
	start := time.Now()
	id, err := a.next.Broadcast(ctx, raw)
	a.c.chainCall("broadcast", start, err)
	if err == nil && a.c != nil {
		a.c.broadcastBytes.Add(float64(len(raw)))
	}
	return id, err
}

func (a *InstrumentedAdapter) FetchTx(ctx context.Context, id domain.TxID) ([]byte, error) {
	start := time.Now()
	raw, err := a.next.FetchTx(ctx, id)
	a.c.chainCall("fetch_tx", start, err)
	return raw, err
}

func (a *InstrumentedAdapter) Balance(ctx context.Context, address string) (int64, error) {
	start := time.Now()
	sats, err := a.next.Balance(ctx, address)
	a.c.chainCall("balance", start, err)
	return sats, err
}

func (a *InstrumentedAdapter) Unspent(ctx context.Context, address string) ([]chain.UTXO, error) {
	start := time.Now()
	utxos, err := a.next.Unspent(ctx, address)
	a.c.chainCall("unspent", start, err)
	return utxos, err
}

func (a *InstrumentedAdapter) FeeRate(ctx context.Context) (float64, error) {
	start := time.Now()
	rate, err := a.next.FeeRate(ctx)
	a.c.chainCall("fee_rate", start, err)
	return rate, err
}
