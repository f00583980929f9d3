package chain

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/chainstore/internal/domain"
)

// CachedAdapter memoizes FetchTx. Confirmed or not, a transaction's bytes
// never change once it has an id, so entries are never invalidated.
type CachedAdapter struct {
	Adapter
	txs *lru.Cache[domain.TxID, []byte]
}

// NewCachedAdapter wraps next with an LRU of at most size transactions.
func NewCachedAdapter(next Adapter, size int) (*CachedAdapter, error) {
	cache, err := lru.New[domain.TxID, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create tx cache: %w", err)
	}
	return &CachedAdapter{Adapter: next, txs: cache}, nil
}

func (c *CachedAdapter) FetchTx(ctx context.Context, id domain.TxID) ([]byte, error) {
	if raw, ok := c.txs.Get(id); ok {
		log.WithField("txid", id).Trace("tx cache hit")
		return append([]byte(nil), raw...), nil
	}
	raw, err := c.Adapter.FetchTx(ctx, id)
	if err != nil {
		return nil, err
	}
	c.txs.Add(id, append([]byte(nil), raw...))
	return raw, nil
}

// Broadcast also seeds the cache so a job that reads back what it just wrote
// does not hit the network.
func (c *CachedAdapter) Broadcast(ctx context.Context, raw []byte) (domain.TxID, error) {
	id, err := c.Adapter.Broadcast(ctx, raw)
	if err != nil {
		return id, err
	}
	c.txs.Add(id, append([]byte(nil), raw...))
	return id, nil
}
