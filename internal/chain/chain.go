// Package chain defines the boundary between the job pipelines and whatever
// indexer or node actually talks to the BSV network.
package chain

import (
	"context"
	"fmt"

	"github.com/zzenonn/chainstore/internal/domain"
	apperrors "github.com/zzenonn/chainstore/internal/errors"
)

// UTXO is an unspent output locked to an address.
type UTXO = domain.Outpoint

// Adapter is the only way pipelines reach the chain. Implementations classify
// failures with the errors taxonomy: ErrNetwork for anything worth retrying,
// ErrChainRejected for a definitive refusal and ErrTxNotFound when a
// transaction is unknown.
type Adapter interface {
	Broadcast(ctx context.Context, raw []byte) (domain.TxID, error)
	FetchTx(ctx context.Context, id domain.TxID) ([]byte, error)
	Balance(ctx context.Context, address string) (int64, error)
	Unspent(ctx context.Context, address string) ([]UTXO, error)
	FeeRate(ctx context.Context) (float64, error)
}

var ErrTxNotFound = fmt.Errorf("transaction %w", apperrors.ErrNotFound)

// NetworkError wraps err as transient.
func NetworkError(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, apperrors.ErrNetwork, err)
}

// Rejected wraps a definitive refusal from the network.
func Rejected(op, reason string) error {
	return fmt.Errorf("%s: %w: %s", op, apperrors.ErrChainRejected, reason)
}
