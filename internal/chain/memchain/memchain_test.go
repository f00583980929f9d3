package memchain

import (
	"bytes"
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zzenonn/chainstore/internal/chain"
	"github.com/zzenonn/chainstore/internal/chain/bsv"
	"github.com/zzenonn/chainstore/internal/domain"
	apperrors "github.com/zzenonn/chainstore/internal/errors"
	"github.com/zzenonn/chainstore/internal/wallet"
)

func testKey(t *testing.T) (*btcec.PrivateKey, string) {
	t.Helper()
	w, err := wallet.New(bytes.Repeat([]byte{7}, 32), wallet.MainNet)
	require.NoError(t, err)
	key, err := w.PrivateKey("job")
	require.NoError(t, err)
	return key, wallet.AddressOf(key, wallet.MainNet)
}

func TestChain_ChangeChainedSpends(t *testing.T) {
	ctx := context.Background()
	c := New(0.5)
	key, addr := testKey(t)

	_, err := c.Fund(addr, 2000)
	require.NoError(t, err)
	bal, err := c.Balance(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), bal)

	funding, err := c.Unspent(ctx, addr)
	require.NoError(t, err)

	first, err := bsv.BuildDataTx(bsv.DataTx{Key: key, Funding: funding, Tag: []byte("t"), Payload: []byte("one"), FeeRate: 0.5})
	require.NoError(t, err)
	id, err := c.Broadcast(ctx, first.Raw)
	require.NoError(t, err)
	assert.Equal(t, first.ID, id)

	bal, err = c.Balance(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, first.Change.Satoshis, bal)

	second, err := bsv.BuildDataTx(bsv.DataTx{Key: key, Funding: []domain.Outpoint{*first.Change}, Tag: []byte("t"), Payload: []byte("two"), FeeRate: 0.5})
	require.NoError(t, err)
	_, err = c.Broadcast(ctx, second.Raw)
	require.NoError(t, err)

	raw, err := c.FetchTx(ctx, second.ID)
	require.NoError(t, err)
	data, err := bsv.ExtractData(raw, []byte("t"))
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)

	// rebroadcast of a known tx is accepted
	id, err = c.Broadcast(ctx, first.Raw)
	require.NoError(t, err)
	assert.Equal(t, first.ID, id)
}

func TestChain_RejectsDoubleSpend(t *testing.T) {
	ctx := context.Background()
	c := New(0.5)
	key, addr := testKey(t)

	op, err := c.Fund(addr, 1000)
	require.NoError(t, err)

	a, err := bsv.BuildDataTx(bsv.DataTx{Key: key, Funding: []domain.Outpoint{op}, Tag: []byte("t"), Payload: []byte("a"), FeeRate: 0.5})
	require.NoError(t, err)
	b, err := bsv.BuildDataTx(bsv.DataTx{Key: key, Funding: []domain.Outpoint{op}, Tag: []byte("t"), Payload: []byte("b"), FeeRate: 0.5})
	require.NoError(t, err)

	_, err = c.Broadcast(ctx, a.Raw)
	require.NoError(t, err)
	_, err = c.Broadcast(ctx, b.Raw)
	assert.ErrorIs(t, err, apperrors.ErrChainRejected)
}

func TestChain_FetchMissing(t *testing.T) {
	_, err := New(1).FetchTx(context.Background(), domain.TxID{1})
	assert.ErrorIs(t, err, chain.ErrTxNotFound)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestChain_BroadcastHook(t *testing.T) {
	c := New(1)
	c.OnBroadcast(func([]byte) error { return chain.NetworkError("broadcast", assert.AnError) })

	_, err := c.Broadcast(context.Background(), []byte{0})
	assert.True(t, apperrors.IsTransient(err))
}
