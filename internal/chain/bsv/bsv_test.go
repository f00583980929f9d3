package bsv

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zzenonn/chainstore/internal/domain"
	apperrors "github.com/zzenonn/chainstore/internal/errors"
)

func keyOne(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	raw := make([]byte, 32)
	raw[31] = 1
	key, _ := btcec.PrivKeyFromBytes(raw)
	return key
}

func TestPushData_Boundaries(t *testing.T) {
	tests := []struct {
		n      int
		prefix []byte
	}{
		{1, []byte{0x01}},
		{75, []byte{75}},
		{76, []byte{OpPushData1, 76}},
		{255, []byte{OpPushData1, 0xff}},
		{256, []byte{OpPushData2, 0x00, 0x01}},
		{65536, []byte{OpPushData4, 0x00, 0x00, 0x01, 0x00}},
	}

	for _, tt := range tests {
		data := bytes.Repeat([]byte{0xab}, tt.n)
		script := PushData(nil, data)
		assert.Equal(t, tt.prefix, script[:len(tt.prefix)], "n=%d", tt.n)
		assert.Len(t, script, len(tt.prefix)+tt.n)

		got, next, ok := readPush(script, 0)
		require.True(t, ok)
		assert.Equal(t, len(script), next)
		assert.Equal(t, data, got)
	}
}

func TestDataScript_RoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 70_000)
	script := DataScript([]byte("tag"), payload)
	assert.Equal(t, []byte{OpFalse, OpReturn}, script[:2])

	parts, ok := ParseDataScript(script)
	require.True(t, ok)
	require.Len(t, parts, 2)
	assert.Equal(t, []byte("tag"), parts[0])
	assert.Equal(t, payload, parts[1])
}

func TestParseDataScript_Rejects(t *testing.T) {
	var pkh [20]byte
	tests := map[string][]byte{
		"p2pkh":          P2PKHScript(pkh),
		"bare op_return": {OpReturn, 0x01, 0x02},
		"truncated push": {OpFalse, OpReturn, 0x05, 0x01},
		"non push op":    {OpFalse, OpReturn, OpDup},
	}
	for name, script := range tests {
		t.Run(name, func(t *testing.T) {
			_, ok := ParseDataScript(script)
			assert.False(t, ok)
		})
	}
}

func TestAddress_KnownKey(t *testing.T) {
	key := keyOne(t)
	addr := EncodeAddress(MainNetP2PKH, Hash160(key.PubKey().SerializeCompressed()))
	assert.Equal(t, "1BgGZ9tcN4rm9KBzDn7KprQz87SZ26SAMH", addr)

	version, pkh, err := DecodeAddress(addr)
	require.NoError(t, err)
	assert.Equal(t, MainNetP2PKH, version)
	assert.Equal(t, Hash160(key.PubKey().SerializeCompressed()), pkh)
}

func TestDecodeAddress_BadChecksum(t *testing.T) {
	_, _, err := DecodeAddress("1BgGZ9tcN4rm9KBzDn7KprQz87SZ26SAMJ")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestTxIDOf_DisplayOrder(t *testing.T) {
	// genesis coinbase transaction
	raw, err := hex.DecodeString("01000000010000000000000000000000000000000000000000000000000000000000000000ffffffff4d04ffff001d0104455468652054696d65732030332f4a616e2f32303039204368616e63656c6c6f72206f6e206272696e6b206f66207365636f6e64206261696c6f757420666f722062616e6b73ffffffff0100f2052a01000000434104678afdb0fe5548271967f1a67130b7105cd6a828e03909a67962e0ea1f61deb649f6bc3f4cef38c4f35504e51ec112de5c384df7ba0b8d578a4c702b6bf11d5fac00000000")
	require.NoError(t, err)

	assert.Equal(t, "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b", TxIDOf(raw).String())

	tx, err := ParseTx(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, tx.Bytes())
	assert.Equal(t, int64(50_0000_0000), tx.Outputs[0].Value)
}

func TestParseTx_Malformed(t *testing.T) {
	_, err := ParseTx([]byte{0x01, 0x00})
	assert.ErrorIs(t, err, ErrMalformedTx)

	tx := &Tx{Version: 1, Outputs: []Output{{Value: 1, Script: []byte{OpReturn}}}}
	raw := append(tx.Bytes(), 0x00)
	_, err = ParseTx(raw)
	assert.ErrorIs(t, err, ErrMalformedTx)
}

func TestBuildDataTx_SignsAndExtracts(t *testing.T) {
	key := keyOne(t)
	funding := []domain.Outpoint{
		{TxID: domain.TxID(domain.Sum([]byte("a"))), Vout: 0, Satoshis: 600},
		{TxID: domain.TxID(domain.Sum([]byte("b"))), Vout: 3, Satoshis: 400},
	}
	payload := []byte("hello chunk")

	built, err := BuildDataTx(DataTx{Key: key, Funding: funding, Tag: []byte("cs"), Payload: payload, FeeRate: 0.5})
	require.NoError(t, err)
	require.NotNil(t, built.Change)

	assert.Equal(t, TxIDOf(built.Raw), built.ID)
	assert.Equal(t, built.ID, built.Change.TxID)
	assert.Equal(t, int64(1000)-built.Fee, built.Change.Satoshis)
	assert.LessOrEqual(t, float64(len(built.Raw))*0.5, float64(built.Fee), "fee covers the real size")

	got, err := ExtractData(built.Raw, []byte("cs"))
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = ExtractData(built.Raw, []byte("other"))
	assert.ErrorIs(t, err, ErrNoDataOutput)

	// every input signature verifies against the BIP143 digest
	tx, err := ParseTx(built.Raw)
	require.NoError(t, err)
	lock := P2PKHScript(Hash160(key.PubKey().SerializeCompressed()))
	for i := range tx.Inputs {
		tx.Inputs[i].Prev.Satoshis = funding[i].Satoshis
		tx.Inputs[i].PrevScript = lock
	}
	for i, in := range tx.Inputs {
		der, next, ok := readPush(in.Script, 0)
		require.True(t, ok)
		pub, _, ok := readPush(in.Script, next)
		require.True(t, ok)
		assert.Equal(t, byte(SigHashAllForkID), der[len(der)-1])

		sig, err := ecdsa.ParseDERSignature(der[:len(der)-1])
		require.NoError(t, err)
		pk, err := btcec.ParsePubKey(pub)
		require.NoError(t, err)
		assert.True(t, sig.Verify(tx.SigHash(i, SigHashAllForkID), pk), "input %d", i)
	}
}

func TestBuildDataTx_Deterministic(t *testing.T) {
	p := DataTx{
		Key:     keyOne(t),
		Funding: []domain.Outpoint{{TxID: domain.TxID(domain.Sum([]byte("a"))), Satoshis: 5000}},
		Tag:     []byte("cs"),
		Payload: []byte("same"),
		FeeRate: 1,
	}
	a, err := BuildDataTx(p)
	require.NoError(t, err)
	b, err := BuildDataTx(p)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
}

func TestBuildDataTx_InsufficientFunds(t *testing.T) {
	_, err := BuildDataTx(DataTx{
		Key:     keyOne(t),
		Funding: []domain.Outpoint{{Satoshis: 10}},
		Tag:     []byte("cs"),
		Payload: bytes.Repeat([]byte{1}, 1000),
		FeeRate: 1,
	})
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
	assert.ErrorIs(t, err, apperrors.ErrChainRejected)

	_, err = BuildDataTx(DataTx{Key: keyOne(t), Tag: []byte("cs"), FeeRate: 1})
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
}

func TestDataTxFee_MatchesBuild(t *testing.T) {
	key := keyOne(t)
	for _, inputs := range []int{1, 2, 5} {
		for _, size := range []int{0, 75, 76, 255, 256, 70000} {
			var funding []domain.Outpoint
			for i := 0; i < inputs; i++ {
				funding = append(funding, domain.Outpoint{TxID: domain.TxID{byte(i + 1)}, Vout: uint32(i), Satoshis: 100_000})
			}
			built, err := BuildDataTx(DataTx{Key: key, Funding: funding, Tag: []byte("cs"), Payload: make([]byte, size), FeeRate: 0.5})
			require.NoError(t, err)
			assert.Equal(t, DataTxFee(inputs, []byte("cs"), size, 0.5), built.Fee, "%d inputs, %d bytes", inputs, size)
		}
	}

	assert.Greater(t, DataTxFee(3, []byte("cs"), 10, 1), DataTxFee(1, []byte("cs"), 10, 1), "every input is paid for")
}
