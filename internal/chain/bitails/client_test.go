package bitails

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zzenonn/chainstore/internal/chain"
	"github.com/zzenonn/chainstore/internal/chain/bsv"
	"github.com/zzenonn/chainstore/internal/domain"
	apperrors "github.com/zzenonn/chainstore/internal/errors"
)

func sampleTx() []byte {
	tx := &bsv.Tx{
		Version: 1,
		Inputs:  []bsv.Input{{Prev: domain.Outpoint{TxID: domain.TxID{1}}, Sequence: bsv.MaxSequence}},
		Outputs: []bsv.Output{{Script: bsv.DataScript([]byte("t"), []byte("payload"))}},
	}
	return tx.Bytes()
}

func newTestClient(t *testing.T, h http.Handler, fallback string) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:     srv.URL,
		APIKey:      "secret",
		FallbackURL: fallback,
		FeeRate:     0.05,
		CallTimeout: 2 * time.Second,
		RetryBase:   time.Millisecond,
		MaxRetries:  2,
	})
}

func TestBalance(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/address/1abc/balance", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("apikey"))
		_, _ = w.Write([]byte(`{"address":"1abc","confirmed":100,"unconfirmed":50,"summary":150,"count":2}`))
	}), "")

	bal, err := c.Balance(context.Background(), "1abc")
	require.NoError(t, err)
	assert.Equal(t, int64(150), bal)
}

func TestBalance_UnknownAddressIsZero(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler(), "")
	bal, err := c.Balance(context.Background(), "1abc")
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestUnspent(t *testing.T) {
	txid := domain.TxID{0xde, 0xad}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"address": "1abc",
			"unspent": []map[string]any{{"txid": txid.String(), "vout": 2, "satoshis": 700}},
		})
	}), "")

	utxos, err := c.Unspent(context.Background(), "1abc")
	require.NoError(t, err)
	assert.Equal(t, []chain.UTXO{{TxID: txid, Vout: 2, Satoshis: 700}}, utxos)
}

func TestFetchTx(t *testing.T) {
	raw := sampleTx()
	id := bsv.TxIDOf(raw)

	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr error
	}{
		{
			name:    "ok",
			handler: func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write(raw) },
		},
		{
			name:    "not found",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) },
			wantErr: apperrors.ErrNotFound,
		},
		{
			name:    "wrong transaction",
			handler: func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write(append(raw[:len(raw):len(raw)], 0)) },
			wantErr: apperrors.ErrIntegrity,
		},
		{
			name:    "server error",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) },
			wantErr: apperrors.ErrNetwork,
		},
		{
			name:    "bad request",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadRequest) },
			wantErr: apperrors.ErrChainRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.handler, "")
			got, err := c.FetchTx(context.Background(), id)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, raw, got)
		})
	}
}

func TestRetriesOnlyTransientFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCalls int32
	}{
		{"5xx is retried", http.StatusServiceUnavailable, 3},
		{"429 is retried", http.StatusTooManyRequests, 3},
		{"4xx is not retried", http.StatusUnprocessableEntity, 1},
		{"404 is not retried", http.StatusNotFound, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.status)
			}), "")
			_, _ = c.FetchTx(context.Background(), domain.TxID{1})
			assert.Equal(t, tt.wantCalls, atomic.LoadInt32(&calls))
		})
	}
}

func TestRetry_RecoversAfterTransientFailure(t *testing.T) {
	raw := sampleTx()
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(raw)
	}), "")

	got, err := c.FetchTx(context.Background(), bsv.TxIDOf(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, got)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestBroadcast(t *testing.T) {
	raw := sampleTx()
	id := bsv.TxIDOf(raw)

	tests := []struct {
		name    string
		body    string
		status  int
		wantErr error
	}{
		{"json txid", `{"txid":"` + id.String() + `"}`, http.StatusOK, nil},
		{"bare txid", `"` + id.String() + `"`, http.StatusOK, nil},
		{"already known", `{"error":{"code":-27,"message":"Transaction already known"}}`, http.StatusOK, nil},
		{"rejected", `{"error":{"code":-26,"message":"mandatory-script-verify-flag-failed"}}`, http.StatusOK, apperrors.ErrChainRejected},
		{"different txid", `{"txid":"` + domain.TxID{9}.String() + `"}`, http.StatusOK, apperrors.ErrIntegrity},
		{"http 400", `bad tx`, http.StatusBadRequest, apperrors.ErrChainRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/tx/broadcast", r.URL.Path)
				var req map[string]string
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, hex.EncodeToString(raw), req["raw"])
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}), "")

			got, err := c.Broadcast(context.Background(), raw)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, id, got)
		})
	}
}

func TestBroadcast_FallsBack(t *testing.T) {
	raw := sampleTx()
	id := bsv.TxIDOf(raw)

	var fallbackCalls int32
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fallbackCalls, 1)
		assert.Equal(t, "/tx/raw", r.URL.Path)
		assert.Empty(t, r.Header.Get("apikey"), "api key must not leak to the fallback")
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, hex.EncodeToString(raw), req["txhex"])
		_, _ = w.Write([]byte(`"` + id.String() + `"`))
	}))
	t.Cleanup(fallback.Close)

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}), fallback.URL)

	got, err := c.Broadcast(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fallbackCalls))
}

func TestBroadcast_BothFail(t *testing.T) {
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad-txns-inputs-missingorspent"}`))
	}))
	t.Cleanup(fallback.Close)

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"code":-25,"message":"missing inputs"}}`))
	}), fallback.URL)

	_, err := c.Broadcast(context.Background(), sampleTx())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrChainRejected)
	assert.False(t, apperrors.IsTransient(err))
	assert.Contains(t, err.Error(), "missing inputs")
	assert.Contains(t, err.Error(), "missingorspent")
}

func TestCircuitBreaker_OpensAfterRepeatedFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c := New(Config{
		BaseURL:      srv.URL,
		RetryBase:    time.Millisecond,
		BreakerTrips: 2,
		BreakerCool:  time.Hour,
	})

	for i := 0; i < 5; i++ {
		_, err := c.FetchTx(context.Background(), domain.TxID{1})
		assert.True(t, apperrors.IsTransient(err))
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "open breaker short-circuits requests")
}
