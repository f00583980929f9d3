package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		kind     JobKind
		from, to JobState
		want     bool
	}{
		{KindUpload, StateQuoted, StateAwaitingPayment, true},
		{KindUpload, StateQuoted, StateChunking, false},
		{KindUpload, StateAwaitingPayment, StateExpired, true},
		{KindUpload, StateChunking, StateExpired, false},
		{KindUpload, StatePaymentDetected, StateAwaitingPayment, true},
		{KindUpload, StateChunking, StateAwaitingPayment, false},
		{KindUpload, StateBroadcastingChunks, StateBroadcastingChunks, true},
		{KindUpload, StateBroadcastingManifest, StateCompleted, true},
		{KindUpload, StateBroadcastingChunks, StateFailed, true},
		{KindUpload, StateSubmitted, StateFetchingManifest, false},
		{KindDownload, StateSubmitted, StateFetchingManifest, true},
		{KindDownload, StateFetchingChunks, StateReassembling, true},
		{KindDownload, StateFetchingChunks, StateCompleted, false},
		{KindDownload, StateAwaitingPayment, StatePaymentDetected, false},
		{KindDownload, StateReassembling, StateFailed, true},
		{KindUpload, StateCompleted, StateFailed, false},
		{KindUpload, StateFailed, StateFailed, false},
		{KindDownload, StateExpired, StateSubmitted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind)+"/"+string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.kind, tt.from, tt.to))
		})
	}
}

func TestInitialState(t *testing.T) {
	assert.Equal(t, StateQuoted, InitialState(KindUpload))
	assert.Equal(t, StateSubmitted, InitialState(KindDownload))
}

func TestApply(t *testing.T) {
	deadline := time.Date(2025, 9, 1, 13, 0, 0, 0, time.UTC)
	j := Job{
		Message:  "old",
		Funding:  []Outpoint{{Vout: 1, Satoshis: 10}},
		Locators: []Locator{{Index: 0}},
	}
	before := j.Locators

	JobUpdate{
		Message:         Ptr("new"),
		PaymentDeadline: &deadline,
		AmountDue:       Ptr(int64(900)),
		FeeRate:         Ptr(0.25),
		AppendLocator:   &Locator{Index: 1},
	}.Apply(&j)

	assert.Equal(t, "new", j.Message)
	assert.Equal(t, int64(900), j.AmountDue)
	assert.Equal(t, 0.25, j.FeeRate)
	assert.Equal(t, deadline, j.PaymentDeadline)
	assert.Len(t, j.Locators, 2)
	assert.Len(t, before, 1, "appending does not alias the old slice")
	assert.Len(t, j.Funding, 1, "nil Funding leaves funding alone")

	JobUpdate{Funding: []Outpoint{}}.Apply(&j)
	assert.Empty(t, j.Funding, "empty non-nil Funding clears it")
	assert.Equal(t, "new", j.Message)
}

func TestParseTxID(t *testing.T) {
	id, err := ParseTxID("00000000000000000000000000000000000000000000000000000000000000ff")
	assert.NoError(t, err)
	assert.False(t, id.IsZero())
	assert.Equal(t, "00000000000000000000000000000000000000000000000000000000000000ff", id.String())

	_, err = ParseTxID("xyz")
	assert.Error(t, err)
	assert.True(t, TxID{}.IsZero())
}

func TestJob_CompletedChunks(t *testing.T) {
	tests := []struct {
		name string
		job  Job
		want int
	}{
		{"upload counts locators", Job{Kind: KindUpload, State: StateBroadcastingChunks, ChunkCount: 3, Locators: []Locator{{Index: 0}}}, 1},
		{"download still fetching", Job{Kind: KindDownload, State: StateFetchingChunks, ChunkCount: 3}, 0},
		{"download fetched", Job{Kind: KindDownload, State: StateReassembling, ChunkCount: 3}, 3},
		{"download failed", Job{Kind: KindDownload, State: StateFailed, ChunkCount: 3}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.job.CompletedChunks())
		})
	}
}
