package domain

import "time"

// JobKind distinguishes upload and download jobs.
type JobKind string

const (
	KindUpload   JobKind = "upload"
	KindDownload JobKind = "download"
)

// JobState is a step of the upload or download state machine.
type JobState string

const (
	// upload
	StateQuoted               JobState = "quoted"
	StateAwaitingPayment      JobState = "awaiting_payment"
	StatePaymentDetected      JobState = "payment_detected"
	StateChunking             JobState = "chunking"
	StateBroadcastingChunks   JobState = "broadcasting_chunks"
	StateBroadcastingManifest JobState = "broadcasting_manifest"

	// download
	StateSubmitted        JobState = "submitted"
	StateFetchingManifest JobState = "fetching_manifest"
	StateFetchingChunks   JobState = "fetching_chunks"
	StateReassembling     JobState = "reassembling"

	// terminal, shared
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateExpired   JobState = "expired"
)

// IsTerminal reports whether no further transition may leave s.
func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateExpired
}

var uploadEdges = map[JobState][]JobState{
	StateQuoted:               {StateAwaitingPayment},
	StateAwaitingPayment:      {StatePaymentDetected, StateExpired},
	StatePaymentDetected:      {StateChunking, StateAwaitingPayment},
	StateChunking:             {StateBroadcastingChunks},
	StateBroadcastingChunks:   {StateBroadcastingManifest},
	StateBroadcastingManifest: {StateCompleted},
}

var downloadEdges = map[JobState][]JobState{
	StateSubmitted:        {StateFetchingManifest},
	StateFetchingManifest: {StateFetchingChunks},
	StateFetchingChunks:   {StateReassembling},
	StateReassembling:     {StateCompleted},
}

// InitialState is the state a freshly created job of kind k starts in.
func InitialState(k JobKind) JobState {
	if k == KindDownload {
		return StateSubmitted
	}
	return StateQuoted
}

// CanTransition reports whether kind k may move from one state to another.
// A non-terminal state may always "transition" to itself (progress updates)
// and to Failed.
func CanTransition(k JobKind, from, to JobState) bool {
	if from.IsTerminal() {
		return false
	}
	edges := uploadEdges
	if k == KindDownload {
		edges = downloadEdges
	}
	next, known := edges[from]
	if !known {
		return false
	}
	if to == from || to == StateFailed {
		return true
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// Outpoint is a spendable output owned by a job's payment address.
type Outpoint struct {
	TxID     TxID   `json:"txid"`
	Vout     uint32 `json:"vout"`
	Satoshis int64  `json:"satoshis"`
}

// Locator records where one chunk lives on-chain.
type Locator struct {
	Index       uint32 `json:"index"`
	TxID        TxID   `json:"txid"`
	PayloadHash Digest `json:"payload_hash"`
}

// Job is one upload or download request tracked until terminal.
type Job struct {
	ID        string    `json:"id"`
	Kind      JobKind   `json:"kind"`
	State     JobState  `json:"state"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	FileName    string `json:"file_name,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	FileSize    int64  `json:"file_size"`
	FileHash    Digest `json:"file_hash"`
	ChunkSize   int    `json:"chunk_size,omitempty"`
	ChunkCount  int    `json:"chunk_count"`

	// upload only
	TotalTxBytes    int64      `json:"total_tx_bytes,omitempty"`
	FeeDue          int64      `json:"fee_due,omitempty"`
	PaymentAddress  string     `json:"payment_address,omitempty"`
	AmountDue       int64      `json:"amount_due,omitempty"`
	PaymentDeadline time.Time  `json:"payment_deadline,omitempty"`
	FeeRate         float64    `json:"fee_rate,omitempty"` // pinned when funding is collected
	StagingRef      string     `json:"staging_ref,omitempty"`
	Funding         []Outpoint `json:"funding,omitempty"`
	Locators        []Locator  `json:"locators,omitempty"`

	ManifestTxID    TxID   `json:"manifest_txid"`
	ManifestPayload []byte `json:"manifest_payload,omitempty"`

	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	ResultRef string `json:"result_ref,omitempty"`
}

// CompletedChunks counts the chunks a job has finished: broadcast for uploads,
// fetched and verified for downloads.
func (j Job) CompletedChunks() int {
	if j.Kind == KindUpload {
		return len(j.Locators)
	}
	switch j.State {
	case StateReassembling, StateCompleted:
		return j.ChunkCount
	}
	return 0
}

// JobUpdate lists the fields a transition changes. Nil pointers are left alone.
type JobUpdate struct {
	FileName        *string
	ContentType     *string
	FileSize        *int64
	FileHash        *Digest
	ChunkSize       *int
	ChunkCount      *int
	AmountDue       *int64
	PaymentDeadline *time.Time
	FeeRate         *float64
	StagingRef      *string
	Funding         []Outpoint
	AppendLocator   *Locator
	ManifestTxID    *TxID
	ManifestPayload []byte
	Message         *string
	Error           *string
	ResultRef       *string
}

// Apply copies the update onto j. Slices are replaced (Funding) or appended
// (AppendLocator) without aliasing the caller's memory.
func (u JobUpdate) Apply(j *Job) {
	if u.FileName != nil {
		j.FileName = *u.FileName
	}
	if u.ContentType != nil {
		j.ContentType = *u.ContentType
	}
	if u.FileSize != nil {
		j.FileSize = *u.FileSize
	}
	if u.FileHash != nil {
		j.FileHash = *u.FileHash
	}
	if u.ChunkSize != nil {
		j.ChunkSize = *u.ChunkSize
	}
	if u.ChunkCount != nil {
		j.ChunkCount = *u.ChunkCount
	}
	if u.AmountDue != nil {
		j.AmountDue = *u.AmountDue
	}
	if u.PaymentDeadline != nil {
		j.PaymentDeadline = *u.PaymentDeadline
	}
	if u.FeeRate != nil {
		j.FeeRate = *u.FeeRate
	}
	if u.StagingRef != nil {
		j.StagingRef = *u.StagingRef
	}
	if u.Funding != nil {
		j.Funding = append([]Outpoint(nil), u.Funding...)
	}
	if u.AppendLocator != nil {
		j.Locators = append(append([]Locator(nil), j.Locators...), *u.AppendLocator)
	}
	if u.ManifestTxID != nil {
		j.ManifestTxID = *u.ManifestTxID
	}
	if u.ManifestPayload != nil {
		j.ManifestPayload = append([]byte(nil), u.ManifestPayload...)
	}
	if u.Message != nil {
		j.Message = *u.Message
	}
	if u.Error != nil {
		j.Error = *u.Error
	}
	if u.ResultRef != nil {
		j.ResultRef = *u.ResultRef
	}
}

// Ptr is a small helper for building JobUpdate literals.
func Ptr[T any](v T) *T {
	return &v
}
