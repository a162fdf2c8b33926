// Package proto defines shared protocol messages and records for graphmesh.
package proto

import (
	"encoding/json"
	"time"
)

// Entry is a single keyed value in a graph instance. Entries are the unit
// of storage, subscription delivery and peer synchronization.
type Entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt int64           `json:"updated_at"`       // unix milliseconds, last-writer-wins
	Author    string          `json:"author,omitempty"` // host identity of the writer
	Pub       []byte          `json:"pub,omitempty"`    // author's ed25519 public key
	Sig       []byte          `json:"sig,omitempty"`    // ed25519 signature over key|updated_at|frozen|value
	Frozen    bool            `json:"frozen,omitempty"` // immutable once written, requires a verifiable Sig
}

// GraphMessage is the wire frame exchanged over a graph WebSocket connection.
type GraphMessage struct {
	Type   string `json:"type"`             // "put", "get", "sub", "entry", "ack", "error"
	ID     string `json:"id,omitempty"`     // request correlation, echoed in replies
	Key    string `json:"key,omitempty"`    // for "get"
	Prefix string `json:"prefix,omitempty"` // for "sub"
	Entry  *Entry `json:"entry,omitempty"`  // for "put" and "entry"
	OK     bool   `json:"ok,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Pin request status values.
const (
	PinPending   = "pending"
	PinFulfilled = "fulfilled"
	PinFailed    = "failed"
)

// Pin response status values.
const (
	PinRespCompleted = "completed"
	PinRespFailed    = "failed"
)

// PinRequest asks the network to replicate the content behind a CID.
// Requests form an append-only log; consumers deduplicate by RequestID.
type PinRequest struct {
	RequestID string    `json:"request_id"`
	CID       string    `json:"cid"`
	Requester string    `json:"requester"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// PinResponse reports the outcome of a replication attempt against a
// previously published PinRequest.
type PinResponse struct {
	RequestID string    `json:"request_id"`
	Responder string    `json:"responder"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReputationMetrics are the raw per-host counters a trust score is
// derived from.
type ReputationMetrics struct {
	PulseCount           uint64  `json:"pulse_count"`
	PinRequestsFulfilled uint64  `json:"pin_requests_fulfilled"`
	PinRequestsFailed    uint64  `json:"pin_requests_failed"`
	StorageProofsOk      uint64  `json:"storage_proofs_ok"`
	StorageProofsFailed  uint64  `json:"storage_proofs_failed"`
	AvgResponseMillis    float64 `json:"avg_response_ms"`
}

// ReputationRecord is the published form of a host's reputation. The
// StoredScore is a cached value computed by the publishing host; readers
// recompute from Metrics rather than trusting it.
type ReputationRecord struct {
	Host        string            `json:"host"`
	Metrics     ReputationMetrics `json:"metrics"`
	StoredScore float64           `json:"stored_score"`
	FirstSeen   time.Time         `json:"first_seen"`
	LastPulse   time.Time         `json:"last_pulse"`
}

// ReputationSummary is the introspection view of one host: raw metrics,
// the locally recomputed score and the host's own cached score.
type ReputationSummary struct {
	Host            string            `json:"host"`
	Metrics         ReputationMetrics `json:"metrics"`
	CalculatedScore float64           `json:"calculated_score"`
	StoredScore     float64           `json:"stored_score"`
	FirstSeen       time.Time         `json:"first_seen"`
	LastPulse       time.Time         `json:"last_pulse"`
}

// Deal status values.
const (
	DealCreated = "created"
	DealActive  = "active"
	DealExpired = "expired"
)

// Deal is a storage commitment. The on-chain contract is authoritative;
// the local mirror is a read-optimized copy.
type Deal struct {
	DealID        uint64 `json:"deal_id"`
	CID           string `json:"cid"`
	ClientAddress string `json:"client_address"`
	SizeBytes     uint64 `json:"size_bytes"`
	DurationSecs  uint64 `json:"duration_secs"`
	Status        string `json:"status"`
	ChainTxHash   string `json:"chain_tx_hash,omitempty"`
}

// ReconcileResult reports the outcome of one reconciliation pass.
type ReconcileResult struct {
	Added     int `json:"added"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

// InstanceInfo describes one active graph instance for introspection.
type InstanceInfo struct {
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	IdleSecs  float64   `json:"idle_secs"`
}

// HealthResponse is returned by the admin health endpoint.
type HealthResponse struct {
	Status            string           `json:"status"`
	Name              string           `json:"name"`
	Version           string           `json:"version"`
	EphemeralActive   int              `json:"ephemeral_active"`
	EphemeralCapacity int              `json:"ephemeral_capacity"`
	KnownHosts        int              `json:"known_hosts"`
	LastReconcile     *ReconcileResult `json:"last_reconcile,omitempty"`
	LastReconcileAt   *time.Time       `json:"last_reconcile_at,omitempty"`
	ReconcileError    string           `json:"reconcile_error,omitempty"`
}

// AuthRequest exchanges the configured admin token for a session token.
type AuthRequest struct {
	Token string `json:"token"`
}

// AuthResponse carries the issued session token.
type AuthResponse struct {
	Token string `json:"token"`
}

// ReconcileResponse is returned by the manual reconciliation trigger.
type ReconcileResponse struct {
	Result ReconcileResult `json:"result"`
	Error  string          `json:"error,omitempty"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}
