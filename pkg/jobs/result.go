package jobs

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"coreos/pkg/models"
)

const (
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
)

// Error codes for FAILED results that did not come from the worker guard.
const (
	CodePayloadMismatch = "PAYLOAD_MISMATCH"
	CodeExecutionError  = "EXECUTION_ERROR"
	CodeHashError       = "HASH_ERROR"
)

type Metrics struct {
	Attempts  int   `json:"attempts"`
	LatencyMs int64 `json:"latencyMs"`
}

// Result is reported for every processed envelope. Times are unix ms.
type Result struct {
	JobID        string  `json:"jobId"`
	Status       string  `json:"status"`
	StartedAt    int64   `json:"startedAt"`
	FinishedAt   int64   `json:"finishedAt"`
	ResultHash   string  `json:"resultHash"`
	ResultData   any     `json:"resultData,omitempty"`
	ErrorCode    string  `json:"errorCode,omitempty"`
	ErrorMessage string  `json:"errorMessage,omitempty"`
	Metrics      Metrics `json:"metrics"`
	TraceID      string  `json:"traceId"`
	WorkerID     string  `json:"workerId"`
	Signature    string  `json:"signature"`
}

func (r Result) signable() ([]byte, error) {
	return models.CanonicalMarshal(struct {
		JobID      string  `json:"jobId"`
		Status     string  `json:"status"`
		StartedAt  int64   `json:"startedAt"`
		FinishedAt int64   `json:"finishedAt"`
		ResultHash string  `json:"resultHash"`
		ErrorCode  string  `json:"errorCode,omitempty"`
		Metrics    Metrics `json:"metrics"`
		TraceID    string  `json:"traceId"`
		WorkerID   string  `json:"workerId"`
	}{r.JobID, r.Status, r.StartedAt, r.FinishedAt, r.ResultHash, r.ErrorCode, r.Metrics, r.TraceID, r.WorkerID})
}

// Sign sets Signature to the hex HMAC-SHA256 of the canonical signable fields.
func (r *Result) Sign(secret []byte) error {
	payload, err := r.signable()
	if err != nil {
		return fmt.Errorf("marshal signable result: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	r.Signature = hex.EncodeToString(mac.Sum(nil))
	return nil
}

func (r Result) VerifySignature(secret []byte) bool {
	want, err := hex.DecodeString(r.Signature)
	if err != nil {
		return false
	}
	payload, err := r.signable()
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hmac.Equal(want, mac.Sum(nil))
}

// ResultHash is the sha256 of the canonical JSON of data.
func ResultHash(data any) (string, error) {
	if data == nil {
		return models.SHA256Hex(nil), nil
	}
	canon, err := models.CanonicalMarshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal result data: %w", err)
	}
	return models.SHA256Hex(canon), nil
}

// PayloadHash hashes a job payload the same way models.ArgsHash hashes
// tool arguments; an empty payload hashes like {}.
func PayloadHash(payload json.RawMessage) (string, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	canon, err := models.CanonicalizeJSON(payload)
	if err != nil {
		return "", err
	}
	return models.SHA256Hex(canon), nil
}
