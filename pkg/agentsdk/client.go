// Package agentsdk is the Go client agents use to ask govd for a decision
// before acting and workers use to re-check a call before executing it.
package agentsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"coreos/pkg/governance"
	"coreos/pkg/httpx"
	"coreos/pkg/models"
	"coreos/pkg/telemetry"
	"coreos/pkg/workerguard"
)

// EvaluateRequest is the body of POST /policy/evaluate. The actor role is
// taken from the caller's token, never from the body.
type EvaluateRequest struct {
	ToolName         string            `json:"toolName"`
	ActionType       models.ActionType `json:"actionType"`
	AppScope         string            `json:"appScope"`
	Environment      string            `json:"environment,omitempty"`
	RequestSource    string            `json:"requestSource,omitempty"`
	Nonce            string            `json:"nonce"`
	ArgsHash         string            `json:"argsHash"`
	ApprovalArgsHash string            `json:"approvalArgsHash,omitempty"`
	CorrelationID    string            `json:"correlationId,omitempty"`
	Args             map[string]any    `json:"args,omitempty"`
}

// EvaluateResponse carries the decision and, for ALLOW when govd signs
// tickets, the scope token the worker will demand.
type EvaluateResponse struct {
	Decision   models.PolicyDecision `json:"decision"`
	ScopeToken string                `json:"scopeToken,omitempty"`
}

type OverrideRequest struct {
	Mode governance.Mode `json:"mode"`
}

// APIError is a non-2xx govd response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("govd status=%d: %s", e.Status, e.Message)
}

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	AuthToken  string
	Retries    int
	RetryDelay time.Duration
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: telemetry.InstrumentClient(&http.Client{Timeout: timeout}),
		Retries:    2,
		RetryDelay: 200 * time.Millisecond,
	}
}

// NewNonce returns a fresh random nonce for one tool call.
func NewNonce() string { return uuid.NewString() }

// Evaluate asks for a decision. Nonce and ArgsHash are filled from Args
// when empty. A DENY is a normal response, not an error.
func (c *Client) Evaluate(ctx context.Context, req EvaluateRequest) (EvaluateResponse, error) {
	if req.Nonce == "" {
		req.Nonce = NewNonce()
	}
	if req.ArgsHash == "" {
		h, err := models.ArgsHash(req.Args)
		if err != nil {
			return EvaluateResponse{}, err
		}
		req.ArgsHash = h
	}
	var out EvaluateResponse
	err := c.do(ctx, http.MethodPost, "/policy/evaluate", req, &out)
	return out, err
}

// VerifyExecution runs the worker guard for a call about to execute.
func (c *Client) VerifyExecution(ctx context.Context, req workerguard.Request) (workerguard.Result, error) {
	var out workerguard.Result
	err := c.do(ctx, http.MethodPost, "/worker/verify", req, &out)
	return out, err
}

// Execute evaluates the call, re-verifies it and runs fn only when both
// gates pass. The decision is returned either way.
func (c *Client) Execute(ctx context.Context, req EvaluateRequest, fn func(context.Context) error) (EvaluateResponse, error) {
	resp, err := c.Evaluate(ctx, req)
	if err != nil {
		return resp, err
	}
	if !resp.Decision.Allowed() {
		r, _ := resp.Decision.FirstBlocking()
		return resp, fmt.Errorf("%w: %s", ErrDenied, r.RuleID)
	}
	res, err := c.VerifyExecution(ctx, workerguard.Request{
		ToolName:       resp.Decision.ToolName,
		Nonce:          resp.Decision.Nonce,
		ScopeToken:     resp.ScopeToken,
		ArgsHash:       resp.Decision.ArgsHash,
		ActionType:     resp.Decision.ActionType,
		PolicyDecision: resp.Decision,
		CorrelationID:  resp.Decision.CorrelationID,
	})
	if err != nil {
		return resp, err
	}
	if !res.Permitted {
		return resp, fmt.Errorf("%w: %s", ErrBlocked, res.RuleID)
	}
	return resp, fn(ctx)
}

var (
	ErrDenied  = errors.New("policy denied")
	ErrBlocked = errors.New("worker guard blocked")
)

func (c *Client) GovernanceStatus(ctx context.Context) (governance.Status, error) {
	var out governance.Status
	err := c.do(ctx, http.MethodGet, "/governance/status", nil, &out)
	return out, err
}

func (c *Client) Override(ctx context.Context, mode governance.Mode) (governance.State, error) {
	var out governance.State
	err := c.do(ctx, http.MethodPost, "/governance/override", OverrideRequest{Mode: mode}, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = b
	}
	headers := map[string]string{"Accept": "application/json"}
	if tok := strings.TrimSpace(c.AuthToken); tok != "" {
		headers["Authorization"] = "Bearer " + tok
	}
	if cid := httpx.CorrelationID(ctx); cid != "" {
		headers[httpx.CorrelationHeader] = cid
	}
	status, respBody, err := httpx.RequestJSON(ctx, c.HTTPClient, method, c.BaseURL+path, body, headers, c.Retries, c.RetryDelay)
	if err != nil {
		return err
	}
	if status >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &e)
		if e.Error == "" {
			e.Error = strings.TrimSpace(string(respBody))
		}
		return &APIError{Status: status, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}
