package workerguard

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"coreos/pkg/clock"
	"coreos/pkg/models"
)

var (
	ErrTicketMissing   = errors.New("execution ticket missing")
	ErrTicketMalformed = errors.New("execution ticket malformed")
	ErrUnknownKey      = errors.New("execution ticket signed by unknown key")
	ErrBadSignature    = errors.New("execution ticket signature invalid")
	ErrTicketExpired   = errors.New("execution ticket expired")
	ErrTicketMismatch  = errors.New("execution ticket does not match request")
)

// Ticket authorizes exactly one execution. Times are unix milliseconds.
type Ticket struct {
	KeyID            string `json:"kid"`
	ToolName         string `json:"toolName"`
	Nonce            string `json:"nonce"`
	ArgsHash         string `json:"argsHash"`
	PolicyDecisionID string `json:"policyDecisionId"`
	Scope            string `json:"scope"`
	IssuedAt         int64  `json:"issuedAt"`
	ExpiresAt        int64  `json:"expiresAt"`
	Signature        string `json:"signature,omitempty"`
}

// SignablePayload is the canonical JSON of every field except the signature.
func (t Ticket) SignablePayload() ([]byte, error) {
	t.Signature = ""
	canon, err := models.CanonicalMarshal(t)
	if err != nil {
		return nil, fmt.Errorf("canonicalize ticket: %w", err)
	}
	return canon, nil
}

// Encode renders the ticket as the opaque scope token string.
func (t Ticket) Encode() (string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func DecodeTicket(token string) (Ticket, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return Ticket{}, fmt.Errorf("%w: %v", ErrTicketMalformed, err)
	}
	var t Ticket
	if err := json.Unmarshal(raw, &t); err != nil {
		return Ticket{}, fmt.Errorf("%w: %v", ErrTicketMalformed, err)
	}
	if t.Signature == "" || t.ToolName == "" || t.Nonce == "" {
		return Ticket{}, fmt.Errorf("%w: missing fields", ErrTicketMalformed)
	}
	return t, nil
}

// Signer issues tickets for ALLOW decisions.
type Signer struct {
	KeyID string
	Key   ed25519.PrivateKey
	TTL   time.Duration
	Clock clock.Clock
}

func NewSigner(keyID string, key ed25519.PrivateKey, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Signer{KeyID: keyID, Key: key, TTL: ttl, Clock: clock.System()}
}

// Issue signs a ticket bound to d. DENY decisions never get a ticket.
func (s *Signer) Issue(d models.PolicyDecision, scope string) (string, error) {
	if !d.Allowed() {
		return "", fmt.Errorf("%w: decision is %s", ErrTicketMismatch, d.Decision)
	}
	now := s.Clock.Now()
	t := Ticket{
		KeyID:            s.KeyID,
		ToolName:         d.ToolName,
		Nonce:            d.Nonce,
		ArgsHash:         d.ArgsHash,
		PolicyDecisionID: d.Digest(),
		Scope:            scope,
		IssuedAt:         now.UnixMilli(),
		ExpiresAt:        now.Add(s.TTL).UnixMilli(),
	}
	payload, err := t.SignablePayload()
	if err != nil {
		return "", err
	}
	t.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(s.Key, payload))
	return t.Encode()
}

// KeySet maps key ids to verification keys.
type KeySet map[string]ed25519.PublicKey

// ParseKeySet reads "kid:base64key,kid2:base64key" as configured in env.
func ParseKeySet(list string) (KeySet, error) {
	ks := KeySet{}
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kid, b64, ok := strings.Cut(part, ":")
		if !ok || kid == "" {
			return nil, fmt.Errorf("invalid key entry %q", part)
		}
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("decode key %s: %w", kid, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("key %s: expected %d bytes, got %d", kid, ed25519.PublicKeySize, len(raw))
		}
		ks[kid] = ed25519.PublicKey(raw)
	}
	return ks, nil
}

// VerifyTicket checks signature and expiry. Binding to a request is the
// guard's job.
func (ks KeySet) VerifyTicket(token string, now time.Time) (Ticket, error) {
	t, err := DecodeTicket(token)
	if err != nil {
		return Ticket{}, err
	}
	pub, ok := ks[t.KeyID]
	if !ok {
		return Ticket{}, fmt.Errorf("%w: %q", ErrUnknownKey, t.KeyID)
	}
	sig, err := base64.StdEncoding.DecodeString(t.Signature)
	if err != nil {
		return Ticket{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	payload, err := t.SignablePayload()
	if err != nil {
		return Ticket{}, err
	}
	if !ed25519.Verify(pub, payload, sig) {
		return Ticket{}, ErrBadSignature
	}
	if t.ExpiresAt <= now.UnixMilli() {
		return Ticket{}, fmt.Errorf("%w at %s", ErrTicketExpired, time.UnixMilli(t.ExpiresAt).UTC().Format(time.RFC3339))
	}
	return t, nil
}
