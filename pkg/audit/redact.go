package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

// detail keys that may carry caller-supplied identifiers
var sensitiveDetailKeys = []string{"nonce", "correlationId", "actor", "ticket"}

func redactEvent(ev Event, salt []byte) Event {
	ev.Nonce = hashOptional(ev.Nonce, salt)
	ev.CorrelationID = hashOptional(ev.CorrelationID, salt)
	if len(ev.Detail) > 0 {
		detail := make(map[string]any, len(ev.Detail))
		for k, v := range ev.Detail {
			detail[k] = v
		}
		for _, k := range sensitiveDetailKeys {
			if s, ok := detail[k].(string); ok {
				delete(detail, k)
				detail[k+"_hash"] = hashString(s, salt)
			}
		}
		ev.Detail = detail
	}
	return ev
}

func hashOptional(v string, salt []byte) string {
	if v == "" {
		return ""
	}
	return hashString(v, salt)
}

func hashString(v string, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write([]byte(v))
	return hex.EncodeToString(h.Sum(nil))
}
