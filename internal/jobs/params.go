package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// computedKeyPrefix marks idempotency keys derived from request content,
// as opposed to keys the client supplied verbatim.
const computedKeyPrefix = "rq:"

// Identity holds the submission fields that determine research-job
// identity for idempotency purposes. Attachments and delivery options
// deliberately do not participate: two requests asking the same
// question are the same request.
type Identity struct {
	Query          string `json:"query"`
	CostPreference string `json:"costPreference"`
	AudienceLevel  string `json:"audienceLevel"`
	OutputFormat   string `json:"outputFormat"`
	IncludeSources bool   `json:"includeSources"`
}

// NormalizeQuery lowercases a query and collapses whitespace runs to a
// single space so that trivial reformatting maps to the same job.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// CanonicalKey returns the idempotency key for a submission. A non-empty
// clientKey wins verbatim; otherwise the key is "rq:" plus the hex
// SHA-256 of the canonical JSON encoding of the normalized identity.
func CanonicalKey(clientKey string, id Identity) string {
	if clientKey != "" {
		return clientKey
	}
	id.Query = NormalizeQuery(id.Query)
	// Struct marshaling emits fields in declaration order with no
	// insignificant whitespace, which makes the encoding canonical.
	b, err := json.Marshal(id)
	if err != nil {
		// Identity is plain strings and a bool; Marshal cannot fail.
		b = []byte(id.Query)
	}
	sum := sha256.Sum256(b)
	return computedKeyPrefix + hex.EncodeToString(sum[:])
}

// notifyTarget extracts the webhook URL from stored job params, if any.
func notifyTarget(params []byte) string {
	if len(params) == 0 {
		return ""
	}
	var p struct {
		Notify string `json:"notify"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return ""
	}
	return p.Notify
}
