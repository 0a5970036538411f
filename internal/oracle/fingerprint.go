package oracle

import (
	"crypto/sha256"
	"encoding/hex"
)

// tokenEstimateDivisor is the fallback chars-per-token ratio used when no
// real tokenizer is wired in; matches the ratio used elsewhere in this
// module's token-budget estimates.
const tokenEstimateDivisor = 4

// Fingerprint computes a stable short id for a prompt plus a rough token
// count estimate, purely for logging/diagnostics: which prompt produced
// which response, and a cheap cost estimate when no real tokenizer is
// available.
func Fingerprint(text string) (id string, tokenEstimate int) {
	sum := sha256.Sum256([]byte(text))
	id = hex.EncodeToString(sum[:])[:12]
	tokenEstimate = len(text) / tokenEstimateDivisor
	return id, tokenEstimate
}
