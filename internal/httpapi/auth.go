package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// verifySignature recomputes the HMAC-SHA256 of the exact raw body and
// compares in constant time. An empty secret means verification is skipped:
// an explicit opt-out decided at configuration time, not a silent bypass.
func verifySignature(secret, signature string, body []byte) *authError {
	if secret == "" {
		return nil
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return &authError{status: 401, code: "unauthorized", message: "missing signature header"}
	}
	signature = strings.TrimPrefix(strings.ToLower(signature), "sha256=")

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	expectedHex := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(signature), []byte(expectedHex)) {
		return &authError{status: 401, code: "unauthorized", message: "signature mismatch"}
	}
	return nil
}
