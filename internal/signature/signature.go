// Package signature checks payment callbacks signed by the gateway.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Sign returns the hex HMAC-SHA256 of "orderID|paymentID".
func (v *Verifier) Sign(orderID string, paymentID string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature was produced by the gateway for the
// order and payment. Comparison is constant time.
func (v *Verifier) Verify(orderID string, paymentID string, signature string) bool {
	if orderID == "" || paymentID == "" || signature == "" || len(v.secret) == 0 {
		return false
	}
	expected := v.Sign(orderID, paymentID)
	return hmac.Equal([]byte(expected), []byte(signature))
}
