package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "s3cr3t"

func referenceSignature(secret, orderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

func flip(s string, i int) string {
	b := []byte(s)
	if b[i] == 'a' {
		b[i] = 'b'
	} else {
		b[i] = 'a'
	}
	return string(b)
}

func TestSignMatchesReference(t *testing.T) {
	v := NewVerifier(testSecret)
	pairs := [][2]string{
		{"order_1", "pay_1"},
		{"order_LgK1b0Y9", "pay_29QQoUBi66xm2f"},
		{"o", "p"},
		{"заказ", "платеж"},
	}
	for _, p := range pairs {
		want := referenceSignature(testSecret, p[0], p[1])
		require.Equal(t, want, v.Sign(p[0], p[1]))
		require.True(t, v.Verify(p[0], p[1], want))
	}
}

func TestVerifyRejectsAnySingleChange(t *testing.T) {
	const orderID, paymentID = "order_LgK1b0Y9", "pay_29QQoUBi66xm2f"
	v := NewVerifier(testSecret)
	sig := referenceSignature(testSecret, orderID, paymentID)

	for i := range orderID {
		assert.False(t, v.Verify(flip(orderID, i), paymentID, sig), "order char %d", i)
	}
	for i := range paymentID {
		assert.False(t, v.Verify(orderID, flip(paymentID, i), sig), "payment char %d", i)
	}
	for i := range sig {
		assert.False(t, v.Verify(orderID, paymentID, flip(sig, i)), "signature char %d", i)
	}
	for i := range testSecret {
		other := NewVerifier(flip(testSecret, i))
		assert.False(t, other.Verify(orderID, paymentID, sig), "secret char %d", i)
	}
}

func TestVerifyEmptyInputs(t *testing.T) {
	v := NewVerifier(testSecret)
	sig := v.Sign("o", "p")

	require.False(t, v.Verify("", "p", sig))
	require.False(t, v.Verify("o", "", sig))
	require.False(t, v.Verify("o", "p", ""))
	require.False(t, NewVerifier("").Verify("o", "p", NewVerifier("").Sign("o", "p")))
}
