package paymentgw

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifySignature_RoundTrip(t *testing.T) {
	payload := []byte(`{"type":"payment.succeeded","data":{"order_id":"o1"}}`)
	sig := Sign("whsec_test", payload)

	assert.True(t, VerifySignature("whsec_test", payload, sig))
}

func TestVerifySignature_RejectsTamperedPayload(t *testing.T) {
	payload := []byte(`{"amount":"10.00"}`)
	sig := Sign("whsec_test", payload)

	tampered := []byte(`{"amount":"10.01"}`)
	assert.False(t, VerifySignature("whsec_test", tampered, sig))
}

func TestVerifySignature_RejectsWrongSecret(t *testing.T) {
	payload := []byte("body")
	sig := Sign("whsec_test", payload)

	assert.False(t, VerifySignature("whsec_other", payload, sig))
}

func TestVerifySignature_RejectsGarbageSignature(t *testing.T) {
	assert.False(t, VerifySignature("whsec_test", []byte("body"), "not-hex"))
}

func TestVerifySignature_EmptyInputsNeverPass(t *testing.T) {
	payload := []byte("body")

	assert.False(t, VerifySignature("", payload, Sign("", payload)), "empty secret must fail closed")
	assert.False(t, VerifySignature("whsec_test", payload, ""))
}
