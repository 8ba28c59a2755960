package gateway

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"strings"

	"escrow-service/internal/apperrors"
)

// SignatureHeader carries the hex HMAC-SHA512 of the raw webhook body.
const SignatureHeader = "X-Paystack-Signature"

// Sign returns the signature the gateway sends for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns apperrors.ErrSignatureInvalid unless header is the
// signature of body under secret.
func VerifySignature(secret string, body []byte, header string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return apperrors.ErrSignatureInvalid
	}
	got, err := hex.DecodeString(header)
	if err != nil {
		return apperrors.ErrSignatureInvalid
	}
	want, _ := hex.DecodeString(Sign(secret, body))
	if !hmac.Equal(got, want) {
		return apperrors.ErrSignatureInvalid
	}
	return nil
}
