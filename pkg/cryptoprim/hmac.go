package cryptoprim

import (
	"crypto/hmac"
	"crypto/sha256"
)

// SignHMAC computes HMAC-SHA256(key, message).
func SignHMAC(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// VerifyHMAC reports whether sig is the correct HMAC-SHA256(key, message),
// using a constant-time comparison.
func VerifyHMAC(key, message, sig []byte) bool {
	expected := SignHMAC(key, message)
	return hmac.Equal(expected, sig)
}
