package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// MaxClockSkew is the allowed drift between a client's Authenticate
// timestamp and the server's clock.
const MaxClockSkew = 300 * time.Second

// APIKeyPrefix and SecretPrefix mark the two halves of an issued credential.
const (
	APIKeyPrefix = "rpa_"
	SecretPrefix = "rps_"
)

// ComputeSignature implements the HMAC signature grammar:
// hex(HMAC-SHA256(secret, "{timestamp}.{email}.{api_key}.{body}")), with
// body empty for the authentication handshake.
func ComputeSignature(secret string, timestamp int64, email, apiKey, body string) string {
	message := fmt.Sprintf("%d.%s.%s.%s", timestamp, email, apiKey, body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the expected signature and compares it to
// candidate in constant time, rejecting anything that doesn't match
// byte-for-byte regardless of where the mismatch occurs.
func VerifySignature(secret string, timestamp int64, email, apiKey, body, candidate string) bool {
	expected := ComputeSignature(secret, timestamp, email, apiKey, body)
	return hmac.Equal([]byte(expected), []byte(candidate))
}

// WithinClockSkew reports whether timestamp is within MaxClockSkew of now.
func WithinClockSkew(timestamp int64, now time.Time) bool {
	delta := now.Unix() - timestamp
	if delta < 0 {
		delta = -delta
	}
	return time.Duration(delta)*time.Second <= MaxClockSkew
}

// HasAPIKeyPrefix reports whether apiKey begins with the required rpa_
// prefix.
func HasAPIKeyPrefix(apiKey string) bool {
	return strings.HasPrefix(apiKey, APIKeyPrefix)
}
