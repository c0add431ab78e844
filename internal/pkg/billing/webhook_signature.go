package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// VerificationMode decides whether adapters check webhook signatures. It is
// fixed when an adapter is constructed.
type VerificationMode int

const (
	VerificationEnforced VerificationMode = iota
	VerificationSkipped
)

func (m VerificationMode) String() string {
	if m == VerificationSkipped {
		return "skip"
	}
	return "enforce"
}

// Enforced reports whether signatures must verify.
func (m VerificationMode) Enforced() bool {
	return m != VerificationSkipped
}

// ParseVerificationMode parses "enforce" or "skip". Skipping is refused for
// production environments.
func ParseVerificationMode(raw, appEnv string) (VerificationMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "enforce", "enforced", "on":
		return VerificationEnforced, nil
	case "skip", "skipped", "off":
		if strings.EqualFold(strings.TrimSpace(appEnv), "prod") {
			return VerificationEnforced, fmt.Errorf("signature verification cannot be skipped in prod")
		}
		return VerificationSkipped, nil
	default:
		return VerificationEnforced, fmt.Errorf("unknown signature verification mode %q", raw)
	}
}

// VerifyHexHMACSHA256 checks a hex encoded HMAC-SHA256 of message in constant time.
func VerifyHexHMACSHA256(message []byte, signatureHex, secret string) bool {
	sig := strings.TrimSpace(signatureHex)
	key := strings.TrimSpace(secret)
	if sig == "" || key == "" {
		return false
	}
	decodedSig, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}
	return verifyHMAC(message, decodedSig, []byte(key), sha256.New)
}

// SignHexHMACSHA256 returns the hex encoded HMAC-SHA256 of message.
func SignHexHMACSHA256(message []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(strings.TrimSpace(secret)))
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyHMAC(payload, expectedSig, secret []byte, hashFunc func() hash.Hash) bool {
	mac := hmac.New(hashFunc, secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expectedSig)
}
