package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVerificationMode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		appEnv  string
		want    VerificationMode
		wantErr bool
	}{
		{"Default enforces", "", "dev", VerificationEnforced, false},
		{"Explicit enforce", "enforce", "prod", VerificationEnforced, false},
		{"Skip in dev", "skip", "dev", VerificationSkipped, false},
		{"Skip in test", "SKIP", "test", VerificationSkipped, false},
		{"Skip refused in prod", "skip", "prod", VerificationEnforced, true},
		{"Unknown mode", "maybe", "dev", VerificationEnforced, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVerificationMode(tt.raw, tt.appEnv)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVerificationModeString(t *testing.T) {
	assert.Equal(t, "enforce", VerificationEnforced.String())
	assert.Equal(t, "skip", VerificationSkipped.String())
	assert.True(t, VerificationEnforced.Enforced())
	assert.False(t, VerificationSkipped.Enforced())
}

func TestVerifyHexHMACSHA256(t *testing.T) {
	msg := []byte("id:123;request-id:abc;ts:1700000000;")
	secret := "top-secret"
	sig := SignHexHMACSHA256(msg, secret)

	assert.True(t, VerifyHexHMACSHA256(msg, sig, secret))
	assert.False(t, VerifyHexHMACSHA256(msg, sig, "other-secret"))
	assert.False(t, VerifyHexHMACSHA256([]byte("tampered"), sig, secret))
	assert.False(t, VerifyHexHMACSHA256(msg, "not-hex", secret))
	assert.False(t, VerifyHexHMACSHA256(msg, "", secret))
	assert.False(t, VerifyHexHMACSHA256(msg, sig, ""))
}
