package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func withEnv(t *testing.T, values map[string]string) {
	t.Helper()
	prev := Env
	Env = values
	t.Cleanup(func() { Env = prev })
}

func TestGetEnv_MapWinsOverProcess(t *testing.T) {
	t.Setenv("NEXFUN_TEST_KEY", "from-os")
	withEnv(t, map[string]string{"NEXFUN_TEST_KEY": "from-file"})

	assert.Equal(t, "from-file", GetEnv("NEXFUN_TEST_KEY", "def"))
	assert.Equal(t, "def", GetEnv("NEXFUN_TEST_MISSING", "def"))
}

func TestTypedGetters(t *testing.T) {
	withEnv(t, map[string]string{
		"WORKERS":      "7",
		"BAD_WORKERS":  "many",
		"ENABLED":      "true",
		"BAD_ENABLED":  "perhaps",
		"TIMEOUT":      "750ms",
		"TIMEOUT_SECS": "15",
		"BAD_TIMEOUT":  "soon",
	})

	assert.Equal(t, 7, GetEnvInt("WORKERS", 3))
	assert.Equal(t, 3, GetEnvInt("BAD_WORKERS", 3))
	assert.Equal(t, 3, GetEnvInt("UNSET_WORKERS", 3))

	assert.True(t, GetEnvBool("ENABLED", false))
	assert.False(t, GetEnvBool("BAD_ENABLED", false))

	assert.Equal(t, 750*time.Millisecond, GetEnvDuration("TIMEOUT", time.Second))
	assert.Equal(t, 15*time.Second, GetEnvDuration("TIMEOUT_SECS", time.Second))
	assert.Equal(t, time.Second, GetEnvDuration("BAD_TIMEOUT", time.Second))
}

func TestEnvironmentHelpers(t *testing.T) {
	withEnv(t, map[string]string{"APP_ENV": "dev"})
	assert.True(t, IsDev())
	assert.False(t, IsProd())

	withEnv(t, map[string]string{})
	t.Setenv("APP_ENV", "")
	assert.True(t, IsProd())
}
