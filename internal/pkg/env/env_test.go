package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvPrefersLoadedFile(t *testing.T) {
	t.Setenv("ENTITLEFOX_TEST_KEY", "from-os")
	Env = map[string]string{"ENTITLEFOX_TEST_KEY": "from-file"}
	t.Cleanup(func() { Env = nil })

	assert.Equal(t, "from-file", GetEnv("ENTITLEFOX_TEST_KEY", "default"))

	Env = nil
	assert.Equal(t, "from-os", GetEnv("ENTITLEFOX_TEST_KEY", "default"))
	assert.Equal(t, "default", GetEnv("ENTITLEFOX_MISSING_KEY", "default"))
}

func TestIsDev(t *testing.T) {
	Env = map[string]string{"APP_ENV": "dev"}
	t.Cleanup(func() { Env = nil })
	assert.True(t, IsDev())

	Env = map[string]string{"APP_ENV": "prod"}
	assert.False(t, IsDev())
}
