package env

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

var Env map[string]string

func GetEnv(key, def string) string {
	// First check our loaded Env map
	if val, ok := Env[key]; ok {
		return val
	}
	// Fallback to OS environment variables (for Docker/tests)
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// SetupEnvFile loads the first .env file found. Deployments that configure the
// process environment directly run without one.
func SetupEnvFile() {
	envFiles := []string{
		".env",          // Current directory
		"../../.env",    // From cmd/entitlementd to project root
		"../../../.env", // Fallback for deeper nesting
	}

	for _, envFile := range envFiles {
		values, err := godotenv.Read(envFile)
		if err == nil {
			Env = values
			return
		}
	}

	Env = map[string]string{}
	log.Debug().Msg("[Env] No .env file found, using process environment")
}

func IsDev() bool {
	return GetEnv("APP_ENV", "prod") == "dev"
}
