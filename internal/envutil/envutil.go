package envutil

import (
	"os"
	"strings"
)

// EnvVar selects the deployment mode.
const EnvVar = "IDENTITY_SERVER_ENV"

// IsDev checks if we're running in development mode
// where security requirements can be relaxed for testing
func IsDev() bool {
	env := strings.ToLower(os.Getenv(EnvVar))
	return env == "development" || env == "dev"
}
