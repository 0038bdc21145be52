package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/dgellow/identity-server/internal/crypto"
)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) errorf(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationResult) warnf(path, format string, args ...any) {
	v.Warnings = append(v.Warnings, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ValidateBytes(data), nil
}

// ValidateBytes is ValidateFile for an in-memory document.
func ValidateBytes(data []byte) *ValidationResult {
	result := &ValidationResult{}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.errorf("", "invalid JSON: %v", err)
		return result
	}

	checkBashStyleSyntax(rawConfig, "", result)

	version, ok := rawConfig["version"].(string)
	if !ok {
		result.errorf("version", "version field is required. Hint: Add \"version\": %q", VersionPrefix)
	} else if !strings.HasPrefix(version, VersionPrefix) {
		result.errorf("version", "unsupported version '%s' - use '%s' or '%s-<variant>'", version, VersionPrefix, VersionPrefix)
	}

	if issuer, ok := rawConfig["issuer"].(string); !ok || issuer == "" {
		result.errorf("issuer", "issuer is required. Example: \"https://id.example.com\"")
	}

	for _, name := range []string{"baseTokenLifetime", "refreshGracePeriod", "requestTimeout"} {
		validateDurationField(rawConfig, name, name, result)
	}

	if value, ok := rawConfig["encryptionKey"]; ok {
		if err := validateEnvVarReference(value, "encryptionKey", "encryptionKey"); err != nil {
			result.Errors = append(result.Errors, *err)
		}
	}

	validateStorageStructure(rawConfig, result)
	validateSigningStructure(rawConfig, result)
	validateSweepStructure(rawConfig, result)
	validateClientsStructure(rawConfig, result)
	validateUsersStructure(rawConfig, result)

	return result
}

func validateDurationField(obj map[string]any, key, path string, result *ValidationResult) {
	raw, ok := obj[key]
	if !ok {
		return
	}
	s, ok := raw.(string)
	if !ok {
		result.errorf(path, "%s must be a duration string like \"10m\"", key)
		return
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		result.errorf(path, "invalid duration '%s': %v", s, err)
		return
	}
	if d < 0 {
		result.errorf(path, "%s cannot be negative", key)
	}
}

func validateStorageStructure(rawConfig map[string]any, result *ValidationResult) {
	raw, ok := rawConfig["storage"]
	if !ok {
		result.warnf("storage", "no storage configured, using in-memory storage. Grants are lost on restart")
		return
	}
	storage, ok := raw.(map[string]any)
	if !ok {
		result.errorf("storage", "storage must be an object")
		return
	}

	kind, _ := storage["type"].(string)
	switch kind {
	case "", StorageMemory:
		result.warnf("storage.type", "in-memory storage does not survive restarts and is not shared between replicas")
		return
	case StorageSQLite, StoragePostgres:
		if _, ok := storage["dsn"]; !ok {
			result.errorf("storage.dsn", "dsn is required for %s storage", kind)
		}
	case StorageRedis:
		if _, ok := storage["redisAddr"]; !ok {
			result.errorf("storage.redisAddr", "redisAddr is required for redis storage. Example: \"localhost:6379\"")
		}
	case StorageFirestore:
		if _, ok := storage["gcpProjectId"]; !ok {
			result.errorf("storage.gcpProjectId", "gcpProjectId is required for firestore storage")
		}
	default:
		result.errorf("storage.type", "unknown storage type '%s' - use memory, sqlite, postgres, redis or firestore", kind)
		return
	}

	for _, name := range []string{"dsn", "redisPassword"} {
		if value, ok := storage[name]; ok {
			if err := validateEnvVarReference(value, name, "storage."+name); err != nil {
				result.Errors = append(result.Errors, *err)
			}
		}
	}
	if _, ok := rawConfig["encryptionKey"]; !ok {
		result.errorf("encryptionKey", "encryptionKey is required for %s storage. Hint: Must be exactly 32 bytes", kind)
	}
}

func validateSigningStructure(rawConfig map[string]any, result *ValidationResult) {
	signing, ok := rawConfig["signing"].(map[string]any)
	if !ok {
		result.warnf("signing", "no signing key configured, an ephemeral key is generated at startup and issued tokens will not survive a restart")
		return
	}
	if alg, ok := signing["algorithm"].(string); ok && alg != "RS256" && alg != "ES256" {
		result.errorf("signing.algorithm", "unsupported algorithm '%s' - use RS256 or ES256", alg)
	}
	if keyFile, ok := signing["keyFile"].(string); ok {
		if _, err := os.Stat(keyFile); err != nil {
			result.warnf("signing.keyFile", "key file '%s' is not readable: %v", keyFile, err)
		}
	} else {
		result.warnf("signing.keyFile", "no keyFile set, an ephemeral key is generated at startup")
	}
}

func validateSweepStructure(rawConfig map[string]any, result *ValidationResult) {
	sweep, ok := rawConfig["sweep"].(map[string]any)
	if !ok {
		return
	}
	validateDurationField(sweep, "minInterval", "sweep.minInterval", result)
	validateDurationField(sweep, "maxInterval", "sweep.maxInterval", result)
}

func validateClientsStructure(rawConfig map[string]any, result *ValidationResult) {
	clients, ok := rawConfig["clients"].([]any)
	if !ok || len(clients) == 0 {
		result.errorf("clients", "at least one client is required")
		return
	}

	seen := make(map[string]bool)
	for i, raw := range clients {
		path := fmt.Sprintf("clients[%d]", i)
		client, ok := raw.(map[string]any)
		if !ok {
			result.errorf(path, "client must be an object")
			continue
		}

		clientID, _ := client["clientId"].(string)
		if clientID == "" {
			result.errorf(path+".clientId", "clientId is required")
		} else if seen[clientID] {
			result.errorf(path+".clientId", "duplicate clientId '%s'", clientID)
		}
		seen[clientID] = true

		if id, ok := client["id"].(float64); !ok || id <= 0 || id != float64(int64(id)) {
			result.errorf(path+".id", "id must be a positive integer")
		}

		if scopes, ok := client["scopes"].([]any); !ok || len(scopes) == 0 {
			result.errorf(path+".scopes", "at least one scope is required. Hint: Add \"scopes\": [\"openid\"]")
		} else if !slices.Contains(scopes, any("openid")) {
			result.warnf(path+".scopes", "client cannot request ID tokens without the openid scope")
		}

		secrets, _ := client["secrets"].([]any)
		for j, s := range secrets {
			secretPath := fmt.Sprintf("%s.secrets[%d]", path, j)
			secret, ok := s.(map[string]any)
			if !ok {
				result.errorf(secretPath, "secret must be an object with a value")
				continue
			}
			if str, isString := secret["value"].(string); isString && crypto.IsHashedSecret(str) {
				continue
			}
			if err := validateEnvVarReference(secret["value"], "client secret", secretPath+".value"); err != nil {
				err.Message += ". Hint: bcrypt hashes may also be stored inline"
				result.Errors = append(result.Errors, *err)
			}
			if exp, ok := secret["expiresAt"].(string); ok {
				if _, err := time.Parse(time.RFC3339, exp); err != nil {
					result.errorf(secretPath+".expiresAt", "expiresAt must be an RFC 3339 timestamp")
				}
			}
		}
		if required, _ := client["requireClientSecret"].(bool); required && len(secrets) == 0 {
			result.errorf(path+".secrets", "requireClientSecret is set but no secrets are configured")
		}

		for _, name := range []string{"accessTokenLifetime", "refreshTokenLifetime", "idTokenLifetime", "deviceCodeLifetime"} {
			validateDurationField(client, name, path+"."+name, result)
		}
	}
}

func validateUsersStructure(rawConfig map[string]any, result *ValidationResult) {
	users, ok := rawConfig["users"].([]any)
	if !ok {
		return
	}
	for i, raw := range users {
		path := fmt.Sprintf("users[%d]", i)
		user, ok := raw.(map[string]any)
		if !ok {
			result.errorf(path, "user must be an object")
			continue
		}
		if id, _ := user["id"].(string); id == "" {
			result.errorf(path+".id", "id is required")
		}
		if _, ok := user["claims"].(map[string]any); !ok {
			result.warnf(path+".claims", "user has no claims, token requests for this user will fail")
		}
	}
}

// validateEnvVarReference validates that a secret field uses an env reference.
func validateEnvVarReference(value any, fieldName, path string) *ValidationError {
	switch v := value.(type) {
	case string:
		// Check if it looks like a bash-style env var
		bashStyleRegex := regexp.MustCompile(`\$\{?([A-Z_][A-Z0-9_]*)\}?`)
		if matches := bashStyleRegex.FindStringSubmatch(v); len(matches) > 1 {
			varName := matches[1]
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", v, varName),
			}
		}
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must use environment variable reference {\"$env\": \"YOUR_ENV_VAR\"} instead of plain text. Hint: This prevents secrets from being stored in config files", fieldName),
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; !hasEnv {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("%s must use {\"$env\": \"YOUR_ENV_VAR\"} format", fieldName),
			}
		}
		return nil
	default:
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must be an environment variable reference {\"$env\": \"YOUR_ENV_VAR\"}, not %T", fieldName, value),
		}
	}
}

// checkBashStyleSyntax recursively checks for bash-style env var syntax
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	bashStyleRegex := regexp.MustCompile(`\$\{?[A-Z_][A-Z0-9_]*\}?`)

	switch v := value.(type) {
	case string:
		if crypto.IsHashedSecret(v) {
			return
		}
		if matches := bashStyleRegex.FindAllString(v, -1); len(matches) > 0 {
			for _, match := range matches {
				varName := strings.Trim(match, "${}")
				result.warnf(path, "found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead. Hint: JSON syntax prevents accidental shell expansion in scripts/CI and ensures unambiguous parsing", match, varName)
			}
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}
		for key, val := range v {
			newPath := path
			if newPath == "" {
				newPath = key
			} else {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			newPath := fmt.Sprintf("%s[%d]", path, i)
			checkBashStyleSyntax(item, newPath, result)
		}
	}
}
