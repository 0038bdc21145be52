package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dgellow/identity-server/internal"
	"github.com/dgellow/identity-server/internal/config"
	"github.com/dgellow/identity-server/internal/log"
	"github.com/dgellow/identity-server/internal/signing"
	"github.com/joho/godotenv"
)

var BuildVersion = "dev"

// generateDefaultConfig writes a config and a fresh ES256 signing key next
// to it.
func generateDefaultConfig(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}
	keyPath := filepath.Join(filepath.Dir(abs), "signing-key.pem")

	signer, err := signing.GenerateSigner(signing.AlgES256)
	if err != nil {
		return err
	}
	keyPEM, err := signing.EncodePrivateKeyPEM(signer)
	if err != nil {
		return err
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write signing key: %w", err)
	}

	defaultConfig := map[string]any{
		"version":            config.VersionPrefix,
		"issuer":             "https://id.yourcompany.com",
		"addr":               ":8080",
		"allowedOrigins":     []string{"https://app.yourcompany.com"},
		"baseTokenLifetime":  "10m",
		"refreshGracePeriod": "24h",
		"requestTimeout":     "10s",
		"encryptionKey":      map[string]string{"$env": "ENCRYPTION_KEY"},
		"storage": map[string]any{
			"type": "postgres",
			"dsn":  map[string]string{"$env": "DATABASE_URL"},
		},
		"signing": map[string]any{
			"keyFile":   keyPath,
			"algorithm": signing.AlgES256,
		},
		"sweep": map[string]any{
			"minInterval": "1s",
			"maxInterval": "1h",
		},
		"clients": []map[string]any{
			{
				"id":       1,
				"clientId": "web",
				"secrets": []map[string]any{
					{"value": map[string]string{"$env": "WEB_CLIENT_SECRET"}},
				},
				"redirectUris":           []string{"https://app.yourcompany.com/callback"},
				"postLogoutRedirectUris": []string{"https://app.yourcompany.com/"},
				"grantTypes":             []string{"authorization_code", "refresh_token"},
				"scopes":                 []string{"openid", "profile", "email"},
				"requirePkce":            true,
				"requireClientSecret":    true,
			},
			{
				"id":         2,
				"clientId":   "cli",
				"grantTypes": []string{"urn:ietf:params:oauth:grant-type:device_code", "refresh_token"},
				"scopes":     []string{"openid", "profile"},
			},
		},
		"users": []map[string]any{
			{
				"id": "user-1",
				"claims": map[string]any{
					"name":           "Ada Lovelace",
					"email":          "ada@yourcompany.com",
					"email_verified": true,
				},
			},
		},
	}

	data, err := json.MarshalIndent(defaultConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func validateConfig(path string) error {
	result, err := config.ValidateFile(path)
	if err != nil {
		return fmt.Errorf("error during validation: %w", err)
	}

	fmt.Printf("Validating: %s\n", path)

	if len(result.Errors) > 0 {
		fmt.Printf("\nErrors (%d):\n", len(result.Errors))
		for _, err := range result.Errors {
			if err.Path != "" {
				fmt.Printf("  - %s: %s\n", err.Path, err.Message)
			} else {
				fmt.Printf("  - %s\n", err.Message)
			}
		}
	}

	if len(result.Warnings) > 0 {
		fmt.Printf("\nWarnings (%d):\n", len(result.Warnings))
		for _, warn := range result.Warnings {
			if warn.Path != "" {
				fmt.Printf("  - %s: %s\n", warn.Path, warn.Message)
			} else {
				fmt.Printf("  - %s\n", warn.Message)
			}
		}
	}

	fmt.Println()
	if len(result.Errors) == 0 && len(result.Warnings) == 0 {
		fmt.Println("Result: PASS")
	} else if len(result.Errors) == 0 {
		fmt.Println("Result: FAIL (warnings present)")
	} else {
		fmt.Println("Result: FAIL")
	}

	if len(result.Errors) > 0 || len(result.Warnings) > 0 {
		return fmt.Errorf("validation failed: %d error(s), %d warning(s)", len(result.Errors), len(result.Warnings))
	}
	return nil
}

// loadEnvFile loads path into the environment. The default .env may be
// absent; an explicitly named file must exist.
func loadEnvFile(path string, explicit bool) error {
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	log.LogInfoWithFields("main", "Loaded environment file", map[string]any{
		"path": path,
	})
	return nil
}

func main() {
	conf := flag.String("config", "", "path to config file (required)")
	envFile := flag.String("env-file", "", "load environment variables from this file (default .env if present)")
	version := flag.Bool("version", false, "print version and exit")
	help := flag.Bool("help", false, "print help and exit")
	configInit := flag.String("config-init", "", "generate default config file at specified path")
	validate := flag.Bool("validate", false, "validate config file and exit")
	flag.Parse()
	if *help {
		flag.Usage()
		return
	}
	if *version {
		fmt.Println(BuildVersion)
		return
	}
	if *configInit != "" {
		if err := generateDefaultConfig(*configInit); err != nil {
			log.LogError("Failed to generate config: %v", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default config at: %s\n", *configInit)
		return
	}

	if *validate {
		if *conf == "" {
			fmt.Fprintf(os.Stderr, "Error: -config flag is required for validation\n")
			os.Exit(1)
		}
		if err := validateConfig(*conf); err != nil {
			os.Exit(1)
		}
		return
	}

	if *conf == "" {
		fmt.Fprintf(os.Stderr, "Error: -config flag is required\n")
		fmt.Fprintf(os.Stderr, "Run with -help for usage information\n")
		os.Exit(1)
	}

	envPath, explicit := ".env", false
	if *envFile != "" {
		envPath, explicit = *envFile, true
	}
	if err := loadEnvFile(envPath, explicit); err != nil {
		log.LogError("Failed to load environment file: %v", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*conf)
	if err != nil {
		log.LogError("Failed to load config: %v", err)
		os.Exit(1)
	}

	log.LogInfoWithFields("main", "Starting identity-server", map[string]any{
		"version": BuildVersion,
		"config":  *conf,
	})

	ctx := context.Background()
	srv, err := internal.NewIdentityServer(ctx, cfg)
	if err != nil {
		log.LogError("Failed to create identity server: %v", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		log.LogError("Server stopped with error: %v", err)
		os.Exit(1)
	}
}
