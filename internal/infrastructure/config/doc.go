// Package config handles loading and validating DCP core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Loading an optional .env file
//   - Overriding with DCP_* environment variables
//   - Validation of required fields
//
// Security Considerations:
//   - Sensitive values (JWT secret, bootstrap password, broker credentials)
//     should be set via environment variables or .env, never committed
//   - The JWT secret must be at least 32 characters
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.AccessTokenTTL())
package config
