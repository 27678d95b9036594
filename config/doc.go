// Package config provides application configuration management.
//
// Configuration is read from config.yaml (in . or ./config) with viper, filled with
// defaults and overridable through JUDGEBOX_* environment variables, for example
// JUDGEBOX_SANDBOX_MAX_INSTANCES=16. The languages section overrides or extends the
// built-in language table.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox backend: %s\n", cfg.Sandbox.Backend)
package config
