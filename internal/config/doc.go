// Package config provides configuration management for the weft process.
//
// Configuration is loaded from WEFT_-prefixed environment variables using
// the env package. All values have development defaults except provider
// credentials, which must be set explicitly.
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Printf("HTTP server will listen on %s\n", cfg.GetHTTPAddr())
package config
