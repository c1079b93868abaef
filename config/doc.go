// Package config loads streambus client configuration.
//
// Configuration is built in layers: the built-in Default, then each file
// added with AddLayer (JSON or YAML, chosen by extension), then environment
// overrides with the STREAMBUS_ prefix. Every file layer is checked against
// an embedded JSON Schema before it is merged, so unknown keys and bad enum
// values fail early with the offending field named. Full semantic checks run
// through Config.Validate when enabled.
//
// Durations may be written as Go duration strings ("250ms", "2s") or with a
// day suffix ("7d"); integers are read as nanoseconds.
//
//	loader := config.NewLoader()
//	loader.AddLayer("streambus.yaml")
//	loader.AddLayer("override.json")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//
// SafeConfig wraps a Config for concurrent readers; Get returns a copy and
// Update validates before swapping.
package config
