// Package config loads the service configuration with viper from an
// optional config.yaml and ENRICH_-prefixed environment variables (a local
// .env file is read first), then validates it with struct tags.
package config
