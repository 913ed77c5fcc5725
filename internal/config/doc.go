// Package config provides YAML configuration loading and validation
// for the realtime transcription service, with secrets sourced from
// the environment.
package config
