// Package config provides configuration loading and validation for the VoIP relay service.
// It supplies the fixed deployment defaults (ports, audio format, queue and ring sizes)
// and lets an optional YAML file override individual fields.
package config
