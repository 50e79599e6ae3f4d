// Package config loads governd settings from YAML and GOVERN_* environment
// variables and converts them into a govern.Config.
package config
