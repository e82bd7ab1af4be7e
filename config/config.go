// Package config loads the YAML configuration sections of the game network
// engine and notifies interested components when a section is hot-reloaded.
package config

// Config interface defines the basic configuration contract
type Config interface {
	GetName() string
	Validate() error
}

// ConfigChangeListener is notified after a configuration section has been
// reloaded, validated and stored.
type ConfigChangeListener interface {
	// OnConfigChanged receives the new and previous values of the section.
	OnConfigChanged(configName string, newConfig, oldConfig Config) error

	// GetConfigName returns the section the listener is interested in.
	GetConfigName() string
}
