package service

import "time"

// Config holds the process-level options that are not part of the
// settings file
type Config struct {
	SettingsPath    string        `ff:"long: settings, default: config.yaml, usage: settings file path"`
	CredentialsPath string        `ff:"long: credentials, default: credentials.txt, usage: credentials file path"`
	ReadTimeout     time.Duration `ff:"long: read-timeout, default: 5s, usage: per-connection deadline (0 disables)"`
	Watch           bool          `ff:"long: watch, default: true, usage: reload the settings file when it changes on disk"`
}
