package main

import "time"

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
	Debug      bool
}

// APIFlags holds daemon API connection flags.
type APIFlags struct {
	URL     string
	Timeout time.Duration
}

// StopFlags holds flags for the stop command.
type StopFlags struct {
	API  APIFlags
	Wait time.Duration
}

// LogsFlags holds flags for the logs command.
type LogsFlags struct {
	API APIFlags
	N   int
}

// CheckFlags holds flags for the check command.
type CheckFlags struct {
	Python  string
	Install bool
}

// SetupFlags holds flags for the setup command.
type SetupFlags struct {
	Dir string
}
