package main

import "time"

// Flag structs to decouple cobra from logic for testing.

// APIFlags selects the daemon a client command talks to.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

type ProjectFlags struct {
	Project string
	APIFlags
}

type StartFlags struct {
	Project   string
	Name      string
	SandboxID string
	Force     bool
	Wait      bool
	APIFlags
}

type StatusFlags struct {
	Project string
	Logs    bool
	APIFlags
}

type WatchFlags struct {
	Project     string
	Name        string
	SandboxID   string
	Force       bool
	Keep        bool
	MaxFailures int
	APIFlags
}

type LogsFlags struct {
	Project string
	Lines   int
	APIFlags
}

// ServeFlags holds flags for serve command
type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}
