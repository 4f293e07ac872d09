package main

import "time"

// Flag structs to decouple cobra from logic for testing.

type StatusFlags struct {
	ID   string
	Logs int
	// Local agent connection
	APIUrl     string
	APITimeout time.Duration
}

type RunFlags struct {
	ID string
	// Local agent connection
	APIUrl     string
	APITimeout time.Duration
}

type StatsFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

type SubscribeFlags struct {
	IDs []string
	// Local agent connection
	APIUrl     string
	APITimeout time.Duration
}

type SettingsFlags struct {
	Set []string // key=value pairs
	// Local agent connection
	APIUrl     string
	APITimeout time.Duration
}

type ConnectionFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

type ServeFlags struct {
	ConfigPath string
}
