package config

import "time"

// Config is the normalized application configuration. Every field is set.
type Config struct {
	Listen    string
	Paths     Paths
	Probe     Probe
	Commands  Commands
	Timeouts  Timeouts
	RateLimit RateLimit
	Log       Log
}

// Paths locates the proxy configuration tree.
type Paths struct {
	HAProxyCfg       string
	ConfDir          string
	FrontendFragment string // file name inside ConfDir
	Certificate      string // used when the frontend fragment is created
}

type Probe struct {
	Timeout     time.Duration
	Concurrency int
}

// Commands are full command lines; they are split into words, never passed to a shell.
type Commands struct {
	Status  string
	Start   string
	Stop    string
	Restart string
	Test    string
}

type Timeouts struct {
	Read    time.Duration
	Write   time.Duration
	Command time.Duration
}

// RateLimit applies per client IP to mutating API calls. Zero RPS disables it.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

type Log struct {
	Level  string // debug | info | warn | error
	Format string // json | console
}
