package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

type rawConfig struct {
	Listen string `yaml:"listen"`
	Paths  struct {
		HAProxyCfg       string `yaml:"haproxy_cfg"`
		ConfDir          string `yaml:"conf_dir"`
		FrontendFragment string `yaml:"frontend_fragment"`
		Certificate      string `yaml:"certificate"`
	} `yaml:"paths"`
	Probe struct {
		Timeout     string `yaml:"timeout"`
		Concurrency *int   `yaml:"concurrency"`
	} `yaml:"probe"`
	Commands struct {
		Status  string `yaml:"status"`
		Start   string `yaml:"start"`
		Stop    string `yaml:"stop"`
		Restart string `yaml:"restart"`
		Test    string `yaml:"test"`
	} `yaml:"commands"`
	Timeouts struct {
		Read    string `yaml:"read"`
		Write   string `yaml:"write"`
		Command string `yaml:"command"`
	} `yaml:"timeouts"`
	RateLimit struct {
		RequestsPerSecond *float64 `yaml:"requests_per_second"`
		Burst             *int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default is the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen: ":5000",
		Paths: Paths{
			HAProxyCfg:       "/etc/haproxy/haproxy.cfg",
			ConfDir:          "/etc/haproxy/conf.d",
			FrontendFragment: "00-frontend.cfg",
			Certificate:      "/etc/haproxy/certs/cloudflare.pem",
		},
		Probe: Probe{Timeout: 2 * time.Second, Concurrency: 16},
		Commands: Commands{
			Status:  "sudo systemctl status haproxy",
			Start:   "sudo systemctl start haproxy",
			Stop:    "sudo systemctl stop haproxy",
			Restart: "sudo systemctl restart haproxy",
			Test:    "sudo haproxy -c -f /etc/haproxy/haproxy.cfg",
		},
		Timeouts:  Timeouts{Read: 10 * time.Second, Write: 30 * time.Second, Command: 30 * time.Second},
		RateLimit: RateLimit{RequestsPerSecond: 5, Burst: 10},
		Log:       Log{Level: "info", Format: "json"},
	}
}

// FrontendPath is the absolute path of the shared frontend fragment.
func (c *Config) FrontendPath() string {
	return filepath.Join(c.Paths.ConfDir, c.Paths.FrontendFragment)
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, errors.Wrap(err, "yaml")
	}
	return normalize(&rc)
}

func normalize(rc *rawConfig) (*Config, error) {
	cfg := Default()

	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Listen, rc.Listen)

	// paths
	set(&cfg.Paths.HAProxyCfg, rc.Paths.HAProxyCfg)
	set(&cfg.Paths.ConfDir, rc.Paths.ConfDir)
	set(&cfg.Paths.FrontendFragment, rc.Paths.FrontendFragment)
	set(&cfg.Paths.Certificate, rc.Paths.Certificate)
	if ff := cfg.Paths.FrontendFragment; strings.ContainsAny(ff, `/\`) || !strings.HasSuffix(ff, ".cfg") {
		return nil, errors.Newf("paths.frontend_fragment: %q must be a bare .cfg file name", ff)
	}

	// commands
	set(&cfg.Commands.Status, rc.Commands.Status)
	set(&cfg.Commands.Start, rc.Commands.Start)
	set(&cfg.Commands.Stop, rc.Commands.Stop)
	set(&cfg.Commands.Restart, rc.Commands.Restart)
	set(&cfg.Commands.Test, rc.Commands.Test)

	// durations
	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"probe.timeout", rc.Probe.Timeout, &cfg.Probe.Timeout},
		{"timeouts.read", rc.Timeouts.Read, &cfg.Timeouts.Read},
		{"timeouts.write", rc.Timeouts.Write, &cfg.Timeouts.Write},
		{"timeouts.command", rc.Timeouts.Command, &cfg.Timeouts.Command},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, errors.Wrapf(err, "%s", d.name)
		}
		if v <= 0 {
			return nil, errors.Newf("%s: must be positive, got %s", d.name, d.raw)
		}
		*d.dst = v
	}

	if rc.Probe.Concurrency != nil {
		if *rc.Probe.Concurrency < 1 {
			return nil, errors.Newf("probe.concurrency: must be at least 1, got %d", *rc.Probe.Concurrency)
		}
		cfg.Probe.Concurrency = *rc.Probe.Concurrency
	}

	// rate limit
	if rc.RateLimit.RequestsPerSecond != nil {
		if *rc.RateLimit.RequestsPerSecond < 0 {
			return nil, errors.New("rate_limit.requests_per_second: must not be negative")
		}
		cfg.RateLimit.RequestsPerSecond = *rc.RateLimit.RequestsPerSecond
	}
	if rc.RateLimit.Burst != nil {
		if *rc.RateLimit.Burst < 0 {
			return nil, errors.New("rate_limit.burst: must not be negative")
		}
		cfg.RateLimit.Burst = *rc.RateLimit.Burst
	}

	// log
	set(&cfg.Log.Level, strings.ToLower(rc.Log.Level))
	set(&cfg.Log.Format, strings.ToLower(rc.Log.Format))
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return nil, errors.Newf("log.level: unknown level %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "console":
	default:
		return nil, errors.Newf("log.format: unknown format %q", cfg.Log.Format)
	}

	return cfg, nil
}
