// Package config holds the settings a deluge-rpc client needs to reach and
// authenticate against a daemon.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"deluge-rpc/loadbalance"
)

const (
	DefaultHost          = "localhost"
	DefaultPort          = 58846
	DefaultCallTimeout   = 5 * time.Second
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultClientVersion = "2.1.1"
	DefaultService       = "deluged"
)

// Registry configures daemon discovery. It is used only when Endpoints is
// non-empty.
type Registry struct {
	Endpoints []string
	Service   string
	Balancer  string
}

func (r Registry) Enabled() bool { return len(r.Endpoints) > 0 }

type Config struct {
	Host          string
	Port          int
	Username      string
	Password      string
	ClientVersion string

	CallTimeout  time.Duration
	PollInterval time.Duration

	// Caller side call policy.
	Deadline  time.Duration // overall per-call deadline including retries, 0 for none
	Retries   int           // retries after an invoke timeout
	RateLimit float64       // calls per second, 0 for unlimited
	RateBurst int

	Registry Registry

	LogLevel string
}

func Default() Config {
	return Config{
		Host:          DefaultHost,
		Port:          DefaultPort,
		ClientVersion: DefaultClientVersion,
		CallTimeout:   DefaultCallTimeout,
		PollInterval:  DefaultPollInterval,
		RateBurst:     1,
		Registry: Registry{
			Service:  DefaultService,
			Balancer: "round_robin",
		},
		LogLevel: "info",
	}
}

// Address is the host:port the client dials when discovery is off.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) Validate() error {
	var errs []error
	if c.Host == "" && !c.Registry.Enabled() {
		errs = append(errs, errors.New("host is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("call timeout must be positive, got %s", c.CallTimeout))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}
	if c.Retries < 0 {
		errs = append(errs, fmt.Errorf("retries must not be negative, got %d", c.Retries))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate limit must not be negative, got %v", c.RateLimit))
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		errs = append(errs, fmt.Errorf("rate burst must be at least 1, got %d", c.RateBurst))
	}
	if c.Registry.Enabled() {
		if c.Registry.Service == "" {
			errs = append(errs, errors.New("registry service name is required"))
		}
		if _, err := loadbalance.New(c.Registry.Balancer); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
