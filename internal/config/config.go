// Package config builds the daemon's runtime configuration, binding
// github.com/spf13/viper and github.com/spf13/pflag flags through a
// functional-options constructor, following
// rancher-elemental-toolkit/pkg/config.NewConfig's GenericOptions
// pattern.
package config

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tpm2-software/tpm2-brokerd/internal/blog"
)

// TCTI selects which downstream TPM transport the broker dials.
type TCTI string

const (
	TCTIDevice TCTI = "device"
	TCTISocket TCTI = "socket"
	TCTINone   TCTI = "none"
)

// Config holds every value spec.md §6 names, plus the ambient
// concerns (logger) every component is constructed with.
type Config struct {
	Logger blog.Logger

	MaxConnections      int
	MaxTransientObjects int
	MaxSessions         int

	TCTI             TCTI
	TCTIDeviceName   string
	TCTISocketAddr   string
	TCTISocketPort   int

	ClientSocketPath string
	SaveEveryCommand bool
	LogLevel         string
}

// defaults mirror spec.md §6 exactly.
func defaults() *Config {
	return &Config{
		Logger:              blog.New(),
		MaxConnections:      27,
		MaxTransientObjects: 27,
		MaxSessions:         27,
		TCTI:                TCTIDevice,
		TCTIDeviceName:      "/dev/tpm0",
		TCTISocketAddr:      "127.0.0.1",
		TCTISocketPort:      2321,
		ClientSocketPath:    "/run/tpm2-brokerd/sock",
		SaveEveryCommand:    false,
		LogLevel:            "info",
	}
}

// Option mutates a Config under construction.
type Option func(*Config) error

func WithLogger(l blog.Logger) Option {
	return func(c *Config) error { c.Logger = l; return nil }
}

func WithLimits(maxConnections, maxTransientObjects, maxSessions int) Option {
	return func(c *Config) error {
		c.MaxConnections = maxConnections
		c.MaxTransientObjects = maxTransientObjects
		c.MaxSessions = maxSessions
		return nil
	}
}

func WithTCTI(tcti TCTI, deviceName, socketAddr string, socketPort int) Option {
	return func(c *Config) error {
		switch tcti {
		case TCTIDevice, TCTISocket, TCTINone:
		default:
			return fmt.Errorf("config: unknown tcti %q", tcti)
		}
		c.TCTI = tcti
		c.TCTIDeviceName = deviceName
		c.TCTISocketAddr = socketAddr
		c.TCTISocketPort = socketPort
		return nil
	}
}

func WithClientSocketPath(path string) Option {
	return func(c *Config) error { c.ClientSocketPath = path; return nil }
}

func WithSaveEveryCommand(enabled bool) Option {
	return func(c *Config) error { c.SaveEveryCommand = enabled; return nil }
}

// New builds a Config from defaults, then applies opts in order.
func New(opts ...Option) (*Config, error) {
	c := defaults()
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// BindFlags registers every spec.md §6 flag on fs and binds it
// through v, following the donor project's viper+pflag wiring. Call
// FromViper after pflag.Parse to materialize a Config from the bound
// values.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) {
	fs.Int("max-connections", 27, "bound on the connection registry")
	fs.Int("max-transient-objects", 27, "per-connection bound on the transient handle map")
	fs.Int("max-sessions", 27, "bound on the global session list")
	fs.String("tcti", "device", "TPM transport: device|socket|none")
	fs.String("tcti-device-name", "/dev/tpm0", "device path for the device transport")
	fs.String("tcti-socket-address", "127.0.0.1", "simulator host for the socket transport")
	fs.Int("tcti-socket-port", 2321, "simulator port for the socket transport")
	fs.String("client-socket-path", "/run/tpm2-brokerd/sock", "Unix domain socket clients connect to")
	fs.Bool("save-every-command", false, "opportunistically ContextSave every touched handle after each command")
	fs.String("log-level", "info", "logrus level: trace|debug|info|warn|error")

	_ = v.BindPFlags(fs)
}

// FromViper materializes a Config from a Viper populated by
// BindFlags + pflag.Parse (and optionally a config file/env vars, per
// viper's usual precedence rules).
func FromViper(v *viper.Viper, log blog.Logger) (*Config, error) {
	maxConn := v.GetInt("max-connections")
	maxTrans := v.GetInt("max-transient-objects")
	maxSess := v.GetInt("max-sessions")

	return New(
		WithLogger(log),
		WithLimits(maxConn, maxTrans, maxSess),
		WithTCTI(TCTI(v.GetString("tcti")), v.GetString("tcti-device-name"), v.GetString("tcti-socket-address"), v.GetInt("tcti-socket-port")),
		WithClientSocketPath(v.GetString("client-socket-path")),
		WithSaveEveryCommand(v.GetBool("save-every-command")),
		func(c *Config) error { c.LogLevel = v.GetString("log-level"); return nil },
	)
}
