package commands

import (
	"net"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/n0ot/screenrelay/pkg/relay"
)

const (
	defaultBind         = "127.0.0.1:3000"
	defaultPingInterval = 30 * time.Second
)

// serverConfig is the settings the start command runs with.
type serverConfig struct {
	Bind           string
	PingInterval   time.Duration
	StatsPassword  string
	AllowedOrigins []string
	DrainInterval  time.Duration
	DeviceTag      string
	UseTLS         bool
	CertFile       string
	KeyFile        string
	LogLevel       string
	LogFormat      string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.bind", defaultBind)
	v.SetDefault("server.pingInterval", defaultPingInterval)
	v.SetDefault("server.statsPassword", "")
	v.SetDefault("server.allowedOrigins", []string{})
	v.SetDefault("relay.drainInterval", relay.DefaultDrainInterval)
	v.SetDefault("relay.deviceTag", relay.DefaultDeviceTag)
	v.SetDefault("tls.useTls", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func loadConfig(v *viper.Viper) (*serverConfig, error) {
	cfg := &serverConfig{
		Bind:           v.GetString("server.bind"),
		PingInterval:   v.GetDuration("server.pingInterval"),
		StatsPassword:  v.GetString("server.statsPassword"),
		AllowedOrigins: v.GetStringSlice("server.allowedOrigins"),
		DrainInterval:  v.GetDuration("relay.drainInterval"),
		DeviceTag:      v.GetString("relay.deviceTag"),
		UseTLS:         v.GetBool("tls.useTls"),
		CertFile:       os.ExpandEnv(v.GetString("tls.certFile")),
		KeyFile:        os.ExpandEnv(v.GetString("tls.keyFile")),
		LogLevel:       v.GetString("log.level"),
		LogFormat:      v.GetString("log.format"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "Invalid configuration")
	}
	return cfg, nil
}

// Validate checks the configuration before anything is started.
func (c *serverConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Bind, validation.Required, validation.By(hostPort)),
		validation.Field(&c.PingInterval, validation.Min(time.Duration(0))),
		validation.Field(&c.AllowedOrigins, validation.Each(is.URL)),
		validation.Field(&c.DrainInterval, validation.Required, validation.Min(10*time.Millisecond)),
		validation.Field(&c.DeviceTag, validation.Required),
		validation.Field(&c.CertFile, validation.When(c.UseTLS, validation.Required)),
		validation.Field(&c.KeyFile, validation.When(c.UseTLS, validation.Required)),
		validation.Field(&c.LogLevel, validation.In("panic", "fatal", "error", "warn", "warning", "info", "debug", "trace")),
		validation.Field(&c.LogFormat, validation.In("text", "json")),
	)
}

func hostPort(value interface{}) error {
	addr, _ := value.(string)
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return errors.New("must be host:port")
	}
	return nil
}

func (c *serverConfig) newLogger() *logrus.Logger {
	log := logrus.New()
	log.Out = os.Stderr
	if c.LogFormat == "json" {
		log.Formatter = new(logrus.JSONFormatter)
	} else {
		log.Formatter = new(logrus.TextFormatter)
	}
	// The level was validated already.
	level, _ := logrus.ParseLevel(c.LogLevel)
	log.Level = level
	return log
}
