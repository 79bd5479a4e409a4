package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hostedid/mailsend/internal/email"
)

// PasswordEnv is the plain environment variable holding the relay credential
const PasswordEnv = email.PasswordEnv

// Config holds all configuration for the application
type Config struct {
	Email EmailConfig `mapstructure:"email"`
	Log   LogConfig   `mapstructure:"log"`
}

// EmailConfig holds the sender identity and relay settings
type EmailConfig struct {
	// SenderAddress is the From address, also used as the AUTH username
	SenderAddress string `mapstructure:"sender_address"`
	// RelayHost is the submission server host name, optionally with ":port"
	RelayHost string `mapstructure:"relay_host"`
	// Port is used when RelayHost carries no port
	Port int `mapstructure:"port"`
	// Password is the relay credential, normally sourced from EMAIL_PASSWORD
	Password string `mapstructure:"password"`
	// LocalName is sent in EHLO; empty keeps the client default
	LocalName string `mapstructure:"local_name"`
	// DialTimeout bounds the TCP connect; zero leaves the OS default
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// InsecureSkipVerify disables relay certificate verification
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

// Address returns the host:port the sender dials. A zero Port means the
// submission default.
func (c EmailConfig) Address() string {
	if _, _, err := net.SplitHostPort(c.RelayHost); err == nil {
		return c.RelayHost
	}
	port := c.Port
	if port == 0 {
		port = email.DefaultSubmissionPort
	}
	return net.JoinHostPort(c.RelayHost, strconv.Itoa(port))
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from an optional file and environment variables.
// An empty path searches the default locations for mailsend.yaml.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mailsend")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/mailsend")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("MAILSEND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindEnv("email.password", PasswordEnv, "MAILSEND_EMAIL_PASSWORD"); err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", PasswordEnv, err)
	}
	// AutomaticEnv resolves the prefixed name first, so EMAIL_PASSWORD is
	// pinned as an override to win over MAILSEND_EMAIL_PASSWORD.
	if p := os.Getenv(PasswordEnv); p != "" {
		v.Set("email.password", p)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Email defaults
	v.SetDefault("email.sender_address", "")
	v.SetDefault("email.relay_host", "smtp.gmail.com")
	v.SetDefault("email.port", 587)
	v.SetDefault("email.password", "")
	v.SetDefault("email.local_name", "")
	v.SetDefault("email.dial_timeout", "0s")
	v.SetDefault("email.insecure_skip_verify", false)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}
