package sshconn

import (
	"errors"
	"net"
	"strconv"
	"time"
)

const (
	DefaultPort              = 22
	DefaultConnectTimeout    = 5 * time.Second
	DefaultIOTimeout         = 60 * time.Second
	DefaultKeepAliveInterval = 15 * time.Second
)

// Secret holds a password, private key or passphrase. It prints and
// marshals redacted.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[SECRET]"
}

func (s Secret) GoString() string { return `"[SECRET]"` }

func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"[SECRET]"`), nil }

// Config describes one connection attempt. It is built per connect and
// never stored by this package.
type Config struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   Secret `json:"password,omitempty"`
	PrivateKey Secret `json:"private_key,omitempty"`
	Passphrase Secret `json:"passphrase,omitempty"`

	ConnectTimeout    time.Duration `json:"connect_timeout"`
	KeepAliveInterval time.Duration `json:"keep_alive_interval"`

	// Carried for callers; nothing in this package reconnects on its own.
	AutoReconnect bool `json:"auto_reconnect"`
	MaxReconnects int  `json:"max_reconnects"`
}

func (c Config) port() int {
	if c.Port <= 0 {
		return DefaultPort
	}
	return c.Port
}

// Addr returns host:port with the default port applied.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.port()))
}

func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return DefaultConnectTimeout
	}
	return c.ConnectTimeout
}

// Validate checks the fields every connection needs.
func (c Config) Validate() error {
	if c.Host == "" {
		return errors.New("host is required")
	}
	if c.Username == "" {
		return errors.New("username is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return errors.New("port out of range")
	}
	return nil
}
