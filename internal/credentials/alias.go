package credentials

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kevinburke/ssh_config"
	"github.com/shellport/shellport/internal/sshconn"
)

// Quick-connect defaults for hosts that come from ssh_config rather than a
// stored server row.
const (
	QuickConnectTimeout   = 10 * time.Second
	QuickConnectKeepAlive = 15 * time.Second
)

var ErrUnknownAlias = errors.New("host alias not found in ssh config")

// Alias is a concrete Host entry from ssh_config.
type Alias struct {
	Name         string `json:"name"`
	HostName     string `json:"hostname"`
	User         string `json:"user"`
	Port         int    `json:"port"`
	IdentityFile string `json:"identity_file,omitempty"`
}

func defaultSSHConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "config")
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func (r *Resolver) loadSSHConfig() (*ssh_config.Config, error) {
	if r.sshConfigPath == "" {
		return nil, fmt.Errorf("%w: no ssh config path", ErrUnknownAlias)
	}
	content, err := os.ReadFile(r.sshConfigPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh config: %w", err)
	}
	cfg, err := ssh_config.Decode(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse ssh config: %w", err)
	}
	return cfg, nil
}

func lookupAlias(cfg *ssh_config.Config, name string) Alias {
	a := Alias{Name: name, HostName: name, Port: sshconn.DefaultPort}
	if v, _ := cfg.Get(name, "HostName"); v != "" {
		a.HostName = v
	}
	if v, _ := cfg.Get(name, "User"); v != "" {
		a.User = v
	}
	if v, _ := cfg.Get(name, "Port"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			a.Port = p
		}
	}
	if v, _ := cfg.Get(name, "IdentityFile"); v != "" {
		a.IdentityFile = expandHome(v)
	}
	return a
}

// Aliases lists the concrete host aliases, skipping wildcard patterns.
// A missing config file yields an empty list.
func (r *Resolver) Aliases() ([]Alias, error) {
	cfg, err := r.loadSSHConfig()
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []Alias
	for _, host := range cfg.Hosts {
		for _, pattern := range host.Patterns {
			name := pattern.String()
			if strings.ContainsAny(name, "*?!") || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, lookupAlias(cfg, name))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// FromAlias builds a quick-connect config for an ssh_config host alias. The
// IdentityFile, when set, is read as the private key; callers may add a
// password before dialing.
func (r *Resolver) FromAlias(name string) (sshconn.Config, error) {
	cfg, err := r.loadSSHConfig()
	if err != nil {
		return sshconn.Config{}, err
	}
	known := false
	for _, host := range cfg.Hosts {
		for _, pattern := range host.Patterns {
			if pattern.String() == name {
				known = true
			}
		}
	}
	if !known {
		return sshconn.Config{}, fmt.Errorf("%w: %s", ErrUnknownAlias, name)
	}

	a := lookupAlias(cfg, name)
	out := sshconn.Config{
		Host:              a.HostName,
		Port:              a.Port,
		Username:          a.User,
		ConnectTimeout:    QuickConnectTimeout,
		KeepAliveInterval: QuickConnectKeepAlive,
	}
	if a.IdentityFile != "" {
		key, err := os.ReadFile(a.IdentityFile)
		if err != nil {
			return sshconn.Config{}, fmt.Errorf("read identity file for %s: %w", name, err)
		}
		out.PrivateKey = sshconn.Secret(NormalizePEM(string(key)))
	}
	return out, nil
}
