// Package config gathers client settings from defaults, a YAML file, the
// environment and command-line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"
)

const (
	envSignalingURL = "CHITCHAT_SIGNALING_URL"

	DefaultSignalingURL  = "ws://localhost:3001/ws"
	DefaultStatsInterval = 30 * time.Second
)

// DefaultSTUNURLs is used when no ICE server is configured.
var DefaultSTUNURLs = []string{"stun:stun.l.google.com:19302"}

// ICEServer is the YAML form of one STUN/TURN entry.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// Config stores everything the client needs to run.
type Config struct {
	SignalingURL    string            `yaml:"signaling_url"`
	ICEServers      []ICEServer       `yaml:"ice_servers"`
	Filters         map[string]string `yaml:"filters"`
	IncludeLoopback bool              `yaml:"include_loopback"`
	Debug           bool              `yaml:"debug"`
	StatsInterval   time.Duration     `yaml:"stats_interval"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		SignalingURL:  DefaultSignalingURL,
		ICEServers:    []ICEServer{{URLs: append([]string(nil), DefaultSTUNURLs...)}},
		Filters:       map[string]string{},
		StatsInterval: DefaultStatsInterval,
	}
}

// Load reads a YAML file over the defaults and then applies the environment.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := strings.TrimSpace(getenv(envSignalingURL)); v != "" {
		c.SignalingURL = v
	}

	servers, err := parseICEServersFromValues(getenv(envICEServersJSON), getenv(envStunURLs), getenv(envTurnURLs), getenv(envTurnUsername), getenv(envTurnCredential))
	if err != nil {
		return err
	}
	if len(servers) > 0 {
		c.ICEServers = fromPion(servers)
	}
	return nil
}

// SetSTUNURLs replaces the ICE servers with a single STUN entry, as the
// --stun flag does.
func (c *Config) SetSTUNURLs(raw string) error {
	servers, err := ParseICEServersFromConvenienceEnv(raw, "", "", "")
	if err != nil {
		return err
	}
	c.ICEServers = fromPion(servers)
	return nil
}

// Validate normalizes the signaling URL and checks every ICE server.
func (c *Config) Validate() error {
	u, err := NormalizeSignalingURL(c.SignalingURL)
	if err != nil {
		return err
	}
	c.SignalingURL = u

	if c.StatsInterval < 0 {
		return errors.New("stats_interval must not be negative")
	}
	if c.Filters == nil {
		c.Filters = map[string]string{}
	}

	for i, s := range c.PionICEServers() {
		if err := validateICEServer(s); err != nil {
			return fmt.Errorf("ice_servers[%d]: %w", i, err)
		}
	}
	return nil
}

// PionICEServers converts the configured servers for webrtc.Configuration.
// An empty list means host candidates only.
func (c Config) PionICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		out = append(out, server)
	}
	return out
}

// NormalizeSignalingURL validates a relay address and fills in the scheme and
// the /ws path. Only ws and wss are kept; anything else becomes wss.
func NormalizeSignalingURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid signaling URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	path := u.Path
	if path == "" || path == "/" {
		path = "/ws"
	}
	return fmt.Sprintf("%s://%s%s", scheme, u.Host, path), nil
}

func fromPion(servers []webrtc.ICEServer) []ICEServer {
	out := make([]ICEServer, 0, len(servers))
	for _, s := range servers {
		entry := ICEServer{URLs: s.URLs, Username: s.Username}
		if cred, ok := s.Credential.(string); ok {
			entry.Credential = cred
		}
		out = append(out, entry)
	}
	return out
}
