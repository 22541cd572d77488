// Package config holds the CLI configuration: flag definitions, an optional
// YAML file, and validation.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/1ureka/peercall/internal/iceconfig"
)

// Role represents what the process runs as.
type Role string

const (
	RolePeer  Role = "peer"  // places and answers calls
	RoleRelay Role = "relay" // hosts the signaling log
)

// Transport selects how a peer talks to the relay.
type Transport string

const (
	TransportWS  Transport = "ws"
	TransportSSE Transport = "sse"
)

// MediaSource selects where local media comes from.
type MediaSource string

const (
	MediaSynthetic MediaSource = "synthetic"
	MediaDevices   MediaSource = "devices"
)

var ErrInvalid = errors.New("invalid configuration")

// Config stores all parameters gathered from flags and the config file.
type Config struct {
	Role      Role      `yaml:"role"`
	PeerID    string    `yaml:"peer"`
	RelayURL  string    `yaml:"relay"`     // Peer: relay base URL
	Transport Transport `yaml:"transport"` // Peer: ws or sse
	StatePath string    `yaml:"state"`     // Peer: SQLite file for the last processed serial

	ICEServers     []string `yaml:"iceServers"`     // STUN/TURN URLs
	ICEServersJSON string   `yaml:"iceServersJson"` // JSON array of RTCIceServer
	ICEServersURL  string   `yaml:"iceServersUrl"`  // fetched per call
	ICEServersFile string   `yaml:"iceServersFile"` // YAML file with iceServers:
	RelayOnly      bool     `yaml:"relayOnly"`

	Media        MediaSource   `yaml:"media"`
	EagerMedia   bool          `yaml:"eagerMedia"`
	AutoAccept   bool          `yaml:"autoAccept"`
	StallWarning time.Duration `yaml:"stallWarning"`
	Headless     bool          `yaml:"headless"`

	Listen  string `yaml:"listen"`  // Relay: listen address
	Metrics string `yaml:"metrics"` // Peer: Prometheus listen address, empty disables

	Debug bool `yaml:"debug"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Role:         RolePeer,
		Transport:    TransportWS,
		Media:        MediaSynthetic,
		StallWarning: 30 * time.Second,
		Listen:       "127.0.0.1:8780",
	}
}

// Load builds the configuration from args. Values from --config are applied
// first; flags given on the command line override them.
func Load(args []string) (Config, error) {
	cfg := Default()

	if path := configPath(args); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	fs := cfg.flagSet()
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if cfg.PeerID == "" {
		cfg.PeerID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// configPath finds --config without failing on the flags it does not know.
func configPath(args []string) string {
	pre := pflag.NewFlagSet("pre", pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.SetOutput(io.Discard)
	pre.Usage = func() {}
	path := pre.StringP("config", "c", "", "")
	_ = pre.Parse(args)
	return *path
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// flagSet binds every field to a flag whose default is the current value.
func (c *Config) flagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("peercall", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringP("config", "c", "", "YAML config file")
	fs.StringVar((*string)(&c.Role), "role", string(c.Role), "Role: peer or relay")
	fs.StringVar(&c.PeerID, "peer", c.PeerID, "Peer id (default: random)")
	fs.StringVarP(&c.RelayURL, "relay", "r", c.RelayURL, "Relay URL (peer only)")
	fs.StringVar((*string)(&c.Transport), "transport", string(c.Transport), "Relay transport: ws or sse")
	fs.StringVar(&c.StatePath, "state", c.StatePath, "SQLite file remembering the last processed update")

	fs.StringSliceVar(&c.ICEServers, "ice", c.ICEServers, "STUN/TURN server URL (repeatable)")
	fs.StringVar(&c.ICEServersJSON, "ice-json", c.ICEServersJSON, "ICE servers as a JSON array")
	fs.StringVar(&c.ICEServersURL, "ice-url", c.ICEServersURL, "URL returning ICE servers as JSON, fetched per call")
	fs.StringVar(&c.ICEServersFile, "ice-file", c.ICEServersFile, "YAML file listing ICE servers")
	fs.BoolVar(&c.RelayOnly, "relay-only", c.RelayOnly, "Only use TURN relay candidates")

	fs.StringVar((*string)(&c.Media), "media", string(c.Media), "Local media: synthetic or devices")
	fs.BoolVar(&c.EagerMedia, "eager-media", c.EagerMedia, "Wait for local media before sending the offer or answer")
	fs.BoolVar(&c.AutoAccept, "auto-accept", c.AutoAccept, "Accept incoming calls without asking")
	fs.DurationVar(&c.StallWarning, "stall-warning", c.StallWarning, "Warn when a call is not connected after this long (0 disables)")
	fs.BoolVar(&c.Headless, "headless", c.Headless, "No interactive menu")

	fs.StringVarP(&c.Listen, "listen", "l", c.Listen, "Listen address (relay only)")
	fs.StringVar(&c.Metrics, "metrics", c.Metrics, "Serve Prometheus metrics on this address (peer only)")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "Enable debug logging")
	return fs
}

// Validate checks enumerations and normalizes the relay URL.
func (c *Config) Validate() error {
	switch c.Role {
	case RolePeer, RoleRelay:
	default:
		return fmt.Errorf("%w: role must be peer or relay, got %q", ErrInvalid, c.Role)
	}
	switch c.Transport {
	case TransportWS, TransportSSE:
	default:
		return fmt.Errorf("%w: transport must be ws or sse, got %q", ErrInvalid, c.Transport)
	}
	switch c.Media {
	case MediaSynthetic, MediaDevices:
	default:
		return fmt.Errorf("%w: media must be synthetic or devices, got %q", ErrInvalid, c.Media)
	}
	if c.StallWarning < 0 {
		return fmt.Errorf("%w: stall-warning must not be negative", ErrInvalid)
	}

	if c.RelayURL != "" {
		u, err := NormalizeRelayURL(c.RelayURL, c.Transport)
		if err != nil {
			return err
		}
		c.RelayURL = u
	}
	return nil
}

// NormalizeRelayURL validates a raw relay address and returns the endpoint
// for t: ws(s)://host/ws for WebSocket, http(s)://host for SSE. A bare host
// defaults to the secure scheme.
func NormalizeRelayURL(raw string, t Transport) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: relay URL %q", ErrInvalid, raw)
	}

	secure := true
	switch u.Scheme {
	case "ws", "http":
		secure = false
	case "wss", "https":
	default:
		return "", fmt.Errorf("%w: relay URL scheme %q", ErrInvalid, u.Scheme)
	}

	if t == TransportSSE {
		if secure {
			return "https://" + u.Host, nil
		}
		return "http://" + u.Host, nil
	}
	if secure {
		return "wss://" + u.Host + "/ws", nil
	}
	return "ws://" + u.Host + "/ws", nil
}

// ICESource picks the ICE server source. In order of preference: the HTTP
// endpoint, the YAML file, the JSON string, the URL list, public STUN.
func (c Config) ICESource(client *http.Client) (iceconfig.Source, error) {
	switch {
	case c.ICEServersURL != "":
		return iceconfig.HTTP{URL: c.ICEServersURL, Client: client}, nil
	case c.ICEServersFile != "":
		return iceconfig.LoadFile(c.ICEServersFile)
	case c.ICEServersJSON != "":
		return iceconfig.ParseJSON(c.ICEServersJSON)
	case len(c.ICEServers) > 0:
		return iceconfig.FromURLs(c.ICEServers), nil
	}
	return iceconfig.DefaultSTUN, nil
}
