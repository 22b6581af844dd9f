package config

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"gitlab.lrz.de/ipk-2025/chatsim/messages"
)

const (
	DefaultHost       = "0.0.0.0"
	DefaultPort       = 4567
	DefaultBufferSize = 1024
)

// Confirm modes decide what the responder puts into a Confirm.
const (
	// ConfirmEcho references the message ID the peer sent.
	ConfirmEcho = "echo"
	// ConfirmCounter sends the low byte of the responder's own counter.
	ConfirmCounter = "counter"
)

type Config struct {
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	BufferSize int    `toml:"buffer_size"`

	ConfirmMode    string `toml:"confirm_mode"`
	DisplayName    string `toml:"display_name"`
	ReplyOK        bool   `toml:"reply_ok"`
	ReplyContent   string `toml:"reply_content"`
	MessageContent string `toml:"message_content"`
	IgnoreConfirms bool   `toml:"ignore_confirms"`
	ByeOnShutdown  bool   `toml:"bye_on_shutdown"`

	MarkovP float64 `toml:"markov_p"`
	MarkovQ float64 `toml:"markov_q"`
}

func Default() Config {
	return Config{
		Host:           DefaultHost,
		Port:           DefaultPort,
		BufferSize:     DefaultBufferSize,
		ConfirmMode:    ConfirmEcho,
		DisplayName:    "Server",
		ReplyOK:        true,
		ReplyContent:   "Auth success.",
		MessageContent: "Message",
		ByeOnShutdown:  true,
	}
}

// Load reads a TOML file on top of Default. Keys the file sets replace the
// defaults, unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return Config{}, fmt.Errorf("config parse failed (%s): unknown keys %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.IP() == nil {
		return fmt.Errorf("config: host %q is not an IPv4 address", c.Host)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.BufferSize < messages.HeaderLen || c.BufferSize > 65535 {
		return fmt.Errorf("config: buffer_size must be between %d and 65535, got %d", messages.HeaderLen, c.BufferSize)
	}
	switch c.ConfirmMode {
	case ConfirmEcho, ConfirmCounter:
	default:
		return fmt.Errorf("config: confirm_mode must be %q or %q, got %q", ConfirmEcho, ConfirmCounter, c.ConfirmMode)
	}
	if c.MarkovP < 0 || c.MarkovP > 1 {
		return fmt.Errorf("config: markov_p must be within [0,1], got %v", c.MarkovP)
	}
	if c.MarkovQ < 0 || c.MarkovQ > 1 {
		return fmt.Errorf("config: markov_q must be within [0,1], got %v", c.MarkovQ)
	}
	return nil
}

// IP returns the parsed listen address, nil if Host is not IPv4.
func (c Config) IP() net.IP {
	return net.ParseIP(c.Host).To4()
}
