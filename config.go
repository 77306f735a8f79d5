package taskwire

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the engine's tunables. Defaults match the backend's
// observed behavior; a TOML file and TASKWIRE_-prefixed environment
// variables override them in that order.
type Config struct {
	Engine struct {
		PollInterval    time.Duration `koanf:"poll_interval"`
		BackoffBase     time.Duration `koanf:"backoff_base"`
		BackoffMax      time.Duration `koanf:"backoff_max"`
		TypingTimeout   time.Duration `koanf:"typing_timeout"`
		TypingEmitStop  time.Duration `koanf:"typing_emit_stop"`
		MessageCooldown time.Duration `koanf:"message_cooldown"`
		CommentCooldown time.Duration `koanf:"comment_cooldown"`
		TransientTTL    time.Duration `koanf:"transient_ttl"`
	} `koanf:"engine"`

	Notify struct {
		// AssigneeOnly suppresses comment notifications for tasks not
		// assigned to the session owner. The original product's intent
		// for managers who created but don't own a task is unsettled,
		// so the filter is a knob rather than a rule.
		AssigneeOnly bool `koanf:"assignee_only"`
	} `koanf:"notify"`

	Transport struct {
		Kind   string `koanf:"kind"` // "websocket" or "mqtt"
		Broker string `koanf:"broker"`
		User   string `koanf:"user"`
		Pass   string `koanf:"pass"`
	} `koanf:"transport"`
}

// LoadConfig loads defaults, then an optional TOML file, then the
// environment.
func LoadConfig(configPath string) (*Config, error) {
	k := koanf.New(".")

	k.Load(confmap.Provider(map[string]interface{}{
		"engine.poll_interval":    "30s",
		"engine.backoff_base":     "1s",
		"engine.backoff_max":      "30s",
		"engine.typing_timeout":   "3s",
		"engine.typing_emit_stop": "2s",
		"engine.message_cooldown": "1s",
		"engine.comment_cooldown": "1s",
		"engine.transient_ttl":    "60s",
		"notify.assignee_only":    true,
		"transport.kind":          "websocket",
	}, "."), nil)

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", configPath, err)
		}
	}

	k.Load(env.Provider("TASKWIRE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "TASKWIRE_")), "_", ".", 1)
	}), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Transport.Kind {
	case "websocket", "mqtt":
	default:
		return fmt.Errorf("transport.kind must be websocket or mqtt, got %q", c.Transport.Kind)
	}
	if c.Engine.BackoffBase > c.Engine.BackoffMax {
		return fmt.Errorf("backoff_base %s exceeds backoff_max %s", c.Engine.BackoffBase, c.Engine.BackoffMax)
	}
	return nil
}
