package browser

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects a backend.
type Mode string

// Supported modes.
const (
	ModeHeadless    Mode = "headless"
	ModeInteractive Mode = "interactive"
	ModeAuto        Mode = "auto"
)

// Config is shared by every backend.
type Config struct {
	Mode              Mode          `mapstructure:"mode"`
	Headless          bool          `mapstructure:"headless"`
	ChromeBin         string        `mapstructure:"chrome_bin"`
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	WindowWidth       int           `mapstructure:"window_width"`
	WindowHeight      int           `mapstructure:"window_height"`
	PoolSize          int           `mapstructure:"pool_size"`
}

// WithDefaults fills unset timeouts and sizes.
func (c Config) WithDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeAuto
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 45 * time.Second
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 10 * time.Second
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.WindowWidth <= 0 {
		c.WindowWidth = 1366
	}
	if c.WindowHeight <= 0 {
		c.WindowHeight = 900
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 2
	}
	return c
}

// ResolveMode maps auto onto a concrete mode. It depends only on cfg.
func ResolveMode(cfg Config) (Mode, error) {
	switch Mode(strings.ToLower(string(cfg.Mode))) {
	case ModeHeadless:
		return ModeHeadless, nil
	case ModeInteractive:
		return ModeInteractive, nil
	case ModeAuto, "":
		if cfg.Headless {
			return ModeHeadless, nil
		}
		return ModeInteractive, nil
	default:
		return "", fmt.Errorf("unknown browser mode %q", cfg.Mode)
	}
}

// Constructor builds an uninitialized Controller.
type Constructor func(cfg Config) (Controller, error)

// Factory selects a backend constructor by mode.
type Factory struct {
	Headless    Constructor
	Interactive Constructor
}

// New builds the backend that cfg selects.
func (f Factory) New(cfg Config) (Controller, error) {
	cfg = cfg.WithDefaults()
	mode, err := ResolveMode(cfg)
	if err != nil {
		return nil, err
	}
	var ctor Constructor
	switch mode {
	case ModeHeadless:
		ctor = f.Headless
	case ModeInteractive:
		ctor = f.Interactive
	}
	if ctor == nil {
		return nil, fmt.Errorf("no %s browser backend registered: %w", mode, ErrUnsupported)
	}
	return ctor(cfg)
}
