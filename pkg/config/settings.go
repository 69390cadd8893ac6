package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v9"
)

// Settings are the engine runtime knobs, resolved from the environment.
// Desired state comes from the project file; everything operational
// (paths, timeouts, poll tuning, output) comes from here.
type Settings struct {
	// StateDir is the project-scoped state directory. When empty the
	// engine uses <project dir>/.stagecraft.
	StateDir string `env:"STAGECRAFT_STATE_DIR"`

	// PollInitial is the first poll interval for bounded waits.
	PollInitial time.Duration `env:"STAGECRAFT_POLL_INITIAL" envDefault:"2s"`

	// PollMultiplier grows the interval after each attempt.
	PollMultiplier float64 `env:"STAGECRAFT_POLL_MULTIPLIER" envDefault:"2.0"`

	// PollCeiling caps the interval between attempts.
	PollCeiling time.Duration `env:"STAGECRAFT_POLL_CEILING" envDefault:"15s"`

	// ProvisionTimeout bounds server create/power transitions.
	ProvisionTimeout time.Duration `env:"STAGECRAFT_PROVISION_TIMEOUT" envDefault:"5m"`

	// ReachableTimeout bounds the wait for a usable remote shell.
	ReachableTimeout time.Duration `env:"STAGECRAFT_REACHABLE_TIMEOUT" envDefault:"3m"`

	// MaxParallel caps concurrent per-server operations within a stage.
	MaxParallel int `env:"STAGECRAFT_MAX_PARALLEL" envDefault:"4"`

	// Unattended disables interactive confirmation gates. Destroy-depth
	// teardowns then rely on the --confirm flag alone.
	Unattended bool `env:"STAGECRAFT_UNATTENDED" envDefault:"false"`

	// LogLevel is the zerolog level (trace..error).
	LogLevel string `env:"STAGECRAFT_LOG_LEVEL" envDefault:"info"`

	// LogFormat selects console or json output.
	LogFormat string `env:"STAGECRAFT_LOG_FORMAT" envDefault:"console"`

	// TraceExporter selects the span exporter: stdout or none.
	TraceExporter string `env:"STAGECRAFT_TRACE_EXPORTER" envDefault:"none"`
}

// LoadSettings resolves settings from the process environment.
func LoadSettings() (*Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return nil, fmt.Errorf("failed to parse environment settings: %w", err)
	}
	if s.PollMultiplier < 1.0 {
		return nil, fmt.Errorf("poll multiplier must be >= 1.0, got %g", s.PollMultiplier)
	}
	if s.MaxParallel < 1 {
		s.MaxParallel = 1
	}
	return &s, nil
}
