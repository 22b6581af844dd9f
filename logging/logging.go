package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Environment knobs, all optional.
//
//	CHATSIM_LOG_LEVEL   trace|debug|info|warn|error|off
//	CHATSIM_LOG_FORMAT  console|json
//	CHATSIM_LOG_TIME    bool, timestamps on console output
//	CHATSIM_LOG_COLOR   bool, colored console output
const (
	EnvLevel  = "CHATSIM_LOG_LEVEL"
	EnvFormat = "CHATSIM_LOG_FORMAT"
	EnvTime   = "CHATSIM_LOG_TIME"
	EnvColor  = "CHATSIM_LOG_COLOR"
)

// Settings is what ends up shaping the global logger.
type Settings struct {
	Level zerolog.Level
	JSON  bool
	Time  bool
	Color bool
}

// Runtime logs info and up to a colored console with timestamps.
var Runtime = Settings{Level: zerolog.InfoLevel, Time: true, Color: true}

// Tests log everything, without timestamps or colors so go test output
// stays diffable.
var Tests = Settings{Level: zerolog.DebugLevel}

var once sync.Once

func ConfigureRuntime() {
	Configure(Runtime)
}

func ConfigureTests() {
	Configure(Tests)
}

// Configure installs base, adjusted by the environment, as the global
// logger. Only the first call per process has an effect.
func Configure(base Settings) {
	once.Do(func() {
		install(fromEnv(base, os.Getenv), os.Stderr)
	})
}

// New returns the global logger tagged with a component name.
func New(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}

func install(s Settings, out io.Writer) {
	zerolog.SetGlobalLevel(s.Level)
	if !s.JSON {
		cw := zerolog.ConsoleWriter{Out: out, NoColor: !s.Color, TimeFormat: time.TimeOnly}
		if !s.Time {
			cw.PartsExclude = []string{zerolog.TimestampFieldName}
		}
		out = cw
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

func fromEnv(s Settings, getenv func(string) string) Settings {
	if lvl, ok := level(getenv(EnvLevel)); ok {
		s.Level = lvl
	}
	switch strings.ToLower(strings.TrimSpace(getenv(EnvFormat))) {
	case "json":
		s.JSON = true
	case "console":
		s.JSON = false
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(getenv(EnvTime))); err == nil {
		s.Time = v
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(getenv(EnvColor))); err == nil {
		s.Color = v
	}
	return s
}

// level accepts zerolog's level names plus "warning" and "off".
func level(raw string) (zerolog.Level, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch raw {
	case "":
		return zerolog.NoLevel, false
	case "warning":
		raw = "warn"
	case "off":
		raw = "disabled"
	}
	lvl, err := zerolog.ParseLevel(raw)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.NoLevel, false
	}
	return lvl, true
}
