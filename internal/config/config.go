package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "tally.db"
	defaultPoolSize   = 3
	defaultEngineBin  = "tally-engine"
	defaultDataDir    = "."

	envListenAddr  = "TALLY_LISTEN_ADDR"
	envDBPath      = "TALLY_DB_PATH"
	envLogLevel    = "TALLY_LOG_LEVEL"
	envPoolSize    = "TALLY_POOL_SIZE"
	envEngineBin   = "TALLY_ENGINE_BIN"
	envDataDir     = "TALLY_DATA_DIR"
	envEngineHome  = "TALLY_ENGINE_HOME"
	envEngineLibs  = "TALLY_ENGINE_LIBS"
	envModulesPath = "TALLY_MODULES_PATH"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// PoolSize is the fixed number of engine slots.
	PoolSize int
	// EngineBin is the engine executable spawned per slot.
	EngineBin string
	// DataDir is passed to each engine as --path.
	DataDir string

	// EngineHome, EngineLibs, and ModulesPath configure the computation
	// runtime inside the engine processes; they are forwarded through the
	// environment and may be empty.
	EngineHome  string
	EngineLibs  string
	ModulesPath string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		PoolSize:   defaultPoolSize,
		EngineBin:  defaultEngineBin,
		DataDir:    defaultDataDir,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envPoolSize); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv(envEngineBin); v != "" {
		cfg.EngineBin = v
	}
	if v := os.Getenv(envDataDir); v != "" {
		cfg.DataDir = v
	}
	cfg.EngineHome = os.Getenv(envEngineHome)
	cfg.EngineLibs = os.Getenv(envEngineLibs)
	cfg.ModulesPath = os.Getenv(envModulesPath)

	return cfg
}

// EngineEnv returns the extra environment entries forwarded to engine
// processes.
func (c Config) EngineEnv() []string {
	var env []string
	if c.EngineHome != "" {
		env = append(env, "TALLY_ENGINE_HOME="+c.EngineHome)
	}
	if c.EngineLibs != "" {
		env = append(env, "TALLY_ENGINE_LIBS="+c.EngineLibs)
	}
	if c.ModulesPath != "" {
		env = append(env, "TALLY_MODULES_PATH="+c.ModulesPath)
	}
	return env
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
