// Package config resolves server settings from an optional TOML file
// and the environment. Environment variables win over the file, and
// numeric values clamp to their documented ranges.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Engine holds USI engine settings.
type Engine struct {
	// Cmd is a shell-split command line used verbatim. When empty,
	// Path names a single executable instead.
	Cmd     string `toml:"cmd"`
	Path    string `toml:"path"`
	EvalDir string `toml:"eval_dir"`

	Threads int `toml:"threads"`
	HashMB  int `toml:"hash_mb"`

	USIOKTimeoutS              float64 `toml:"usiok_timeout_s"`
	ReadyOKTimeoutS            float64 `toml:"readyok_timeout_s"`
	PostSetoptionReadyTimeoutS float64 `toml:"post_setoption_readyok_timeout_s"`
}

// Config is the resolved server configuration.
type Config struct {
	ListenAddr string `toml:"listen_addr"`
	DataDir    string `toml:"data_dir"`
	StaticDir  string `toml:"static_dir"`

	Engine Engine `toml:"engine"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr: "127.0.0.1:8124",
		Engine: Engine{
			Threads:                    max(1, runtime.NumCPU()),
			HashMB:                     512,
			USIOKTimeoutS:              12,
			ReadyOKTimeoutS:            45,
			PostSetoptionReadyTimeoutS: 45,
		},
	}
}

// Load builds the configuration: defaults, then the TOML file (when
// path is non-empty), then environment overrides, then range clamps.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.clamp()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.ListenAddr, "LISTEN_ADDR")
	setString(&c.DataDir, "DATA_DIR")
	setString(&c.StaticDir, "STATIC_DIR")
	setString(&c.Engine.Cmd, "ENGINE_CMD")
	setString(&c.Engine.Path, "ENGINE_PATH")
	setString(&c.Engine.EvalDir, "ENGINE_EVAL_DIR")
	setInt(&c.Engine.Threads, "ENGINE_THREADS")
	setInt(&c.Engine.HashMB, "ENGINE_HASH_MB")
	setFloat(&c.Engine.USIOKTimeoutS, "USIOK_TIMEOUT_S")
	setFloat(&c.Engine.ReadyOKTimeoutS, "READYOK_TIMEOUT_S")
	setFloat(&c.Engine.PostSetoptionReadyTimeoutS, "POST_SETOPTION_READYOK_TIMEOUT_S")
}

func (c *Config) clamp() {
	c.Engine.Threads = clampInt(c.Engine.Threads, 1, 512)
	c.Engine.HashMB = clampInt(c.Engine.HashMB, 16, 65536)
	c.Engine.USIOKTimeoutS = clampFloat(c.Engine.USIOKTimeoutS, 1, 120)
	c.Engine.ReadyOKTimeoutS = clampFloat(c.Engine.ReadyOKTimeoutS, 2, 300)
	c.Engine.PostSetoptionReadyTimeoutS = clampFloat(c.Engine.PostSetoptionReadyTimeoutS, 2, 300)
}

// Command returns the engine invocation: the shell-split Cmd when
// set, the bare Path otherwise, nil when neither is configured.
func (e *Engine) Command() ([]string, error) {
	if cmd := strings.TrimSpace(e.Cmd); cmd != "" {
		return SplitCommand(cmd)
	}
	if path := strings.TrimSpace(e.Path); path != "" {
		return []string{path}, nil
	}
	return nil, nil
}

// SplitCommand splits a command line into arguments, honoring single
// and double quotes and backslash escapes outside single quotes.
func SplitCommand(s string) ([]string, error) {
	var args []string
	var cur strings.Builder
	inArg := false
	var quote rune
	escaped := false
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case quote == '\'':
			if r == '\'' {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\\':
			escaped = true
			inArg = true
		case quote == '"':
			if r == '"' {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inArg = true
		case r == ' ' || r == '\t' || r == '\n':
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}
	if escaped || quote != 0 {
		return nil, fmt.Errorf("unterminated quote in command: %q", s)
	}
	if inArg {
		args = append(args, cur.String())
	}
	return args, nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

func setFloat(dst *float64, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return
	}
	*dst = f
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
