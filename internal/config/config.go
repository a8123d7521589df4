// Package config loads the TOML configuration file. Section structs reuse
// the mapstructure tags of the packages they configure, so one Unmarshal
// produces ready-to-use values.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/guard"
	"github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/logger"
	"github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/store"
	"github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/traincmd"
	"github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/trainer"
)

// JobConfig is the [job] section: the supervised run's identity and
// process-level settings. The command list is optional; when absent the
// [train] section generates it.
type JobConfig struct {
	Name     string        `toml:"name" mapstructure:"name"`
	Command  []string      `toml:"command" mapstructure:"command"`
	WorkDir  string        `toml:"workdir" mapstructure:"workdir"`
	Env      []string      `toml:"env" mapstructure:"env"`
	PIDFile  string        `toml:"pidfile" mapstructure:"pidfile"`
	StopWait time.Duration `toml:"stop_wait" mapstructure:"stop_wait"`
	Probe    string        `toml:"probe" mapstructure:"probe"`
}

// GuardConfig is the [guard] section. Extra lists module names blocked in
// addition to the defaults.
type GuardConfig struct {
	Dir    string   `toml:"dir" mapstructure:"dir"`
	Python string   `toml:"python" mapstructure:"python"`
	Extra  []string `toml:"extra" mapstructure:"extra"`
}

// HistoryConfig is the [history] section: one DSN per external sink.
type HistoryConfig struct {
	DSNs []string `toml:"dsns" mapstructure:"dsns"`
}

// ServerConfig is the [server] section for the HTTP API.
type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Debug   bool            `toml:"debug" mapstructure:"debug"`
	Job     JobConfig       `toml:"job" mapstructure:"job"`
	Train   traincmd.Params `toml:"train" mapstructure:"train"`
	Guard   GuardConfig     `toml:"guard" mapstructure:"guard"`
	Log     logger.Config   `toml:"log" mapstructure:"log"`
	Store   store.Config    `toml:"store" mapstructure:"store"`
	History HistoryConfig   `toml:"history" mapstructure:"history"`
	Server  ServerConfig    `toml:"server" mapstructure:"server"`
}

// Load reads and validates the TOML file at path.
func Load(path string) (FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return FileConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return FileConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := fc.validate(); err != nil {
		return FileConfig{}, fmt.Errorf("config %s: %w", path, err)
	}
	return fc, nil
}

func (fc FileConfig) validate() error {
	if fc.Server.Listen != "" && fc.Server.BasePath != "" && fc.Server.BasePath[0] != '/' {
		return fmt.Errorf("server.base_path must start with '/'")
	}
	if t := fc.Store.Type; t != "" {
		supported := false
		for _, s := range store.SupportedTypes() {
			if s == t {
				supported = true
				break
			}
		}
		if !supported {
			return fmt.Errorf("unsupported store.type %q", t)
		}
	}
	return nil
}

// TrainerSpec assembles the supervisor spec from the [job] and [log]
// sections.
func (fc FileConfig) TrainerSpec() trainer.Spec {
	return trainer.Spec{
		Name:     fc.Job.Name,
		Command:  fc.Job.Command,
		WorkDir:  fc.Job.WorkDir,
		Env:      fc.Job.Env,
		PIDFile:  fc.Job.PIDFile,
		StopWait: fc.Job.StopWait,
		Probe:    fc.Job.Probe,
		Log:      fc.Log,
	}
}

// GuardSettings converts the [guard] section into the guard package's
// config plus the extra blocked module names.
func (fc FileConfig) GuardSettings() (guard.Config, []string) {
	return guard.Config{Dir: fc.Guard.Dir, Python: fc.Guard.Python}, fc.Guard.Extra
}
