// Package runnerconfig loads the platform configuration that parameterizes
// command construction: the worker launch command, its fixed argv
// fragments, default dependencies, pool sizing, and container defaults.
package runnerconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/concord-run/runner/logger"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where Load looks when no explicit path is given: the
// config lives alongside the rest of the agent's state in the user's home
// directory rather than a working directory that varies per job.
const DefaultPath = ".concord/runner.yaml"

// ContainerDefaults parameterizes the argv rewrite CommandBuilder performs
// when a job requests a containerized launch.
type ContainerDefaults struct {
	DependencyListDir  string `yaml:"dependencyListDir"`
	DependencyCacheDir string `yaml:"dependencyCacheDir"`
	ArtifactCacheDir   string `yaml:"artifactCacheDir"`
	DockerHost         string `yaml:"dockerHost"`
	ContainerBinary    string `yaml:"containerBinary"`
}

// Pool parameterizes the ProcessPool's admission policy.
type Pool struct {
	MaxAgeSeconds int `yaml:"maxAgeSeconds"`
	MaxCount      int `yaml:"maxCount"`
}

// Config is the root of the platform configuration file.
type Config struct {
	JavaCmd             string            `yaml:"javaCmd"`
	FixedArgs           []string          `yaml:"fixedArgs"`
	RunnerPath          string            `yaml:"runnerPath"`
	DefaultDependencies []string          `yaml:"defaultDependencies"`
	Pool                Pool              `yaml:"pool"`
	Container           ContainerDefaults `yaml:"container"`

	// LogLevel names the minimum severity the owning process should log
	// at; empty defaults to logger.INFO. It's validated here, at load
	// time, so a typo in the config file surfaces immediately rather than
	// once something finally tries to log at the misspelled level.
	LogLevel string `yaml:"logLevel"`

	// Level is LogLevel parsed via logger.LevelFromString, for whatever
	// assembles the runner to pass to logger.Logger.SetLevel.
	Level logger.Level `yaml:"-"`
}

// Load reads and parses a YAML platform config file from path. An empty
// path resolves to DefaultPath under the current user's home directory.
func Load(path string) (*Config, error) {
	if path == "" {
		home, err := userHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating home directory for default runner config: %w", err)
		}
		path = filepath.Join(home, DefaultPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading runner config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing runner config %s: %w", path, err)
	}

	if cfg.LogLevel == "" {
		cfg.Level = logger.INFO
	} else {
		level, err := logger.LevelFromString(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("parsing runner config %s: %w", path, err)
		}
		cfg.Level = level
	}

	return &cfg, nil
}

// userHomeDir is like os.UserHomeDir but prefers $HOME when set, since
// that's the override operators actually use to relocate agent state.
func userHomeDir() (string, error) {
	if h := os.Getenv("HOME"); h != "" {
		return h, nil
	}
	return os.UserHomeDir()
}
