package runnerconfig_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/concord-run/runner/internal/runnerconfig"
	"github.com/concord-run/runner/logger"
	"github.com/stretchr/testify/require"
)

func TestLoadParsesPlatformConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runner.yaml")

	require.NoError(t, os.WriteFile(path, []byte(`
javaCmd: /usr/bin/java
fixedArgs:
  - -Xmx512m
runnerPath: /opt/runner/runner.jar
defaultDependencies:
  - mvn:com.example:base-lib:1.0
pool:
  maxAgeSeconds: 60
  maxCount: 4
container:
  dependencyListDir: /deps
  dependencyCacheDir: /cache
  artifactCacheDir: /artifacts
  dockerHost: unix:///var/run/docker.sock
  containerBinary: docker
`), 0o644))

	cfg, err := runnerconfig.Load(path)
	require.NoError(t, err)
	require.Equal(t, "/usr/bin/java", cfg.JavaCmd)
	require.Equal(t, []string{"-Xmx512m"}, cfg.FixedArgs)
	require.Equal(t, 4, cfg.Pool.MaxCount)
	require.Equal(t, "docker", cfg.Container.ContainerBinary)
	require.Equal(t, logger.INFO, cfg.Level, "unset logLevel should default to INFO")
}

func TestLoadParsesLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runner.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logLevel: debug\n"), 0o644))

	cfg, err := runnerconfig.Load(path)
	require.NoError(t, err)
	require.Equal(t, logger.DEBUG, cfg.Level)
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runner.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logLevel: garbage\n"), 0o644))

	_, err := runnerconfig.Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := runnerconfig.Load("/nonexistent/runner.yaml")
	require.Error(t, err)
}

func TestLoadDefaultPathUsesHomeDirectory(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	require.NoError(t, os.MkdirAll(filepath.Join(home, ".concord"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, runnerconfig.DefaultPath), []byte(`
javaCmd: /usr/bin/java
`), 0o644))

	cfg, err := runnerconfig.Load("")
	require.NoError(t, err)
	require.Equal(t, "/usr/bin/java", cfg.JavaCmd)
}
