// Package cmdbuilder produces the argv used to launch a worker: it writes
// the content-addressed deps manifest, assembles the base command from the
// platform config, and optionally wraps it for a containerized launch.
package cmdbuilder

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/concord-run/runner/internal/file"
	"github.com/concord-run/runner/internal/runnerconfig"
	"github.com/concord-run/runner/internal/runnerjob"
	"github.com/concord-run/runner/logger"
	"github.com/concord-run/runner/process"
	"github.com/gofrs/flock"
)

const flockTimeout = 10 * time.Second

// Builder produces launch commands from the platform config.
type Builder struct {
	conf      runnerconfig.Config
	agentID   string
	serverURL string
	manifests string // directory holding *.deps manifest files
	logger    logger.Logger
}

// New returns a Builder. manifestsDir is the directory deps manifests are
// written to; it is created if missing.
func New(l logger.Logger, conf runnerconfig.Config, agentID, serverURL, manifestsDir string) *Builder {
	return &Builder{
		conf:      conf,
		agentID:   agentID,
		serverURL: serverURL,
		manifests: manifestsDir,
		logger:    l,
	}
}

// Result is what Build produces: the argv to launch the worker, and the
// manifest path it referenced.
type Result struct {
	Argv         []string
	ManifestPath string
}

// Build assembles the worker launch command for job given its resolved
// dependency paths. For identical (job config, paths), Build is
// byte-for-byte deterministic: the pool's fingerprint keying relies on it.
func (b *Builder) Build(job *runnerjob.RunnerJob, paths []string) (Result, error) {
	manifestPath, err := b.writeManifest(paths)
	if err != nil {
		return Result{}, fmt.Errorf("writing deps manifest: %w", err)
	}

	argv := b.baseArgv(job, manifestPath)

	if len(job.Cfg.Container) > 0 {
		argv, manifestPath = b.wrapForContainer(job, argv, manifestPath)
	}

	return Result{Argv: argv, ManifestPath: manifestPath}, nil
}

// baseArgv builds the worker command line. It deliberately excludes
// job.PayloadDir: the worker discovers its payload through its working
// directory (set by Launcher to the ProcessEntry's payload/ once one is
// assigned), not through argv. Folding the payload path into argv would
// make every job's fingerprint unique and defeat warm-worker reuse.
func (b *Builder) baseArgv(job *runnerjob.RunnerJob, manifestPath string) []string {
	argv := []string{b.conf.JavaCmd}
	argv = append(argv, b.conf.FixedArgs...)
	argv = append(argv,
		"-DagentId="+b.agentID,
		"-DserverBaseUrl="+b.serverURL,
		fmt.Sprintf("-Ddebug=%t", job.DebugMode),
		"-Ddeps="+manifestPath,
		b.conf.RunnerPath,
	)
	return argv
}

// PayloadDirPlaceholder stands in for the eventual ProcessEntry payload
// directory in container argv produced by CommandBuilder, which runs
// before a ProcessEntry (and so a concrete procDir) has been assigned.
// Launcher substitutes the real path immediately before starting the
// process, so the substitution never affects the pool fingerprint.
const PayloadDirPlaceholder = "{{payload_dir}}"

// wrapForContainer rewrites the base argv to run under the configured
// container binary: mounts the dependency list/cache and artifact cache
// directories plus the eventual payload directory, and rewrites the
// manifest and runner paths to their in-container equivalents.
func (b *Builder) wrapForContainer(job *runnerjob.RunnerJob, base []string, manifestPath string) ([]string, string) {
	c := b.conf.Container

	inContainerManifest := filepath.Join(c.DependencyListDir, filepath.Base(manifestPath))
	inContainerRunner := filepath.Join("/runner", filepath.Base(b.conf.RunnerPath))

	rewritten := make([]string, len(base))
	copy(rewritten, base)
	for i, a := range rewritten {
		switch {
		case strings.HasPrefix(a, "-Ddeps="):
			rewritten[i] = "-Ddeps=" + inContainerManifest
		case a == b.conf.RunnerPath:
			rewritten[i] = inContainerRunner
		}
	}

	argv := []string{c.ContainerBinary, "run", "--rm"}
	argv = append(argv,
		"-v", c.DependencyListDir+":"+c.DependencyListDir,
		"-v", c.DependencyCacheDir+":"+c.DependencyCacheDir,
		"-v", c.ArtifactCacheDir+":"+c.ArtifactCacheDir,
		"-v", PayloadDirPlaceholder+":"+PayloadDirPlaceholder,
		"-w", PayloadDirPlaceholder,
		"-e", "TMP_DIR=/tmp",
		"-e", "DOCKER_HOST="+c.DockerHost,
	)
	argv = append(argv, rewritten...)

	return argv, inContainerManifest
}

// writeManifest writes paths (already sorted by the resolver) to a
// content-addressed .deps file, guarded by an advisory flock so concurrent
// pre-fork spawns can safely create-or-reuse it.
func (b *Builder) writeManifest(paths []string) (string, error) {
	if err := os.MkdirAll(b.manifests, 0o755); err != nil {
		return "", fmt.Errorf("creating manifests dir %s: %w", b.manifests, err)
	}

	contents := strings.Join(paths, "\n")
	if len(paths) > 0 {
		contents += "\n"
	}

	sum := sha256.Sum256([]byte(strings.Join(paths, "")))
	name := fmt.Sprintf("%x.deps", sum)
	manifestPath := filepath.Join(b.manifests, name)

	if _, err := os.Stat(manifestPath); err == nil {
		b.logger.Debug("[CommandBuilder] reusing existing manifest %s", name)
		return manifestPath, nil
	}

	lockPath := manifestPath + ".lock"
	lock := flock.New(lockPath)

	ctx, cancel := context.WithTimeout(context.Background(), flockTimeout)
	defer cancel()

	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return "", fmt.Errorf("acquiring lock %s: %w", lockPath, err)
	}
	if !locked {
		return "", fmt.Errorf("timed out acquiring lock %s: %s", lockPath, b.lockHolderDiagnostic(lockPath))
	}
	defer lock.Unlock()

	// Another writer may have created it while we waited for the lock.
	if _, err := os.Stat(manifestPath); err == nil {
		b.logger.Debug("[CommandBuilder] manifest %s created concurrently, reusing", name)
		return manifestPath, nil
	}

	tmp := manifestPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(contents), 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, manifestPath); err != nil {
		return "", fmt.Errorf("renaming %s to %s: %w", tmp, manifestPath, err)
	}

	b.logger.Debug("[CommandBuilder] wrote new manifest %s (%s)", name, process.FormatCommand(b.conf.JavaCmd, paths))
	return manifestPath, nil
}

// lockHolderDiagnostic identifies, best-effort, which process is holding
// lockPath so a flock timeout produces an actionable message instead of a
// bare "timed out".
func (b *Builder) lockHolderDiagnostic(lockPath string) string {
	opened, err := file.IsOpened(b.logger, lockPath)
	if err != nil {
		return fmt.Sprintf("could not determine lock holder: %v", err)
	}
	if opened {
		return "held by this process"
	}

	holder, err := file.OpenedBy(b.logger, lockPath)
	if err != nil {
		return fmt.Sprintf("held by an unidentified process: %v", err)
	}
	return fmt.Sprintf("held by %s", holder)
}
