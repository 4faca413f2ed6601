// Package depsresolver implements the DependencyResolver: it normalizes a
// job's dependency URIs (following HTTP redirects manually so the terminal
// URL is recorded rather than left to the HTTP stack), resolves them
// through an injected artifact resolver, applies the policy gate, and
// returns the deduplicated, lexicographically sorted local artifact paths.
package depsresolver

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/buildkite/roko"
	"github.com/concord-run/runner/internal/agenthttp"
	"github.com/concord-run/runner/internal/boundedpool"
	"github.com/concord-run/runner/internal/policy"
	"github.com/concord-run/runner/internal/runnererrors"
	"github.com/concord-run/runner/internal/runnerjob"
	"github.com/concord-run/runner/internal/runnermetrics"
	"github.com/concord-run/runner/logger"
)

// normalizeConcurrency bounds how many redirect-probe requests run at once,
// so a job with a long dependency list doesn't open one connection per URI.
const normalizeConcurrency = 8

// Artifact is what the injected ArtifactResolver returns for one resolved
// URI.
type Artifact struct {
	URI       string
	LocalPath string
	Group     string
	Name      string
	Version   string
}

// ArtifactResolver is the out-of-scope collaborator that turns a
// deduplicated set of URIs into realized local artifacts.
type ArtifactResolver interface {
	Resolve(ctx context.Context, uris []string) ([]Artifact, error)
}

// Resolver is the DependencyResolver.
type Resolver struct {
	artifacts ArtifactResolver
	policy    policy.Engine
	http      *http.Client
	logger    logger.Logger
	metrics   *runnermetrics.Collector
}

// New returns a Resolver. client is used for the manual-redirect HTTP
// probing step; pass nil to use a client built with agenthttp defaults.
func New(l logger.Logger, m *runnermetrics.Collector, artifacts ArtifactResolver, policyEngine policy.Engine, client *http.Client) *Resolver {
	if client == nil {
		client = agenthttp.NewClient(agenthttp.WithTimeout(30 * time.Second))
	}
	// Redirects must be captured manually, never auto-followed, or the
	// cache key computed from the terminal URI would drift from what the
	// resolver actually fetched.
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Resolver{
		artifacts: artifacts,
		policy:    policyEngine,
		http:      client,
		logger:    l,
		metrics:   m,
	}
}

// Resolve normalizes defaults ∪ job's declared dependencies, resolves them
// to local paths, applies the policy gate, and returns the paths sorted
// lexicographically (a stable order is required because the list is
// hashed downstream by CommandBuilder).
func (r *Resolver) Resolve(ctx context.Context, job *runnerjob.RunnerJob, defaults []string) ([]string, error) {
	start := time.Now()

	if job.DebugMode {
		job.Log.Info("[DependencyResolver] input dependencies: %v", append(append([]string{}, defaults...), job.Cfg.Dependencies...))
	}

	uris, err := r.normalizeAll(ctx, dedupe(append(append([]string{}, defaults...), job.Cfg.Dependencies...)))
	if err != nil {
		r.observe("error", start)
		return nil, err
	}

	artifacts, err := r.artifacts.Resolve(ctx, uris)
	if err != nil {
		r.observe("error", start)
		return nil, runnererrors.ResolverFailure(err)
	}

	paths, err := r.applyPolicy(job, artifacts)
	if err != nil {
		r.observe("denied", start)
		return nil, err
	}

	paths = dedupe(paths)
	sort.Strings(paths)

	if job.DebugMode {
		job.Log.Info("[DependencyResolver] resolved in %s: %v", time.Since(start), paths)
	}
	r.observe("resolved", start)

	return paths, nil
}

func (r *Resolver) observe(outcome string, start time.Time) {
	if r.metrics != nil {
		r.metrics.ObserveResolverDuration(outcome, time.Since(start))
	}
}

func dedupe(uris []string) []string {
	seen := make(map[string]struct{}, len(uris))
	out := make([]string, 0, len(uris))
	for _, u := range uris {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// normalizeAll resolves every URI to its terminal form, per the redirect
// normalization rule in §4.1. Probes run concurrently, bounded by
// normalizeConcurrency, since each one may block on a round trip.
func (r *Resolver) normalizeAll(ctx context.Context, uris []string) ([]string, error) {
	out := make([]string, len(uris))
	errs := make([]error, len(uris))

	p := boundedpool.New(normalizeConcurrency)
	for i, u := range uris {
		i, u := i, u
		p.Spawn(func() {
			n, err := r.normalize(ctx, u)
			p.Lock()
			out[i], errs[i] = n, err
			p.Unlock()
		})
	}
	p.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

var redirectStatuses = map[int]bool{
	http.StatusMovedPermanently:  true, // 301
	http.StatusFound:             true, // 302
	http.StatusSeeOther:          true, // 303
	http.StatusTemporaryRedirect: true, // 307
}

func (r *Resolver) normalize(ctx context.Context, raw string) (string, error) {
	if strings.HasPrefix(raw, "mvn:") {
		return raw, nil
	}

	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" {
		return "", runnererrors.BadDependencyURL(raw, err)
	}

	if strings.HasSuffix(parsed.Path, ".jar") {
		return raw, nil
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		r.logger.Debug("[DependencyResolver] non-HTTP scheme %q, leaving unchanged: %s", parsed.Scheme, raw)
		return raw, nil
	}

	return r.followRedirects(ctx, raw)
}

// followRedirects probes raw with HEAD (falling back to a bodyless GET if
// the server doesn't support HEAD), following 301/302/303/307 manually
// until it reaches a non-redirect response, then returns the terminal URI.
func (r *Resolver) followRedirects(ctx context.Context, raw string) (string, error) {
	current := raw
	retrier := roko.NewRetrier(
		roko.WithMaxAttempts(3),
		roko.WithStrategy(roko.Exponential(200*time.Millisecond, 2*time.Second)),
	)

	for range 10 { // bounded redirect chain
		resp, err := roko.DoFunc(ctx, retrier, func(*roko.Retrier) (*http.Response, error) {
			return r.probe(ctx, current)
		})
		if err != nil {
			return "", runnererrors.ResolverFailure(fmt.Errorf("probing %s: %w", current, err))
		}
		resp.Body.Close()

		if !redirectStatuses[resp.StatusCode] {
			return current, nil
		}

		loc := resp.Header.Get("Location")
		if loc == "" {
			return current, nil
		}

		next, err := resp.Location()
		if err != nil {
			return current, nil
		}
		current = next.String()
	}

	return current, nil
}

func (r *Resolver) probe(ctx context.Context, uri string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, uri, nil)
	if err != nil {
		return nil, err
	}
	resp, err := agenthttp.Do(r.logger, r.http, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusMethodNotAllowed {
		resp.Body.Close()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return nil, err
		}
		return agenthttp.Do(r.logger, r.http, req)
	}
	return resp, nil
}

// applyPolicy loads the job's .concord/policy.json (if present) and
// classifies every resolved artifact, failing with ForbiddenDependencies if
// any artifact is denied.
func (r *Resolver) applyPolicy(job *runnerjob.RunnerJob, artifacts []Artifact) ([]string, error) {
	pol, err := policy.Load(job.PayloadDir)
	if err != nil {
		return nil, runnererrors.ResolverFailure(err)
	}

	subjects := make([]policy.Artifact, len(artifacts))
	for i, a := range artifacts {
		subjects[i] = policy.Artifact{Group: a.Group, Name: a.Name, Version: a.Version, Path: a.LocalPath}
	}

	result, err := r.policy.Evaluate(pol, subjects)
	if err != nil {
		return nil, runnererrors.ResolverFailure(err)
	}

	for _, w := range result.Warn {
		job.Log.Info("[DependencyResolver] policy warning for %s:%s:%s: %s",
			w.Artifact.Group, w.Artifact.Name, w.Artifact.Version, ruleMsg(w.Rule))
	}

	if len(result.Deny) > 0 {
		for _, d := range result.Deny {
			job.Log.Error("[DependencyResolver] policy denied %s:%s:%s: %s",
				d.Artifact.Group, d.Artifact.Name, d.Artifact.Version, ruleMsg(d.Rule))
		}
		return nil, runnererrors.ErrForbiddenDependencies
	}

	paths := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		paths = append(paths, a.LocalPath)
	}
	return paths, nil
}

func ruleMsg(rule *policy.Rule) string {
	if rule == nil {
		return ""
	}
	return rule.Msg
}
