package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"

	"github.com/artpar/shipway/internal/core/domain"
	"github.com/artpar/shipway/internal/core/fault"
	"github.com/artpar/shipway/internal/shell/health"
	"github.com/artpar/shipway/internal/shell/pool"
)

// =============================================================================
// Configuration
// =============================================================================

// DeployerConfig tunes how the deployer addresses targets.
type DeployerConfig struct {
	// HealthScheme is used to build probe URLs. Defaults to https.
	HealthScheme string

	// DefaultHealthPath is probed when a target sets no health path.
	DefaultHealthPath string
}

// DefaultDeployerConfig returns sensible defaults.
func DefaultDeployerConfig() DeployerConfig {
	return DeployerConfig{
		HealthScheme:      "https",
		DefaultHealthPath: "/health",
	}
}

// =============================================================================
// Release Snapshot
// =============================================================================

// releaseSnapshot is the rollback payload captured before Deploy mutates a
// target: enough to re-publish the release that was serving traffic.
type releaseSnapshot struct {
	Service     string          `json:"service"`
	Environment string          `json:"environment"`
	Version     string          `json:"version"`
	Config      json.RawMessage `json:"config,omitempty"`
}

// serviceRecord is the control plane's view of a registered service.
type serviceRecord struct {
	Name         string   `json:"name"`
	Environments []string `json:"environments"`
}

// releaseRecord is the control plane's view of a published release.
type releaseRecord struct {
	Version string          `json:"version"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// =============================================================================
// Deployer
// =============================================================================

// Deployer performs the platform-specific work behind each lifecycle phase:
// control-plane lookups, deploy CLI invocations, and bookkeeping against the
// target's backing data store. It is stateless and safe for concurrent
// targets; all per-run state lives in the session and the snapshot.
type Deployer struct {
	invoker Invoker
	api     APIClient
	data    *pool.Pool
	check   health.Check
	config  DeployerConfig
	logger  *slog.Logger
}

// NewDeployer wires a deployer from its collaborators. The pool may be nil
// when no target carries a backing resource.
func NewDeployer(invoker Invoker, api APIClient, data *pool.Pool, config DeployerConfig, logger *slog.Logger) *Deployer {
	def := DefaultDeployerConfig()
	if config.HealthScheme == "" {
		config.HealthScheme = def.HealthScheme
	}
	if config.DefaultHealthPath == "" {
		config.DefaultHealthPath = def.DefaultHealthPath
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Deployer{
		invoker: invoker,
		api:     api,
		data:    data,
		check:   health.HTTPCheck(&http.Client{}),
		config:  config,
		logger:  logger.With("component", "deployer"),
	}
}

// =============================================================================
// Lifecycle Phases
// =============================================================================

// Initialize confirms the target exists on the platform: the service is
// registered, the environment is enabled for it, and the backing resource
// (if any) answers a probe query.
func (d *Deployer) Initialize(ctx context.Context, target domain.Target) (map[string]any, error) {
	service := serviceName(target)

	resp, err := d.api.Request(ctx, http.MethodGet, "/v1/services/"+service, nil)
	if err != nil {
		if resp != nil && resp.Status == http.StatusNotFound {
			return nil, fault.Permanent("initialize:"+target.ID,
				fmt.Errorf("service %q is not registered", service))
		}
		return nil, err
	}

	var record serviceRecord
	if err := resp.Decode(&record); err != nil {
		return nil, fault.Transient("initialize:"+target.ID, err)
	}
	if !slices.Contains(record.Environments, string(target.Environment)) {
		return nil, fault.Permanent("initialize:"+target.ID,
			fmt.Errorf("environment %q is not enabled for service %q", target.Environment, service))
	}

	detail := map[string]any{
		"service":      service,
		"environments": record.Environments,
	}

	if target.Resource != "" {
		if err := d.requireData("initialize:" + target.ID); err != nil {
			return nil, err
		}
		if _, err := d.data.Query(ctx, target.Resource, pingOp); err != nil {
			return nil, err
		}
		detail["resource"] = target.Resource
	}

	return detail, nil
}

// Validate asks the deploy CLI to check the target's configuration without
// touching the platform.
func (d *Deployer) Validate(ctx context.Context, target domain.Target) (map[string]any, error) {
	result, err := d.invoker.Invoke(ctx, "validate", d.cliArgs(target), nil)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"service":     serviceName(target),
		"environment": string(target.Environment),
		"output":      strings.TrimSpace(result.Stdout),
	}, nil
}

// Prepare captures the rollback snapshot - the release currently serving
// traffic - and writes a pending deploy marker into the target's backing
// resource. A target with no published release yet yields a snapshot with
// an empty version; reverting such a snapshot is refused.
func (d *Deployer) Prepare(ctx context.Context, target domain.Target) (json.RawMessage, map[string]any, error) {
	service := serviceName(target)

	current := releaseRecord{}
	resp, err := d.api.Request(ctx, http.MethodGet,
		"/v1/services/"+service+"/releases/current?environment="+string(target.Environment), nil)
	switch {
	case err == nil:
		if err := resp.Decode(&current); err != nil {
			return nil, nil, fault.Transient("prepare:"+target.ID, err)
		}
	case resp != nil && resp.Status == http.StatusNotFound:
		// First deploy: nothing is serving yet, so there is nothing to
		// snapshot beyond the identity of the target.
		d.logger.Info("no current release, snapshot will not be revertible",
			"target", target.ID,
			"service", service)
	default:
		return nil, nil, err
	}

	snapshot, err := json.Marshal(releaseSnapshot{
		Service:     service,
		Environment: string(target.Environment),
		Version:     current.Version,
		Config:      current.Config,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	detail := map[string]any{
		"service":          service,
		"snapshot_version": current.Version,
	}

	if target.Resource != "" {
		if err := d.requireData("prepare:" + target.ID); err != nil {
			return nil, nil, err
		}
		if _, err := d.data.Transaction(ctx, target.Resource, markerOps(target, current.Version)); err != nil {
			return nil, nil, err
		}
		detail["marker_recorded"] = true
	}

	return snapshot, detail, nil
}

// Deploy publishes the new release through the deploy CLI.
func (d *Deployer) Deploy(ctx context.Context, target domain.Target) (map[string]any, error) {
	result, err := d.invoker.Invoke(ctx, "publish", d.cliArgs(target), nil)
	if err != nil {
		return nil, err
	}

	detail := map[string]any{
		"service":     serviceName(target),
		"environment": string(target.Environment),
	}
	if version := publishedVersion(result.Stdout); version != "" {
		detail["version"] = version
	}
	return detail, nil
}

// Monitor registers the post-deploy observability surface: it confirms the
// platform routed the release and registers an alert rule for the target,
// then flips the deploy marker to active. Failures here never undo a
// rollout; the orchestrator records them as warnings.
func (d *Deployer) Monitor(ctx context.Context, target domain.Target) (map[string]any, error) {
	service := serviceName(target)

	resp, err := d.api.Request(ctx, http.MethodGet,
		"/v1/services/"+service+"/routes?environment="+string(target.Environment), nil)
	if err != nil {
		return nil, err
	}
	var routes struct {
		Routes []struct {
			Host string `json:"host"`
		} `json:"routes"`
	}
	if err := resp.Decode(&routes); err != nil {
		return nil, fault.Transient("monitor:"+target.ID, err)
	}

	alert := map[string]any{
		"service":     service,
		"environment": string(target.Environment),
		"target":      target.ID,
		"check_path":  d.healthPath(target),
	}
	if _, err := d.api.Request(ctx, http.MethodPost, "/v1/alerts", alert); err != nil {
		return nil, err
	}

	detail := map[string]any{
		"routes":           len(routes.Routes),
		"alert_registered": true,
	}

	if target.Resource != "" {
		if err := d.requireData("monitor:" + target.ID); err != nil {
			return nil, err
		}
		if _, err := d.data.Query(ctx, target.Resource, activateMarkerOp(target)); err != nil {
			return nil, err
		}
		detail["marker_activated"] = true
	}

	return detail, nil
}

// =============================================================================
// Health Probing
// =============================================================================

// HealthTarget builds the URL the verify phase probes.
func (d *Deployer) HealthTarget(target domain.Target) string {
	return d.config.HealthScheme + "://" + target.ID + d.healthPath(target)
}

// CheckHealth probes url once. It has the health.Check shape so the
// orchestrator can hand it straight to the monitor.
func (d *Deployer) CheckHealth(ctx context.Context, url string) (bool, string, error) {
	return d.check(ctx, url)
}

func (d *Deployer) healthPath(target domain.Target) string {
	if target.HealthPath != "" {
		return target.HealthPath
	}
	return d.config.DefaultHealthPath
}

// =============================================================================
// Revert
// =============================================================================

// Revert re-publishes the snapshotted release. It satisfies the rollback
// manager's Reverter; classification matters here because the manager
// retries transient revert failures but not permanent ones.
func (d *Deployer) Revert(ctx context.Context, target string, snapshot json.RawMessage) error {
	op := "revert:" + target

	var snap releaseSnapshot
	if err := json.Unmarshal(snapshot, &snap); err != nil {
		return fault.Permanent(op, fmt.Errorf("decode snapshot: %w", err))
	}
	if snap.Version == "" {
		return fault.Permanent(op, errors.New("snapshot has no previous release to restore"))
	}

	args := []string{
		"--service", snap.Service,
		"--environment", snap.Environment,
		"--version", snap.Version,
	}
	if _, err := d.invoker.Invoke(ctx, "rollback", args, nil); err != nil {
		return err
	}

	d.logger.Info("release restored",
		"target", target,
		"service", snap.Service,
		"version", snap.Version)
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// requireData guards phases that touch a backing resource.
func (d *Deployer) requireData(op string) error {
	if d.data == nil {
		return fault.Permanent(op, errors.New("target names a resource but no pool is configured"))
	}
	return nil
}

// serviceName resolves the platform service for a target: the explicit
// service name when set, otherwise the leftmost DNS label of the target id.
func serviceName(target domain.Target) string {
	if target.Service != "" {
		return target.Service
	}
	name, _, _ := strings.Cut(target.ID, ".")
	return name
}

// cliArgs builds the shared CLI argument list for a target. Variables are
// emitted in sorted order so invocations are reproducible.
func (d *Deployer) cliArgs(target domain.Target) []string {
	args := []string{
		"--service", serviceName(target),
		"--environment", string(target.Environment),
	}
	for _, key := range slices.Sorted(maps.Keys(target.Variables)) {
		args = append(args, "--var", key+"="+target.Variables[key])
	}
	return args
}

// publishedVersion extracts the released version from CLI output. The CLI
// prints a JSON object on success; older builds print the bare version.
func publishedVersion(stdout string) string {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return ""
	}
	var out struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal([]byte(trimmed), &out); err == nil && out.Version != "" {
		return out.Version
	}
	if !strings.ContainsAny(trimmed, " \n{") {
		return trimmed
	}
	return ""
}

// =============================================================================
// Resource Bookkeeping
// =============================================================================

// pingOp verifies the backing resource accepts queries.
func pingOp(ctx context.Context, conn pool.Conn) (any, error) {
	var one int
	err := conn.(*pool.SQLiteConn).Get(ctx, &one, `SELECT 1`)
	return one, err
}

// markerOps ensures the deploy_markers table exists and records a pending
// marker carrying the version being replaced.
func markerOps(target domain.Target, priorVersion string) []pool.Op {
	return []pool.Op{
		func(ctx context.Context, conn pool.Conn) (any, error) {
			return conn.(*pool.SQLiteConn).Exec(ctx, `
				CREATE TABLE IF NOT EXISTS deploy_markers (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					service TEXT NOT NULL,
					environment TEXT NOT NULL,
					prior_version TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`)
		},
		func(ctx context.Context, conn pool.Conn) (any, error) {
			return conn.(*pool.SQLiteConn).Exec(ctx,
				`INSERT INTO deploy_markers (service, environment, prior_version, status) VALUES (?, ?, ?, 'pending')`,
				serviceName(target), string(target.Environment), priorVersion)
		},
	}
}

// activateMarkerOp flips the newest pending marker to active once the
// rollout survived verification.
func activateMarkerOp(target domain.Target) pool.Op {
	return func(ctx context.Context, conn pool.Conn) (any, error) {
		return conn.(*pool.SQLiteConn).Exec(ctx, `
			UPDATE deploy_markers SET status = 'active'
			WHERE id = (
				SELECT id FROM deploy_markers
				WHERE service = ? AND environment = ? AND status = 'pending'
				ORDER BY id DESC LIMIT 1
			)`,
			serviceName(target), string(target.Environment))
	}
}
