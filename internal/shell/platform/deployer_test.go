package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/shipway/internal/core/domain"
	"github.com/artpar/shipway/internal/core/fault"
	"github.com/artpar/shipway/internal/shell/pool"
)

func TestDeployer_Initialize(t *testing.T) {
	api := newFakeAPI()
	api.stub("GET /v1/services/api", http.StatusOK,
		`{"name":"api","environments":["staging","production"]}`)
	d := newTestDeployer(t, &fakeInvoker{}, api, nil)

	detail, err := d.Initialize(context.Background(), testTarget())

	require.NoError(t, err)
	assert.Equal(t, "api", detail["service"])
	assert.NotContains(t, detail, "resource")
}

func TestDeployer_Initialize_UnknownServiceIsPermanent(t *testing.T) {
	api := newFakeAPI()
	api.stub("GET /v1/services/api", http.StatusNotFound, `{"error":"unknown"}`)
	d := newTestDeployer(t, &fakeInvoker{}, api, nil)

	_, err := d.Initialize(context.Background(), testTarget())

	require.Error(t, err)
	assert.Equal(t, fault.KindPermanent, fault.KindOf(err))
	assert.Contains(t, err.Error(), "not registered")
}

func TestDeployer_Initialize_DisabledEnvironmentIsPermanent(t *testing.T) {
	api := newFakeAPI()
	api.stub("GET /v1/services/api", http.StatusOK,
		`{"name":"api","environments":["staging"]}`)
	d := newTestDeployer(t, &fakeInvoker{}, api, nil)

	_, err := d.Initialize(context.Background(), testTarget())

	require.Error(t, err)
	assert.Equal(t, fault.KindPermanent, fault.KindOf(err))
	assert.Contains(t, err.Error(), "not enabled")
}

func TestDeployer_Initialize_ProbesResource(t *testing.T) {
	api := newFakeAPI()
	api.stub("GET /v1/services/api", http.StatusOK,
		`{"name":"api","environments":["production"]}`)
	data := newTestPool(t)
	d := newTestDeployer(t, &fakeInvoker{}, api, data)

	target := testTarget()
	target.Resource = "api-db"
	detail, err := d.Initialize(context.Background(), target)

	require.NoError(t, err)
	assert.Equal(t, "api-db", detail["resource"])
}

func TestDeployer_Initialize_ResourceWithoutPoolIsPermanent(t *testing.T) {
	api := newFakeAPI()
	api.stub("GET /v1/services/api", http.StatusOK,
		`{"name":"api","environments":["production"]}`)
	d := newTestDeployer(t, &fakeInvoker{}, api, nil)

	target := testTarget()
	target.Resource = "api-db"
	_, err := d.Initialize(context.Background(), target)

	require.Error(t, err)
	assert.Equal(t, fault.KindPermanent, fault.KindOf(err))
}

func TestDeployer_Validate_BuildsDeterministicArgs(t *testing.T) {
	invoker := &fakeInvoker{}
	d := newTestDeployer(t, invoker, newFakeAPI(), nil)

	target := testTarget()
	target.Variables = map[string]string{"replicas": "3", "channel": "stable"}
	_, err := d.Validate(context.Background(), target)

	require.NoError(t, err)
	require.Len(t, invoker.calls, 1)
	call := invoker.calls[0]
	assert.Equal(t, "validate", call.command)
	assert.Equal(t, []string{
		"--service", "api",
		"--environment", "production",
		"--var", "channel=stable",
		"--var", "replicas=3",
	}, call.args)
}

func TestDeployer_Prepare_SnapshotsCurrentRelease(t *testing.T) {
	api := newFakeAPI()
	api.stub("GET /v1/services/api/releases/current?environment=production", http.StatusOK,
		`{"version":"1.4.2","config":{"replicas":2}}`)
	d := newTestDeployer(t, &fakeInvoker{}, api, nil)

	snapshot, detail, err := d.Prepare(context.Background(), testTarget())

	require.NoError(t, err)
	assert.Equal(t, "1.4.2", detail["snapshot_version"])

	var snap releaseSnapshot
	require.NoError(t, json.Unmarshal(snapshot, &snap))
	assert.Equal(t, "api", snap.Service)
	assert.Equal(t, "production", snap.Environment)
	assert.Equal(t, "1.4.2", snap.Version)
	assert.JSONEq(t, `{"replicas":2}`, string(snap.Config))
}

func TestDeployer_Prepare_FirstDeployHasEmptySnapshot(t *testing.T) {
	api := newFakeAPI()
	api.stub("GET /v1/services/api/releases/current?environment=production", http.StatusNotFound, `{}`)
	d := newTestDeployer(t, &fakeInvoker{}, api, nil)

	snapshot, _, err := d.Prepare(context.Background(), testTarget())

	require.NoError(t, err)
	var snap releaseSnapshot
	require.NoError(t, json.Unmarshal(snapshot, &snap))
	assert.Empty(t, snap.Version)

	// And that snapshot is refused at revert time.
	err = d.Revert(context.Background(), "api.example.com", snapshot)
	require.Error(t, err)
	assert.Equal(t, fault.KindPermanent, fault.KindOf(err))
}

func TestDeployer_Prepare_RecordsMarker(t *testing.T) {
	api := newFakeAPI()
	api.stub("GET /v1/services/api/releases/current?environment=production", http.StatusOK,
		`{"version":"1.4.2"}`)
	data := newTestPool(t)
	d := newTestDeployer(t, &fakeInvoker{}, api, data)

	target := testTarget()
	target.Resource = "api-db"
	_, detail, err := d.Prepare(context.Background(), target)

	require.NoError(t, err)
	assert.Equal(t, true, detail["marker_recorded"])

	status, prior := readMarker(t, data, "api-db")
	assert.Equal(t, "pending", status)
	assert.Equal(t, "1.4.2", prior)
}

func TestDeployer_Deploy_ReportsPublishedVersion(t *testing.T) {
	invoker := &fakeInvoker{results: map[string]*InvokeResult{
		"publish": {Stdout: `{"version":"1.5.0"}`},
	}}
	d := newTestDeployer(t, invoker, newFakeAPI(), nil)

	detail, err := d.Deploy(context.Background(), testTarget())

	require.NoError(t, err)
	assert.Equal(t, "1.5.0", detail["version"])
	require.Len(t, invoker.calls, 1)
	assert.Equal(t, "publish", invoker.calls[0].command)
}

func TestDeployer_Deploy_PropagatesCLIFailure(t *testing.T) {
	invoker := &fakeInvoker{errs: map[string]error{
		"publish": fault.Transient("cli:publish", assert.AnError),
	}}
	d := newTestDeployer(t, invoker, newFakeAPI(), nil)

	_, err := d.Deploy(context.Background(), testTarget())

	require.Error(t, err)
	assert.Equal(t, fault.KindTransient, fault.KindOf(err))
}

func TestDeployer_Monitor_RegistersAlertAndActivatesMarker(t *testing.T) {
	api := newFakeAPI()
	api.stub("GET /v1/services/api/routes?environment=production", http.StatusOK,
		`{"routes":[{"host":"api.example.com"},{"host":"api-canary.example.com"}]}`)
	api.stub("POST /v1/alerts", http.StatusCreated, `{"id":"alert-1"}`)
	data := newTestPool(t)
	d := newTestDeployer(t, &fakeInvoker{}, api, data)

	target := testTarget()
	target.Resource = "api-db"

	// Prepare first so a pending marker exists.
	prepAPI := newFakeAPI()
	prepAPI.stub("GET /v1/services/api/releases/current?environment=production", http.StatusOK, `{"version":"1.4.2"}`)
	prep := newTestDeployer(t, &fakeInvoker{}, prepAPI, data)
	_, _, err := prep.Prepare(context.Background(), target)
	require.NoError(t, err)

	detail, err := d.Monitor(context.Background(), target)

	require.NoError(t, err)
	assert.Equal(t, 2, detail["routes"])
	assert.Equal(t, true, detail["alert_registered"])

	status, _ := readMarker(t, data, "api-db")
	assert.Equal(t, "active", status)

	body := api.lastBody("POST /v1/alerts")
	assert.Contains(t, string(body), `"service":"api"`)
}

func TestDeployer_Revert_RepublishesSnapshot(t *testing.T) {
	invoker := &fakeInvoker{}
	d := newTestDeployer(t, invoker, newFakeAPI(), nil)

	snapshot, err := json.Marshal(releaseSnapshot{
		Service:     "api",
		Environment: "production",
		Version:     "1.4.2",
	})
	require.NoError(t, err)

	require.NoError(t, d.Revert(context.Background(), "api.example.com", snapshot))

	require.Len(t, invoker.calls, 1)
	call := invoker.calls[0]
	assert.Equal(t, "rollback", call.command)
	assert.Equal(t, []string{
		"--service", "api",
		"--environment", "production",
		"--version", "1.4.2",
	}, call.args)
}

func TestDeployer_Revert_GarbageSnapshotIsPermanent(t *testing.T) {
	d := newTestDeployer(t, &fakeInvoker{}, newFakeAPI(), nil)

	err := d.Revert(context.Background(), "api.example.com", json.RawMessage(`{not json`))

	require.Error(t, err)
	assert.Equal(t, fault.KindPermanent, fault.KindOf(err))
}

func TestDeployer_HealthTarget(t *testing.T) {
	d := newTestDeployer(t, &fakeInvoker{}, newFakeAPI(), nil)

	assert.Equal(t, "https://api.example.com/health", d.HealthTarget(testTarget()))

	custom := testTarget()
	custom.HealthPath = "/internal/ready"
	assert.Equal(t, "https://api.example.com/internal/ready", d.HealthTarget(custom))
}

func TestServiceName(t *testing.T) {
	assert.Equal(t, "api", serviceName(domain.Target{ID: "api.example.com"}))
	assert.Equal(t, "checkout", serviceName(domain.Target{ID: "api.example.com", Service: "checkout"}))
	assert.Equal(t, "bare", serviceName(domain.Target{ID: "bare"}))
}

func TestPublishedVersion(t *testing.T) {
	assert.Equal(t, "1.5.0", publishedVersion(`{"version":"1.5.0"}`))
	assert.Equal(t, "v2026.08.1", publishedVersion("v2026.08.1\n"))
	assert.Empty(t, publishedVersion("deploying...\ndone"))
	assert.Empty(t, publishedVersion(""))
	assert.Empty(t, publishedVersion(`{"status":"ok"}`))
}

// =============================================================================
// Test Helpers
// =============================================================================

func testTarget() domain.Target {
	return domain.Target{ID: "api.example.com", Environment: domain.EnvProduction}
}

func newTestDeployer(t *testing.T, invoker Invoker, api APIClient, data *pool.Pool) *Deployer {
	t.Helper()
	return NewDeployer(invoker, api, data, DeployerConfig{}, nil)
}

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	connector := pool.NewSQLiteConnector(t.TempDir())
	p := pool.New(connector, pool.Config{MaxPoolSize: 2}, nil)
	t.Cleanup(func() {
		p.Close()
		connector.Close()
	})
	return p
}

func readMarker(t *testing.T, data *pool.Pool, resource string) (status, prior string) {
	t.Helper()
	row := struct {
		Status       string `db:"status"`
		PriorVersion string `db:"prior_version"`
	}{}
	_, err := data.Query(context.Background(), resource, func(ctx context.Context, conn pool.Conn) (any, error) {
		err := conn.(*pool.SQLiteConn).Get(ctx, &row,
			`SELECT status, prior_version FROM deploy_markers ORDER BY id DESC LIMIT 1`)
		return nil, err
	})
	require.NoError(t, err)
	return row.Status, row.PriorVersion
}

// fakeInvoker records invocations and replays canned results per command.
type fakeInvoker struct {
	mu      sync.Mutex
	calls   []invocation
	results map[string]*InvokeResult
	errs    map[string]error
}

type invocation struct {
	command string
	args    []string
	env     map[string]string
}

func (f *fakeInvoker) Invoke(ctx context.Context, command string, args []string, env map[string]string) (*InvokeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, invocation{command: command, args: args, env: env})

	if err, ok := f.errs[command]; ok {
		result := f.results[command]
		if result == nil {
			result = &InvokeResult{ExitCode: 1}
		}
		return result, err
	}
	if result, ok := f.results[command]; ok {
		return result, nil
	}
	return &InvokeResult{}, nil
}

// fakeAPI replays canned responses keyed by "METHOD path", classifying
// non-2xx statuses the way the real client does.
type fakeAPI struct {
	mu     sync.Mutex
	stubs  map[string]apiStub
	bodies map[string][]byte
}

type apiStub struct {
	status int
	body   string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{stubs: make(map[string]apiStub), bodies: make(map[string][]byte)}
}

func (f *fakeAPI) stub(key string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stubs[key] = apiStub{status: status, body: body}
}

func (f *fakeAPI) lastBody(key string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[key]
}

func (f *fakeAPI) Request(ctx context.Context, method, path string, body any) (*APIResponse, error) {
	key := method + " " + path

	f.mu.Lock()
	stub, ok := f.stubs[key]
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			f.mu.Unlock()
			return nil, err
		}
		f.bodies[key] = payload
	}
	f.mu.Unlock()

	if !ok {
		return &APIResponse{Status: http.StatusNotFound},
			fault.Permanent("api:"+key, assert.AnError)
	}

	resp := &APIResponse{Status: stub.status, JSON: json.RawMessage(stub.body)}
	switch {
	case stub.status >= 200 && stub.status < 300:
		return resp, nil
	case stub.status == http.StatusTooManyRequests:
		return resp, fault.Capacity("api:"+key, assert.AnError)
	case stub.status >= 500:
		return resp, fault.Transient("api:"+key, assert.AnError)
	default:
		return resp, fault.Permanent("api:"+key, assert.AnError)
	}
}
