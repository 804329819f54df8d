package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"flowledger/internal/config"
	"flowledger/internal/db"
	"flowledger/internal/domain"
	"flowledger/internal/ledger"
	"flowledger/internal/migrate"
	"flowledger/internal/repo"
	flowledgersdk "flowledger/sdk/go"
)

const (
	testClientKey = "client-secret-key"
	testWorkerKey = "worker-secret-key"
	testJWTSecret = "test-secret"
)

type testServer struct {
	URL    string
	Ledger ledger.Ledger
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	led := ledger.New(conn, &config.Config{})
	ctx := context.Background()
	for _, key := range []domain.APIKey{
		{ID: "client-1", Role: domain.RoleClient, Name: "test client", KeyHash: repo.HashAPIKey(testClientKey)},
		{ID: "worker-1", Role: domain.RoleWorker, Name: "test worker", KeyHash: repo.HashAPIKey(testWorkerKey)},
	} {
		if err := led.Repo.InsertAPIKey(ctx, key); err != nil {
			t.Fatalf("seed api key: %v", err)
		}
	}
	handler, err := New(Config{Ledger: led, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testJWTSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Ledger: led,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func clientHeaders() map[string]string {
	return map[string]string{"X-Api-Key": testClientKey}
}

func workerHeaders() map[string]string {
	return map[string]string{"X-Api-Key": testWorkerKey}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func validPipelineBody() map[string]any {
	return map[string]any{
		"name":               "etl",
		"description":        "nightly etl",
		"docker_image_url":   "registry.example.com/etl:latest",
		"repository_ssh_url": "git@example.com:org/etl.git",
		"repository_branch":  "main",
	}
}

func createTestPipeline(t *testing.T, srv *testServer) PipelineResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/pipelines", validPipelineBody(), clientHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create pipeline: %d %s", res.StatusCode, string(data))
	}
	var p PipelineResponse
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal pipeline: %v", err)
	}
	return p
}

func createTestRun(t *testing.T, srv *testServer, pipelineUUID string, body map[string]any) RunResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/pipelines/"+pipelineUUID+"/runs", body, clientHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create run: %d %s", res.StatusCode, string(data))
	}
	var run RunResponse
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	return run
}

func TestHealthOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}

func TestAuthenticationRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/pipelines", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/pipelines", nil, map[string]string{"X-Api-Key": "no-such-key"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d %s", res.StatusCode, string(data))
	}
}

func TestJWTAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	token := mintToken(t, "dev", "client", testJWTSecret)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/pipelines", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt list pipelines: %d %s", res.StatusCode, string(data))
	}
	// wrong secret rejected
	bad := mintToken(t, "dev", "client", "other-secret")
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/pipelines", nil, map[string]string{"Authorization": "Bearer " + bad})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d %s", res.StatusCode, string(data))
	}
}

func mintToken(t *testing.T, subject, role, secret string) string {
	t.Helper()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: role,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestPipelineLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	p := createTestPipeline(t, srv)
	if p.UUID == "" || p.CreatedAt == "" {
		t.Fatalf("incomplete pipeline response: %+v", p)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/pipelines", nil, clientHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}
	var list []PipelineResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list) != 1 || list[0].UUID != p.UUID {
		t.Fatalf("unexpected list: %+v", list)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/pipelines/"+p.UUID, nil, clientHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/pipelines/"+p.UUID, nil, clientHeaders())
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/pipelines/"+p.UUID, nil, clientHeaders())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/pipelines/"+p.UUID, nil, clientHeaders())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d %s", res.StatusCode, string(data))
	}
}

func TestPipelineValidationRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	for _, field := range []string{"name", "description", "docker_image_url", "repository_ssh_url", "repository_branch"} {
		body := validPipelineBody()
		delete(body, field)
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/pipelines", body, clientHeaders())
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("missing %s: expected 400, got %d %s", field, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/pipelines", nil, clientHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d", res.StatusCode)
	}
	var list []PipelineResponse
	_ = json.Unmarshal(data, &list)
	if len(list) != 0 {
		t.Fatalf("rejected pipelines were persisted: %+v", list)
	}
}

func TestRolePolicy(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createTestPipeline(t, srv)
	run := createTestRun(t, srv, p.UUID, map[string]any{})

	// worker denied on every client operation
	workerDenied := []struct {
		method, url string
		body        any
	}{
		{http.MethodPost, srv.URL + "/v1/pipelines", validPipelineBody()},
		{http.MethodGet, srv.URL + "/v1/pipelines", nil},
		{http.MethodGet, srv.URL + "/v1/pipelines/" + p.UUID, nil},
		{http.MethodDelete, srv.URL + "/v1/pipelines/" + p.UUID, nil},
		{http.MethodPost, srv.URL + "/v1/pipelines/" + p.UUID + "/runs", map[string]any{}},
		{http.MethodGet, srv.URL + "/v1/pipelines/" + p.UUID + "/runs", nil},
		{http.MethodGet, srv.URL + "/v1/runs/" + run.UUID, nil},
		{http.MethodGet, srv.URL + "/v1/runs/" + run.UUID + "/console", nil},
	}
	for _, c := range workerDenied {
		res, data := doJSON(t, client, c.method, c.url, c.body, workerHeaders())
		if res.StatusCode != http.StatusForbidden {
			t.Fatalf("worker %s %s: expected 403, got %d %s", c.method, c.url, res.StatusCode, string(data))
		}
	}

	// client denied on worker operations
	clientDenied := []struct {
		method, url string
		body        any
	}{
		{http.MethodPut, srv.URL + "/v1/runs/" + run.UUID + "/console", map[string]any{"std_out": "x", "std_err": ""}},
		{http.MethodPut, srv.URL + "/v1/runs/" + run.UUID + "/state", map[string]any{"state": "RUNNING"}},
	}
	for _, c := range clientDenied {
		res, data := doJSON(t, client, c.method, c.url, c.body, clientHeaders())
		if res.StatusCode != http.StatusForbidden {
			t.Fatalf("client %s %s: expected 403, got %d %s", c.method, c.url, res.StatusCode, string(data))
		}
	}
}

func TestRunLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createTestPipeline(t, srv)

	run := createTestRun(t, srv, p.UUID, map[string]any{
		"inputs": []map[string]any{
			{"name": "a.csv", "url": "https://example.com/a.csv"},
			{"name": "b.csv", "url": "https://example.com/b.csv"},
		},
	})
	if run.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", run.Sequence)
	}
	if len(run.States) != 1 || run.States[0].State != "NOT_STARTED" {
		t.Fatalf("expected initial NOT_STARTED state, got %+v", run.States)
	}
	if len(run.Inputs) != 2 || run.Inputs[0].Name != "a.csv" {
		t.Fatalf("inputs not preserved in order: %+v", run.Inputs)
	}

	second := createTestRun(t, srv, p.UUID, map[string]any{})
	if second.Sequence != 2 {
		t.Fatalf("expected sequence 2, got %d", second.Sequence)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/pipelines/"+p.UUID+"/runs", nil, clientHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list runs: %d %s", res.StatusCode, string(data))
	}
	var runs []RunResponse
	if err := json.Unmarshal(data, &runs); err != nil {
		t.Fatalf("unmarshal runs: %v", err)
	}
	if len(runs) != 2 || runs[0].Sequence != 1 || runs[1].Sequence != 2 {
		t.Fatalf("runs out of order: %+v", runs)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/runs/"+run.UUID, nil, clientHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get run: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/runs/no-such-run", nil, clientHeaders())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown run, got %d %s", res.StatusCode, string(data))
	}
}

func TestRunInputShapeRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createTestPipeline(t, srv)

	cases := []map[string]any{
		{"inputs": []map[string]any{{"name": "a.csv"}}},
		{"inputs": []map[string]any{{"url": "https://example.com/a.csv"}}},
		{"inputs": []map[string]any{{"name": "a.csv", "url": "https://example.com/a.csv", "extra": true}}},
		{"inputs": "not-a-list"},
		{"inputs": nil},
	}
	for i, body := range cases {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/pipelines/"+p.UUID+"/runs", body, clientHeaders())
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("case %d: expected 400, got %d %s", i, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/pipelines/"+p.UUID+"/runs", nil, clientHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list runs: %d", res.StatusCode)
	}
	var runs []RunResponse
	_ = json.Unmarshal(data, &runs)
	if len(runs) != 0 {
		t.Fatalf("rejected runs were persisted: %+v", runs)
	}
}

func TestRunConsoleOverwrite(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createTestPipeline(t, srv)
	run := createTestRun(t, srv, p.UUID, map[string]any{})

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v1/runs/"+run.UUID+"/console", map[string]any{
		"std_out": "first", "std_err": "warn",
	}, workerHeaders())
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("first console put: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/runs/"+run.UUID+"/console", map[string]any{
		"std_out": "second", "std_err": "",
	}, workerHeaders())
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("second console put: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/runs/"+run.UUID+"/console", nil, clientHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("console get: %d %s", res.StatusCode, string(data))
	}
	var out RunOutputResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if out.StdOut != "second" || out.StdErr != "" {
		t.Fatalf("expected overwrite semantics, got %+v", out)
	}
}

func TestRunStateAppend(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createTestPipeline(t, srv)
	run := createTestRun(t, srv, p.UUID, map[string]any{})

	for _, state := range []string{"QUEUED", "RUNNING", "SUCCEEDED"} {
		res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v1/runs/"+run.UUID+"/state", map[string]any{"state": state}, workerHeaders())
		if res.StatusCode != http.StatusOK {
			t.Fatalf("append %s: %d %s", state, res.StatusCode, string(data))
		}
		var st RunStateResponse
		if err := json.Unmarshal(data, &st); err != nil {
			t.Fatalf("unmarshal state: %v", err)
		}
		if st.State != state || st.CreatedAt == "" {
			t.Fatalf("unexpected state response: %+v", st)
		}
	}

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v1/runs/"+run.UUID+"/state", map[string]any{"state": "EXPLODED"}, workerHeaders())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown state, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/runs/"+run.UUID, nil, clientHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get run: %d %s", res.StatusCode, string(data))
	}
	var fetched RunResponse
	if err := json.Unmarshal(data, &fetched); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	want := []string{"NOT_STARTED", "QUEUED", "RUNNING", "SUCCEEDED"}
	if len(fetched.States) != len(want) {
		t.Fatalf("expected %d states, got %+v", len(want), fetched.States)
	}
	for i, name := range want {
		if fetched.States[i].State != name {
			t.Fatalf("state %d: expected %s got %s", i, name, fetched.States[i].State)
		}
	}
}

func TestSoftDeletedPipelineRunsUnreachable(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createTestPipeline(t, srv)
	run := createTestRun(t, srv, p.UUID, map[string]any{})

	res, data := doJSON(t, client, http.MethodDelete, srv.URL+"/v1/pipelines/"+p.UUID, nil, clientHeaders())
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d %s", res.StatusCode, string(data))
	}
	for _, url := range []string{
		srv.URL + "/v1/runs/" + run.UUID,
		srv.URL + "/v1/runs/" + run.UUID + "/console",
	} {
		res, data := doJSON(t, client, http.MethodGet, url, nil, clientHeaders())
		if res.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d %s", url, res.StatusCode, string(data))
		}
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/pipelines/"+p.UUID+"/runs", map[string]any{}, clientHeaders())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("run creation on deleted pipeline: expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestOpenAPIServed(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi: %d", res.StatusCode)
	}
	var oas map[string]any
	if err := json.Unmarshal(data, &oas); err != nil {
		t.Fatalf("openapi not json: %v", err)
	}
}

// Drives the full client/worker exchange through the Go SDK: a client
// registers a pipeline and triggers a run, a worker reports output and state,
// and the client reads the result back.
func TestSDKWorkerReportFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	clientSDK := flowledgersdk.New(srv.URL)
	clientSDK.APIKey = testClientKey
	workerSDK := flowledgersdk.New(srv.URL)
	workerSDK.APIKey = testWorkerKey

	p, err := clientSDK.CreatePipeline(ctx, "etl", "nightly etl",
		"registry.example.com/etl:latest", "git@example.com:org/etl.git", "main")
	if err != nil {
		t.Fatalf("create pipeline: %v", err)
	}
	run, err := clientSDK.CreateRun(ctx, p.UUID, []flowledgersdk.RunInput{
		{Name: "a.csv", URL: "https://example.com/a.csv"},
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if run.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", run.Sequence)
	}
	if len(run.States) != 1 || run.States[0].State != "NOT_STARTED" {
		t.Fatalf("expected NOT_STARTED, got %+v", run.States)
	}

	if err := workerSDK.UpdateRunOutput(ctx, run.UUID, "all rows loaded", ""); err != nil {
		t.Fatalf("update output: %v", err)
	}
	if _, err := workerSDK.AppendRunState(ctx, run.UUID, "RUNNING"); err != nil {
		t.Fatalf("append state: %v", err)
	}

	out, err := clientSDK.GetRunOutput(ctx, run.UUID)
	if err != nil {
		t.Fatalf("get output: %v", err)
	}
	if out.StdOut != "all rows loaded" || out.StdErr != "" {
		t.Fatalf("unexpected output %+v", out)
	}
	fetched, err := clientSDK.GetRun(ctx, run.UUID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if len(fetched.States) != 2 || fetched.States[1].State != "RUNNING" {
		t.Fatalf("unexpected state history %+v", fetched.States)
	}

	// role errors surface as APIError through the SDK
	err = clientSDK.UpdateRunOutput(ctx, run.UUID, "x", "")
	var apiErr *flowledgersdk.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 APIError, got %v", err)
	}
}
