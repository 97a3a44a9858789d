package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"traceline/internal/config"
	"traceline/internal/db"
	"traceline/internal/engine"
	"traceline/internal/migrate"
	"traceline/internal/workflow"
)

const testProgram = "prog-http"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default(testProgram)
	e := engine.New(conn, cfg)
	// Post-commit side effects run on goroutines; keep them out of tests.
	e.Notifier = nil
	e.Generator = nil
	if _, err := e.InitProgram(context.Background(), testProgram, "", "tester"); err != nil {
		t.Fatalf("init program: %v", err)
	}
	if err := e.GrantRole(context.Background(), testProgram, "tester", workflow.RoleAdmin, "tester"); err != nil {
		t.Fatalf("grant admin: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
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
	req.Header.Set("X-Actor-Id", "tester")
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

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func createStoryHTTP(t *testing.T, srv *testServer, title string) StoryResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/programs/"+testProgram+"/stories", map[string]any{
		"title": title,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create story status %d: %s", res.StatusCode, string(data))
	}
	var s StoryResponse
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("unmarshal story: %v", err)
	}
	return s
}

func TestStoryTransitionFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	s := createStoryHTTP(t, srv, "Record allergy alerts")
	if s.Status != "draft" || s.Version != 1 {
		t.Fatalf("unexpected new story: %+v", s)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/stories/"+s.ID+"/transitions", map[string]any{
		"to":      "internal_review",
		"as_role": workflow.RoleBusinessAnalyst,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", res.StatusCode, string(data))
	}
	var moved StoryResponse
	if err := json.Unmarshal(data, &moved); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if moved.Status != "internal_review" || moved.Version != 2 {
		t.Fatalf("unexpected story after transition: %+v", moved)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/stories/"+s.ID+"/transitions", map[string]any{
		"to": "approved",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for skip, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/stories/"+s.ID+"/transitions", map[string]any{
		"to": "needs_discussion",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without notes, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "notes_required" {
		t.Fatalf("expected notes_required, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/stories/"+s.ID+"/transitions?as_role="+workflow.RoleStakeholder, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list transitions status %d: %s", res.StatusCode, string(data))
	}
	var options []TransitionResponse
	if err := json.Unmarshal(data, &options); err != nil {
		t.Fatalf("unmarshal transitions: %v", err)
	}
	// Stakeholders hold no moves out of internal_review.
	if len(options) != 0 {
		t.Fatalf("expected no stakeholder transitions, got %+v", options)
	}
}

func TestUpdateCannotChangeStatus(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	s := createStoryHTTP(t, srv, "Consent capture")

	// Status is not an updatable field; smuggling it into a PATCH must not
	// move the story past the rule table.
	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/stories/"+s.ID, map[string]any{
		"title":  "Consent capture v2",
		"status": "approved",
	}, nil)
	if res.StatusCode == http.StatusOK {
		var updated StoryResponse
		if err := json.Unmarshal(data, &updated); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if updated.Status != "draft" {
			t.Fatalf("update changed status to %s", updated.Status)
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/stories/"+s.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get story status %d: %s", res.StatusCode, string(data))
	}
	var got StoryResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal story: %v", err)
	}
	if got.Status != "draft" {
		t.Fatalf("expected story to stay draft, got %s", got.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/stories/"+s.ID+"/approvals", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approvals status %d: %s", res.StatusCode, string(data))
	}
	var approvals []ApprovalResponse
	if err := json.Unmarshal(data, &approvals); err != nil {
		t.Fatalf("unmarshal approvals: %v", err)
	}
	if len(approvals) != 0 {
		t.Fatalf("expected no approvals, got %+v", approvals)
	}
}

func TestLockConflictOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	s := createStoryHTTP(t, srv, "Medication reconciliation")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/stories/"+s.ID+"/lock", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("acquire lock status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/stories/"+s.ID+"/lock", nil, map[string]string{"X-Actor-Id": "other"})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected lock conflict, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "lock_held" {
		t.Fatalf("expected lock_held, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/stories/"+s.ID+"/lock", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("release lock status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/stories/"+s.ID+"/lock", nil, map[string]string{"X-Actor-Id": "other"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected reacquire after release, got %d: %s", res.StatusCode, string(data))
	}
	var lock LockResponse
	if err := json.Unmarshal(data, &lock); err != nil {
		t.Fatalf("unmarshal lock: %v", err)
	}
	if !lock.IsLocked || lock.Holder == nil || *lock.Holder != "other" {
		t.Fatalf("unexpected lock state: %+v", lock)
	}
}

func TestCycleExecutionOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, title := range []string{"Verify intake form", "Verify discharge summary"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/programs/"+testProgram+"/test-cases", map[string]any{
			"title": title,
		}, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create test case status %d: %s", res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/programs/"+testProgram+"/cycles", map[string]any{
		"name":                "Cycle 1",
		"distribution_method": "weighted",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create cycle status %d: %s", res.StatusCode, string(data))
	}
	var cycle CycleResponse
	if err := json.Unmarshal(data, &cycle); err != nil {
		t.Fatalf("unmarshal cycle: %v", err)
	}

	for _, tester := range []string{"alice", "bob"} {
		res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/cycles/"+cycle.ID+"/testers", map[string]any{
			"user_id": tester,
		}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("add tester status %d: %s", res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/cycles/"+cycle.ID+"/assignments/preview", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("preview status %d: %s", res.StatusCode, string(data))
	}
	var preview PlanResponse
	if err := json.Unmarshal(data, &preview); err != nil {
		t.Fatalf("unmarshal preview: %v", err)
	}
	if preview.Summary.TotalTests != 2 || len(preview.Assignments) != 2 {
		t.Fatalf("unexpected preview: %+v", preview.Summary)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cycles/"+cycle.ID+"/assignments/execute", nil, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("execute status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cycles/"+cycle.ID+"/assignments/execute", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on re-execute, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "cycle_locked" {
		t.Fatalf("expected cycle_locked, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/cycles/"+cycle.ID+"/executions", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list executions status %d: %s", res.StatusCode, string(data))
	}
	var executions []ExecutionResponse
	if err := json.Unmarshal(data, &executions); err != nil {
		t.Fatalf("unmarshal executions: %v", err)
	}
	if len(executions) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(executions))
	}
	for _, ex := range executions {
		if ex.Status != "assigned" {
			t.Fatalf("expected assigned status, got %s", ex.Status)
		}
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/programs", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	healthRes, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", healthRes.StatusCode, string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"actor_id": "svc-1",
		"name":     "ci",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var created APIKeyResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if created.Key == "" {
		t.Fatal("expected raw key in create response")
	}

	// Only the hash is stored; listing must not leak the raw key.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/apikeys", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list keys status %d: %s", res.StatusCode, string(data))
	}
	var keys []APIKeyResponse
	if err := json.Unmarshal(data, &keys); err != nil {
		t.Fatalf("unmarshal keys: %v", err)
	}
	if len(keys) != 1 || keys[0].Key != "" {
		t.Fatalf("unexpected key listing: %+v", keys)
	}

	// The raw key authenticates as its actor, outranking the legacy header.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "svc-1" {
		t.Fatalf("expected svc-1, got %s", me.ActorID)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Api-Key": "not-a-key",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bogus key, got %d", res.StatusCode)
	}
}

func TestDevLoginAndJWT(t *testing.T) {
	srvSecret, cleanupSecret := newTestServerWithSecret(t, "test-secret")
	defer cleanupSecret()

	res, data := doJSON(t, srvSecret.Client(), http.MethodPost, srvSecret.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "ba-1",
		"roles":    []string{workflow.RoleBusinessAnalyst},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if login.Token == "" {
		t.Fatal("expected token")
	}

	res, data = doJSON(t, srvSecret.Client(), http.MethodGet, srvSecret.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "ba-1" || len(me.Roles) != 1 || me.Roles[0] != workflow.RoleBusinessAnalyst {
		t.Fatalf("unexpected principal: %+v", me)
	}
}

func newTestServerWithSecret(t *testing.T, secret string) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default(testProgram)
	e := engine.New(conn, cfg)
	e.Notifier = nil
	e.Generator = nil
	if _, err := e.InitProgram(context.Background(), testProgram, "", "tester"); err != nil {
		t.Fatalf("init program: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: secret},
	})
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}
