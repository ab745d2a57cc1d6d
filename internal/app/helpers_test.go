package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"countersign/api/internal/artifact"
	"countersign/api/internal/auth"
	"countersign/api/internal/blob"
	"countersign/api/internal/store"
	"countersign/api/internal/tokens"
	"countersign/api/internal/workflow"
)

const testBaseURL = "https://sign.example.com"

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type testEnv struct {
	server  *HTTPServer
	handler http.Handler
	service *Service
	engine  *workflow.Engine
	repo    *store.MemoryStore
	blobs   *blob.MemoryStore
	clock   *clockwork.FakeClock
	apiKey  []byte
}

func newTestEnv(t *testing.T, checks ...ReadinessCheck) *testEnv {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	repo := store.NewMemoryStore()
	engine, err := workflow.New(workflow.Deps{
		Repository: repo,
		Tokens:     tokens.NewMemoryRegistry(clock),
		Clock:      clock,
	}, workflow.Options{BaseURL: testBaseURL})
	if err != nil {
		t.Fatalf("workflow.New() error = %v", err)
	}
	apiKey, err := auth.DeriveKey("test-secret", auth.PurposeAPITokens)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	if checks == nil {
		checks = []ReadinessCheck{{Name: "database", Pinger: repo}}
	}
	blobs := blob.NewMemoryStore()
	svc, err := NewService(ServiceDeps{
		Engine:    engine,
		Artifacts: artifact.NewGenerator(testBaseURL, artifact.HTMLRenderer{}, clock),
		Blobs:     blobs,
		APIKey:    apiKey,
		Checks:    checks,
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	server := NewHTTPServer(svc, "*", nil)
	return &testEnv{
		server:  server,
		handler: server.Handler(),
		service: svc,
		engine:  engine,
		repo:    repo,
		blobs:   blobs,
		clock:   clock,
		apiKey:  apiKey,
	}
}

func (e *testEnv) bearer(t *testing.T, userID, email string) string {
	t.Helper()
	token, err := auth.IssueToken(e.apiKey, auth.Claims{
		Sub:   userID,
		Email: email,
		JTI:   "jti-" + userID,
		Exp:   e.clock.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return "Bearer " + token
}

func (e *testEnv) do(t *testing.T, method, path, authorization, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v (body=%s)", err, rr.Body.String())
	}
	return payload
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, status int) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d body=%s", status, rr.Code, rr.Body.String())
	}
}

func expectCode(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	expectStatus(t, rr, status)
	if got := decodeJSON(t, rr)["code"]; got != code {
		t.Fatalf("expected code %s, got %v", code, got)
	}
}

const createBody = `{
	"documentId": "doc-1",
	"documentTitle": "Lease agreement",
	"expiresInDays": 7,
	"signers": [
		{"userId": "user-a", "email": "a@example.com", "name": "Avery"},
		{"userId": "user-b", "email": "b@example.com", "name": "Blake"}
	]
}`

// createRequest creates the two-signer request as owner-1 and returns its id
// and signer ids.
func (e *testEnv) createRequest(t *testing.T) (string, []string) {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/signatures", e.bearer(t, "owner-1", "owner@example.com"), createBody)
	expectStatus(t, rr, http.StatusCreated)
	payload := decodeJSON(t, rr)
	signers := payload["signers"].([]any)
	ids := make([]string, 0, len(signers))
	for _, signer := range signers {
		ids = append(ids, signer.(map[string]any)["id"].(string))
	}
	return payload["id"].(string), ids
}

func (e *testEnv) signingToken(t *testing.T, requestID, signerID string) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/signatures/"+requestID+"/signers/"+signerID+"/url", e.bearer(t, "owner-1", "owner@example.com"), "")
	expectStatus(t, rr, http.StatusOK)
	url := decodeJSON(t, rr)["url"].(string)
	_, token, ok := strings.Cut(url, "/sign/")
	if !ok {
		t.Fatalf("unexpected signing url %q", url)
	}
	return token
}

const drawnBody = `{"signatureType":"drawn","signatureData":"data:image/png;base64,iVBORw0KGgo="}`
