package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"countersign/api/internal/notify"
	"countersign/api/internal/store"
	"countersign/api/internal/tokens"
	"github.com/jonboulle/clockwork"
)

const testBaseURL = "https://sign.example.com"

type invitation struct {
	kind     string
	signerID string
	url      string
}

type recordingNotifier struct {
	mu          sync.Mutex
	invitations []invitation
	completed   []string
	events      []notify.Event
}

func (n *recordingNotifier) SignatureRequested(_ context.Context, _ store.SignatureRequest, signer store.Signer, url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.invitations = append(n.invitations, invitation{kind: "invite", signerID: signer.ID, url: url})
}

func (n *recordingNotifier) Reminder(_ context.Context, _ store.SignatureRequest, signer store.Signer, url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.invitations = append(n.invitations, invitation{kind: "reminder", signerID: signer.ID, url: url})
}

func (n *recordingNotifier) Completed(_ context.Context, req store.SignatureRequest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, req.ID)
}

func (n *recordingNotifier) Webhook(_ context.Context, _ string, event notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) eventTypes() []notify.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.EventType, 0, len(n.events))
	for _, event := range n.events {
		out = append(out, event.Event)
	}
	return out
}

func (n *recordingNotifier) invitationsFor(kind, signerID string) []invitation {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []invitation
	for _, inv := range n.invitations {
		if inv.kind == kind && inv.signerID == signerID {
			out = append(out, inv)
		}
	}
	return out
}

// faultyRepo fails the next write of the chosen kind.
type faultyRepo struct {
	*store.MemoryStore
	failUpdate bool
	failAppend bool
}

var errInjected = errors.New("storage unavailable")

func (r *faultyRepo) UpdateRequest(ctx context.Context, req *store.SignatureRequest, entries ...store.AuditEntry) error {
	if r.failUpdate {
		r.failUpdate = false
		return errInjected
	}
	return r.MemoryStore.UpdateRequest(ctx, req, entries...)
}

func (r *faultyRepo) AppendAudit(ctx context.Context, requestID string, entries ...store.AuditEntry) error {
	if r.failAppend {
		r.failAppend = false
		return errInjected
	}
	return r.MemoryStore.AppendAudit(ctx, requestID, entries...)
}

type harness struct {
	engine   *Engine
	repo     *store.MemoryStore
	faults   *faultyRepo
	registry *tokens.MemoryRegistry
	clock    *clockwork.FakeClock
	notifier *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	h := &harness{
		repo:     store.NewMemoryStore(),
		registry: tokens.NewMemoryRegistry(clock),
		clock:    clock,
		notifier: &recordingNotifier{},
	}
	h.faults = &faultyRepo{MemoryStore: h.repo}
	engine, err := New(Deps{
		Repository: h.faults,
		Tokens:     h.registry,
		Clock:      clock,
		Notifier:   h.notifier,
	}, Options{BaseURL: testBaseURL, DefaultTTL: 7 * 24 * time.Hour, TokenTTL: 24 * time.Hour})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.engine = engine
	return h
}

func intPtr(v int) *int { return &v }

func twoSignerInput() CreateInput {
	return CreateInput{
		Document:   store.DocumentRef{ID: "doc-1", Title: "Lease agreement"},
		CreatedBy:  "owner-1",
		WebhookURL: "https://hooks.example.com/sign",
		TTLDays:    intPtr(7),
		Signers: []SignerInput{
			{UserID: "user-a", Email: "a@example.com", Name: "Avery"},
			{UserID: "user-b", Email: "b@example.com", Name: "Blake"},
		},
	}
}

func (h *harness) create(t *testing.T, input CreateInput) store.SignatureRequest {
	t.Helper()
	req, err := h.engine.CreateRequest(context.Background(), input)
	if err != nil {
		t.Fatalf("CreateRequest() error = %v", err)
	}
	return req
}

func (h *harness) token(t *testing.T, requestID, signerID string) string {
	t.Helper()
	link, err := h.engine.GenerateSigningURL(context.Background(), requestID, signerID)
	if err != nil {
		t.Fatalf("GenerateSigningURL() error = %v", err)
	}
	return tokenFromURL(t, link.URL)
}

func tokenFromURL(t *testing.T, url string) string {
	t.Helper()
	token, ok := strings.CutPrefix(url, testBaseURL+"/sign/")
	if !ok || token == "" {
		t.Fatalf("unexpected signing url %q", url)
	}
	return token
}

func drawn() SignatureData {
	return SignatureData{Type: store.SignatureDrawn, Payload: "data:image/png;base64,iVBORw0KGgo=", IPAddress: "203.0.113.7", UserAgent: "test-agent"}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	werr, ok := AsError(err)
	if !ok {
		t.Fatalf("expected workflow error %s, got %v", code, err)
	}
	if werr.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, werr.Code, werr.Message)
	}
}

func countAction(entries []store.AuditEntry, action store.AuditAction) int {
	n := 0
	for _, entry := range entries {
		if entry.Action == action {
			n++
		}
	}
	return n
}

func TestTwoSignersCompleteAndTokenCannotBeReused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.create(t, twoSignerInput())
	if req.Status != store.StatusPending {
		t.Fatalf("expected PENDING, got %s", req.Status)
	}
	if !req.ExpiresAt.Equal(req.CreatedAt.Add(7 * 24 * time.Hour)) {
		t.Fatalf("unexpected expiry %s", req.ExpiresAt)
	}

	signerA, signerB := req.Signers[0].ID, req.Signers[1].ID
	tokenA := h.token(t, req.ID, signerA)
	tokenB := h.token(t, req.ID, signerB)

	before, _ := h.engine.AuditTrail(ctx, req.ID)
	h.clock.Advance(time.Minute)
	afterA, err := h.engine.SubmitSignature(ctx, tokenA, drawn())
	if err != nil {
		t.Fatalf("SubmitSignature(A) error = %v", err)
	}
	if afterA.Status != store.StatusPartiallySigned {
		t.Fatalf("expected PARTIALLY_SIGNED, got %s", afterA.Status)
	}
	afterEntries, _ := h.engine.AuditTrail(ctx, req.ID)
	if len(afterEntries) != len(before)+1 || afterEntries[len(afterEntries)-1].Action != store.AuditSignatureSubmitted {
		t.Fatalf("expected exactly one SIGNATURE_SUBMITTED entry to be added")
	}
	signed := afterA.Signers[0]
	if signed.Status != store.SignerSigned || signed.IPAddress != "203.0.113.7" || signed.UserAgent != "test-agent" || signed.SignedAt == nil {
		t.Fatalf("signature metadata not captured: %+v", signed)
	}

	h.clock.Advance(time.Minute)
	completed, err := h.engine.SubmitSignature(ctx, tokenB, drawn())
	if err != nil {
		t.Fatalf("SubmitSignature(B) error = %v", err)
	}
	if completed.Status != store.StatusCompleted || completed.CompletedAt == nil {
		t.Fatalf("expected COMPLETED with completion time, got %s", completed.Status)
	}

	_, err = h.engine.SubmitSignature(ctx, tokenB, drawn())
	assertCode(t, err, "INVALID_TOKEN")
	if werr, _ := AsError(err); !strings.Contains(werr.Message, "invalid or expired") {
		t.Fatalf("unexpected message %q", werr.Message)
	}

	events := h.notifier.eventTypes()
	want := []notify.EventType{notify.EventSignatureCompleted, notify.EventSignatureCompleted, notify.EventRequestCompleted}
	if len(events) != len(want) {
		t.Fatalf("unexpected webhook events %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("unexpected webhook events %v", events)
		}
	}
	if len(h.notifier.completed) != 1 {
		t.Fatalf("expected one completion notice, got %d", len(h.notifier.completed))
	}

	entries, _ := h.engine.AuditTrail(ctx, req.ID)
	if countAction(entries, store.AuditRequestCompleted) != 1 {
		t.Fatal("expected a REQUEST_COMPLETED entry")
	}
}

func TestZeroTTLRequestExpiresOnFirstRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	input := twoSignerInput()
	input.Signers = input.Signers[:1]
	input.TTLDays = intPtr(0)
	req := h.create(t, input)

	h.clock.Advance(time.Millisecond)
	got, err := h.engine.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetRequest() error = %v", err)
	}
	if got.Status != store.StatusExpired || got.Signers[0].Status != store.SignerExpired {
		t.Fatalf("expected request and signer EXPIRED, got %s/%s", got.Status, got.Signers[0].Status)
	}

	_, err = h.engine.GenerateSigningURL(ctx, req.ID, got.Signers[0].ID)
	assertCode(t, err, "REQUEST_EXPIRED")

	entries, _ := h.engine.AuditTrail(ctx, req.ID)
	if countAction(entries, store.AuditRequestExpired) != 1 {
		t.Fatal("expected one REQUEST_EXPIRED entry")
	}
	if events := h.notifier.eventTypes(); len(events) != 1 || events[0] != notify.EventRequestExpired {
		t.Fatalf("expected request.expired webhook, got %v", events)
	}
}

func TestDeclineEndsRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.create(t, twoSignerInput())
	tokenA := h.token(t, req.ID, req.Signers[0].ID)
	tokenB := h.token(t, req.ID, req.Signers[1].ID)

	declined, err := h.engine.DeclineSignature(ctx, tokenA, "wrong document", "198.51.100.4")
	if err != nil {
		t.Fatalf("DeclineSignature() error = %v", err)
	}
	if declined.Status != store.StatusDeclined {
		t.Fatalf("expected DECLINED, got %s", declined.Status)
	}
	signer := declined.Signers[0]
	if signer.Status != store.SignerDeclined || signer.DeclineReason != "wrong document" || signer.DeclinedAt == nil {
		t.Fatalf("decline not recorded: %+v", signer)
	}

	// B's link was revoked along with the request.
	_, err = h.engine.SubmitSignature(ctx, tokenB, drawn())
	assertCode(t, err, "INVALID_TOKEN")

	stored, _ := h.repo.GetRequest(ctx, req.ID)
	if stored.Signers[1].Status != store.SignerPending {
		t.Fatalf("expected B untouched, got %s", stored.Signers[1].Status)
	}
	entries, _ := h.engine.AuditTrail(ctx, req.ID)
	if countAction(entries, store.AuditSignatureDeclined) != 1 || countAction(entries, store.AuditRequestDeclined) != 1 {
		t.Fatal("expected SIGNATURE_DECLINED and REQUEST_DECLINED entries")
	}
	if events := h.notifier.eventTypes(); len(events) != 1 || events[0] != notify.EventSignatureDeclined {
		t.Fatalf("expected signature.declined webhook, got %v", events)
	}
}

func TestTerminalRequestsRejectSignerActions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.create(t, twoSignerInput())
	signerB := req.Signers[1].ID

	cancelled, err := h.engine.CancelRequest(ctx, req.ID, "superseded", "owner-1")
	if err != nil {
		t.Fatalf("CancelRequest() error = %v", err)
	}
	if cancelled.Status != store.StatusCancelled || cancelled.CancelReason != "superseded" {
		t.Fatalf("unexpected cancel result: %s %q", cancelled.Status, cancelled.CancelReason)
	}

	// Cancelling revoked every link; mint one directly so the request guard is what rejects it.
	claimToken, err := h.registry.Issue(ctx, req.ID, signerB, h.clock.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	_, err = h.engine.SubmitSignature(ctx, claimToken, drawn())
	assertCode(t, err, "REQUEST_CLOSED")
	_, err = h.engine.DeclineSignature(ctx, claimToken, "no", "")
	assertCode(t, err, "REQUEST_CLOSED")

	after, _ := h.repo.GetRequest(ctx, req.ID)
	if after.Status != store.StatusCancelled || after.Signers[1].Status != store.SignerPending {
		t.Fatalf("terminal request mutated: %+v", after)
	}

	_, err = h.engine.CancelRequest(ctx, req.ID, "again", "owner-1")
	assertCode(t, err, "REQUEST_CLOSED")
}

func TestCancelCompletedRequestFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	input := twoSignerInput()
	input.Signers = input.Signers[:1]
	req := h.create(t, input)
	if _, err := h.engine.SubmitSignature(ctx, h.token(t, req.ID, req.Signers[0].ID), drawn()); err != nil {
		t.Fatalf("SubmitSignature() error = %v", err)
	}

	_, err := h.engine.CancelRequest(ctx, req.ID, "", "owner-1")
	assertCode(t, err, "REQUEST_COMPLETED")

	stored, _ := h.repo.GetRequest(ctx, req.ID)
	if stored.Status != store.StatusCompleted {
		t.Fatalf("completed request changed to %s", stored.Status)
	}
}

func TestCreateRequestPreconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreateInput)
		code   string
	}{
		{"no signers", func(in *CreateInput) { in.Signers = nil }, "SIGNERS_REQUIRED"},
		{"missing document", func(in *CreateInput) { in.Document.ID = " " }, "DOCUMENT_REQUIRED"},
		{"negative ttl", func(in *CreateInput) { in.TTLDays = intPtr(-1) }, "INVALID_TTL"},
		{"bad email", func(in *CreateInput) { in.Signers[1].Email = "blake" }, "SIGNER_EMAIL_REQUIRED"},
		{"file webhook", func(in *CreateInput) { in.WebhookURL = "file:///etc/passwd" }, "INVALID_WEBHOOK_URL"},
		{"relative webhook", func(in *CreateInput) { in.WebhookURL = "/hooks/sign" }, "INVALID_WEBHOOK_URL"},
		{"gopher webhook", func(in *CreateInput) { in.WebhookURL = "gopher://10.0.0.1:70/" }, "INVALID_WEBHOOK_URL"},
		{"javascript redirect", func(in *CreateInput) { in.RedirectURL = "javascript:alert(1)" }, "INVALID_REDIRECT_URL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			input := twoSignerInput()
			tc.mutate(&input)
			_, err := h.engine.CreateRequest(ctx, input)
			assertCode(t, err, tc.code)
			if !IsKind(err, KindPrecondition) {
				t.Fatalf("expected precondition kind, got %v", err)
			}
		})
	}

	_, total, _ := h.repo.ListForUser(ctx, "owner-1", store.ListFilter{})
	if total != 0 {
		t.Fatalf("rejected creates must not persist anything, found %d", total)
	}
}

func TestCreateRequestOrdersSignersAndInvites(t *testing.T) {
	h := newHarness(t)
	input := twoSignerInput()
	input.Signers[0].Order = intPtr(5)
	input.Signers[1].Order = intPtr(1)
	req := h.create(t, input)

	if req.Signers[0].Email != "b@example.com" || req.Signers[1].Email != "a@example.com" {
		t.Fatalf("expected signers sorted by order, got %s, %s", req.Signers[0].Email, req.Signers[1].Email)
	}
	for _, signer := range req.Signers {
		if !strings.HasPrefix(signer.ID, "sg_") || !signer.Required {
			t.Fatalf("unexpected signer defaults: %+v", signer)
		}
		invites := h.notifier.invitationsFor("invite", signer.ID)
		if len(invites) != 1 {
			t.Fatalf("expected one invitation for %s, got %d", signer.ID, len(invites))
		}
		tokenFromURL(t, invites[0].url)
	}
	if !strings.HasPrefix(req.ID, "sr_") {
		t.Fatalf("unexpected request id %q", req.ID)
	}
}

func TestDraftRequestsMustBeSent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	input := twoSignerInput()
	input.Draft = true
	req := h.create(t, input)
	if req.Status != store.StatusDraft {
		t.Fatalf("expected DRAFT, got %s", req.Status)
	}
	if len(h.notifier.invitationsFor("invite", req.Signers[0].ID)) != 0 {
		t.Fatal("drafts must not invite signers")
	}
	_, err := h.engine.GenerateSigningURL(ctx, req.ID, req.Signers[0].ID)
	assertCode(t, err, "REQUEST_NOT_SENT")

	sent, err := h.engine.SendRequest(ctx, req.ID, "owner-1")
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	if sent.Status != store.StatusPending {
		t.Fatalf("expected PENDING, got %s", sent.Status)
	}
	if len(h.notifier.invitationsFor("invite", req.Signers[1].ID)) != 1 {
		t.Fatal("expected invitations once sent")
	}
	_, err = h.engine.SendRequest(ctx, req.ID, "owner-1")
	assertCode(t, err, "REQUEST_NOT_DRAFT")

	entries, _ := h.engine.AuditTrail(ctx, req.ID)
	if countAction(entries, store.AuditRequestSent) != 1 {
		t.Fatal("expected REQUEST_SENT entry")
	}
}

func TestSequentialRequestsEnforceOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	input := twoSignerInput()
	input.Sequential = true
	req := h.create(t, input)
	signerA, signerB := req.Signers[0].ID, req.Signers[1].ID

	if len(h.notifier.invitationsFor("invite", signerB)) != 0 {
		t.Fatal("second signer must wait for the first")
	}
	_, err := h.engine.GenerateSigningURL(ctx, req.ID, signerB)
	assertCode(t, err, "OUT_OF_TURN")

	invites := h.notifier.invitationsFor("invite", signerA)
	if len(invites) != 1 {
		t.Fatalf("expected first signer invited, got %d", len(invites))
	}
	if _, err := h.engine.SubmitSignature(ctx, tokenFromURL(t, invites[0].url), drawn()); err != nil {
		t.Fatalf("SubmitSignature(A) error = %v", err)
	}

	next := h.notifier.invitationsFor("invite", signerB)
	if len(next) != 1 {
		t.Fatalf("expected next signer invited after A signed, got %d", len(next))
	}
	done, err := h.engine.SubmitSignature(ctx, tokenFromURL(t, next[0].url), drawn())
	if err != nil {
		t.Fatalf("SubmitSignature(B) error = %v", err)
	}
	if done.Status != store.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", done.Status)
	}
}

func TestSubmitAfterRequestExpiryFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	input := twoSignerInput()
	input.TTLDays = intPtr(1)
	req := h.create(t, input)
	token := h.token(t, req.ID, req.Signers[0].ID)

	h.clock.Advance(25 * time.Hour)
	if _, err := h.engine.SubmitSignature(ctx, token, drawn()); err == nil {
		t.Fatal("expected submission after expiry to fail")
	}
	stored, _ := h.repo.GetRequest(ctx, req.ID)
	if stored.Signers[0].Status == store.SignerSigned {
		t.Fatal("signer must not be signed after expiry")
	}
}

func TestSubmitRejectsInvalidSignatureWithoutConsumingToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.create(t, twoSignerInput())
	token := h.token(t, req.ID, req.Signers[0].ID)

	_, err := h.engine.SubmitSignature(ctx, token, SignatureData{Type: "stamped", Payload: "x"})
	assertCode(t, err, "INVALID_SIGNATURE")
	_, err = h.engine.SubmitSignature(ctx, token, SignatureData{Type: store.SignatureTyped})
	assertCode(t, err, "INVALID_SIGNATURE")

	if _, err := h.engine.SubmitSignature(ctx, token, SignatureData{Type: store.SignatureTyped, Payload: "Avery"}); err != nil {
		t.Fatalf("expected valid retry to succeed, got %v", err)
	}
}

func TestSubmitStorageFailureLeavesNoPartialState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.create(t, twoSignerInput())
	signerID := req.Signers[0].ID
	token := h.token(t, req.ID, signerID)
	before, _ := h.engine.AuditTrail(ctx, req.ID)

	h.faults.failUpdate = true
	if _, err := h.engine.SubmitSignature(ctx, token, drawn()); !errors.Is(err, errInjected) {
		t.Fatalf("expected storage error, got %v", err)
	}

	stored, _ := h.repo.GetRequest(ctx, req.ID)
	if signer, _, _ := stored.Signer(signerID); signer.Status != store.SignerPending {
		t.Fatalf("expected signer to stay pending, got %s", signer.Status)
	}
	after, _ := h.engine.AuditTrail(ctx, req.ID)
	if len(after) != len(before) {
		t.Fatalf("expected no new audit entries, got %d -> %d", len(before), len(after))
	}
	if len(h.notifier.eventTypes()) != 0 {
		t.Fatalf("expected no webhooks, got %v", h.notifier.eventTypes())
	}

	if _, err := h.engine.SubmitSignature(ctx, token, drawn()); err != nil {
		t.Fatalf("expected retry with the same link to succeed, got %v", err)
	}
}

func TestDeclineStorageFailureLeavesNoPartialState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.create(t, twoSignerInput())
	signerID := req.Signers[1].ID
	token := h.token(t, req.ID, signerID)
	before, _ := h.engine.AuditTrail(ctx, req.ID)

	h.faults.failUpdate = true
	if _, err := h.engine.DeclineSignature(ctx, token, "wrong terms", "198.51.100.4"); !errors.Is(err, errInjected) {
		t.Fatalf("expected storage error, got %v", err)
	}

	stored, _ := h.repo.GetRequest(ctx, req.ID)
	if stored.Status != store.StatusPending {
		t.Fatalf("expected request to stay pending, got %s", stored.Status)
	}
	if signer, _, _ := stored.Signer(signerID); signer.Status != store.SignerPending {
		t.Fatalf("expected signer to stay pending, got %s", signer.Status)
	}
	after, _ := h.engine.AuditTrail(ctx, req.ID)
	if len(after) != len(before) {
		t.Fatalf("expected no new audit entries, got %d -> %d", len(before), len(after))
	}

	declined, err := h.engine.DeclineSignature(ctx, token, "wrong terms", "198.51.100.4")
	if err != nil {
		t.Fatalf("expected retry with the same link to succeed, got %v", err)
	}
	if declined.Status != store.StatusDeclined {
		t.Fatalf("expected DECLINED, got %s", declined.Status)
	}
}

func TestConcurrentSubmitsWithSameTokenSucceedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.create(t, twoSignerInput())
	token := h.token(t, req.ID, req.Signers[0].ID)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.engine.SubmitSignature(ctx, token, drawn()); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one successful submit, got %d", successes)
	}
	entries, _ := h.engine.AuditTrail(ctx, req.ID)
	if countAction(entries, store.AuditSignatureSubmitted) != 1 {
		t.Fatal("expected a single SIGNATURE_SUBMITTED entry")
	}
}

func TestSweepExpiredIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	input := twoSignerInput()
	input.TTLDays = intPtr(1)
	first := h.create(t, input)
	h.create(t, input)

	single := twoSignerInput()
	single.Signers = single.Signers[:1]
	single.TTLDays = intPtr(1)
	done := h.create(t, single)
	if _, err := h.engine.SubmitSignature(ctx, h.token(t, done.ID, done.Signers[0].ID), drawn()); err != nil {
		t.Fatalf("SubmitSignature() error = %v", err)
	}

	h.clock.Advance(48 * time.Hour)
	processed, err := h.engine.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired() error = %v", err)
	}
	if processed != 2 {
		t.Fatalf("expected 2 expired, got %d", processed)
	}
	again, err := h.engine.SweepExpired(ctx)
	if err != nil || again != 0 {
		t.Fatalf("second sweep = %d, %v; want 0", again, err)
	}

	stored, _ := h.repo.GetRequest(ctx, first.ID)
	for _, signer := range stored.Signers {
		if signer.Status != store.SignerExpired {
			t.Fatalf("expected pending signers to cascade to EXPIRED, got %s", signer.Status)
		}
	}
	completed, _ := h.repo.GetRequest(ctx, done.ID)
	if completed.Status != store.StatusCompleted {
		t.Fatalf("completed request must not expire, got %s", completed.Status)
	}
}

func TestRunSweeperStopsWithContext(t *testing.T) {
	h := newHarness(t)
	input := twoSignerInput()
	input.TTLDays = intPtr(1)
	req := h.create(t, input)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.engine.RunSweeper(ctx, time.Minute)
		close(stopped)
	}()

	if err := h.clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("sweeper never waited on its ticker: %v", err)
	}
	h.clock.Advance(25 * time.Hour)

	deadline := time.Now().Add(2 * time.Second)
	for {
		stored, _ := h.repo.GetRequest(context.Background(), req.ID)
		if stored.Status == store.StatusExpired {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sweeper did not expire the request")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-stopped
}

func TestSendReminder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.create(t, twoSignerInput())
	signerA, signerB := req.Signers[0].ID, req.Signers[1].ID

	if !h.engine.SendReminder(ctx, req.ID, signerB) {
		t.Fatal("expected reminder for pending signer")
	}
	if len(h.notifier.invitationsFor("reminder", signerB)) != 1 {
		t.Fatal("expected reminder notification")
	}

	if _, err := h.engine.SubmitSignature(ctx, h.token(t, req.ID, signerA), drawn()); err != nil {
		t.Fatalf("SubmitSignature() error = %v", err)
	}
	if h.engine.SendReminder(ctx, req.ID, signerA) {
		t.Fatal("signed signers get no reminder")
	}
	if h.engine.SendReminder(ctx, "sr_missing", signerA) {
		t.Fatal("unknown requests get no reminder")
	}
	if h.engine.SendReminder(ctx, req.ID, "sg_missing") {
		t.Fatal("unknown signers get no reminder")
	}

	entries, _ := h.engine.AuditTrail(ctx, req.ID)
	if countAction(entries, store.AuditReminderSent) != 1 {
		t.Fatal("expected exactly one REMINDER_SENT entry")
	}
}

func TestReminderAuditFailureBurnsLink(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.create(t, twoSignerInput())
	signerID := req.Signers[1].ID
	before, _ := h.engine.AuditTrail(ctx, req.ID)
	liveBefore := h.registry.Len()

	h.faults.failAppend = true
	if h.engine.SendReminder(ctx, req.ID, signerID) {
		t.Fatal("expected reminder to fail when the audit write fails")
	}
	if len(h.notifier.invitationsFor("reminder", signerID)) != 0 {
		t.Fatal("expected no reminder notification")
	}
	after, _ := h.engine.AuditTrail(ctx, req.ID)
	if len(after) != len(before) {
		t.Fatalf("expected no new audit entries, got %d -> %d", len(before), len(after))
	}
	if got := h.registry.Len(); got != liveBefore {
		t.Fatalf("expected the unrecorded link to be burned, live links %d -> %d", liveBefore, got)
	}

	if !h.engine.SendReminder(ctx, req.ID, signerID) {
		t.Fatal("expected reminder to succeed once storage recovers")
	}
	entries, _ := h.engine.AuditTrail(ctx, req.ID)
	if countAction(entries, store.AuditReminderSent) != 1 || countAction(entries, store.AuditSigningURLIssued) != countAction(before, store.AuditSigningURLIssued)+1 {
		t.Fatal("expected SIGNING_URL_ISSUED and REMINDER_SENT to be written together")
	}
}

func TestAuditTrailIsMonotonicAndAppendOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.create(t, twoSignerInput())

	var seen []store.AuditEntry
	check := func() {
		t.Helper()
		entries, err := h.engine.AuditTrail(ctx, req.ID)
		if err != nil {
			t.Fatalf("AuditTrail() error = %v", err)
		}
		if len(entries) < len(seen) {
			t.Fatal("audit entries were removed")
		}
		for i := range seen {
			if entries[i] != seen[i] {
				t.Fatalf("audit entry %d changed", i)
			}
		}
		for i := 1; i < len(entries); i++ {
			if entries[i].Timestamp.Before(entries[i-1].Timestamp) {
				t.Fatal("audit timestamps went backwards")
			}
		}
		seen = entries
	}

	check()
	h.clock.Advance(time.Minute)
	_, _ = h.engine.SubmitSignature(ctx, h.token(t, req.ID, req.Signers[0].ID), drawn())
	check()
	h.engine.SendReminder(ctx, req.ID, req.Signers[1].ID)
	check()
	_, _ = h.engine.CancelRequest(ctx, req.ID, "done", "owner-1")
	check()
	_, _ = h.engine.CancelRequest(ctx, req.ID, "again", "owner-1")
	check()

	if seen[0].Action != store.AuditRequestCreated {
		t.Fatalf("expected REQUEST_CREATED first, got %s", seen[0].Action)
	}
	if _, err := h.engine.AuditTrail(ctx, "sr_missing"); !IsKind(err, KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestVerify(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	input := twoSignerInput()
	input.Signers = input.Signers[:1]
	req := h.create(t, input)

	result, err := h.engine.Verify(ctx, req.ID)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if result.Valid || result.Status != store.StatusPending {
		t.Fatalf("pending request must not verify: %+v", result)
	}

	if _, err := h.engine.SubmitSignature(ctx, h.token(t, req.ID, req.Signers[0].ID), drawn()); err != nil {
		t.Fatalf("SubmitSignature() error = %v", err)
	}
	h.clock.Advance(30 * 24 * time.Hour)
	result, err = h.engine.Verify(ctx, req.ID)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !result.Valid || result.CompletedAt == nil {
		t.Fatalf("expected completed request to verify: %+v", result)
	}
	if len(result.Signers) != 1 || result.Signers[0].SignedAt == nil || result.Signers[0].Email != "a@example.com" {
		t.Fatalf("unexpected signer snapshot: %+v", result.Signers)
	}
	if !result.VerifiedAt.Equal(h.clock.Now().UTC()) {
		t.Fatalf("unexpected verification time %s", result.VerifiedAt)
	}

	_, err = h.engine.Verify(ctx, "sr_missing")
	assertCode(t, err, "REQUEST_NOT_FOUND")
}

func TestOpenSigningSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.create(t, twoSignerInput())
	token := h.token(t, req.ID, req.Signers[1].ID)

	claim, err := h.engine.VerifyToken(ctx, token)
	if err != nil || claim.RequestID != req.ID || claim.SignerID != req.Signers[1].ID {
		t.Fatalf("VerifyToken() = %+v, %v", claim, err)
	}
	got, signer, err := h.engine.OpenSigningSession(ctx, token)
	if err != nil {
		t.Fatalf("OpenSigningSession() error = %v", err)
	}
	if got.ID != req.ID || signer.Email != "b@example.com" {
		t.Fatalf("unexpected session: %s %s", got.ID, signer.Email)
	}

	h.clock.Advance(25 * time.Hour)
	_, err = h.engine.VerifyToken(ctx, token)
	assertCode(t, err, "INVALID_TOKEN")
}

func TestListAndSearchForUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.create(t, twoSignerInput())
	other := twoSignerInput()
	other.Document.Title = "Purchase order"
	h.clock.Advance(time.Minute)
	second := h.create(t, other)

	items, total, err := h.engine.ListForUser(ctx, "user-a", store.ListFilter{Page: 1, PageSize: 1})
	if err != nil || total != 2 || len(items) != 1 || items[0].ID != second.ID {
		t.Fatalf("ListForUser() = %d items of %d, %v", len(items), total, err)
	}

	if _, err := h.engine.SubmitSignature(ctx, h.token(t, first.ID, first.Signers[0].ID), drawn()); err != nil {
		t.Fatalf("SubmitSignature() error = %v", err)
	}
	pending, _ := h.engine.ListPendingForUser(ctx, "user-a")
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Fatalf("expected only the unsigned request pending for user-a, got %d", len(pending))
	}

	found, err := h.engine.SearchRequests(ctx, "user-b", "purchase", 10)
	if err != nil || len(found) != 1 || found[0].ID != second.ID {
		t.Fatalf("SearchRequests() = %v, %v", found, err)
	}
	if found, _ := h.engine.SearchRequests(ctx, "stranger", "purchase", 10); len(found) != 0 {
		t.Fatal("search must be scoped to the user's requests")
	}
}

func TestRecordArtifactAppendsAuditEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.create(t, twoSignerInput())

	if err := h.engine.RecordArtifact(ctx, req.ID, "owner-1", "signatures/"+req.ID+".pdf"); err != nil {
		t.Fatalf("RecordArtifact() error = %v", err)
	}
	entries, err := h.engine.AuditTrail(ctx, req.ID)
	if err != nil {
		t.Fatalf("AuditTrail() error = %v", err)
	}
	last := entries[len(entries)-1]
	if last.Action != store.AuditArtifactGenerated || last.Actor != "owner-1" || last.Details != "signatures/"+req.ID+".pdf" {
		t.Fatalf("unexpected entry %+v", last)
	}

	assertCode(t, h.engine.RecordArtifact(ctx, "sr_missing", "", "k"), "REQUEST_NOT_FOUND")
}
