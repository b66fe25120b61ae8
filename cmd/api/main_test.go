package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ecoshare/agreement"
	"ecoshare/auth"
	"ecoshare/document"
	"ecoshare/lifecycle"
)

type stubAgreementService struct {
	agreement   agreement.Agreement
	items       []agreement.Agreement
	total       int
	err         error
	gotFilter   agreement.ListFilter
	gotSign     lifecycle.SignParams
	gotReason   string
	gotCreate   lifecycle.CreateParams
	document    lifecycle.Document
	fingerprint string
}

func (s *stubAgreementService) Create(_ context.Context, p lifecycle.CreateParams) (agreement.Agreement, error) {
	s.gotCreate = p
	return s.agreement, s.err
}

func (s *stubAgreementService) Get(_ context.Context, _, _ string) (agreement.Agreement, error) {
	return s.agreement, s.err
}

func (s *stubAgreementService) List(_ context.Context, _ string, f agreement.ListFilter) ([]agreement.Agreement, int, error) {
	s.gotFilter = f
	return s.items, s.total, s.err
}

func (s *stubAgreementService) Submit(_ context.Context, _, _ string) (agreement.Agreement, error) {
	return s.agreement, s.err
}

func (s *stubAgreementService) Sign(_ context.Context, p lifecycle.SignParams) (agreement.Agreement, error) {
	s.gotSign = p
	return s.agreement, s.err
}

func (s *stubAgreementService) Complete(_ context.Context, _, _ string) (agreement.Agreement, error) {
	return s.agreement, s.err
}

func (s *stubAgreementService) Cancel(_ context.Context, _, _, reason string) (agreement.Agreement, error) {
	s.gotReason = reason
	return s.agreement, s.err
}

func (s *stubAgreementService) ResendNotification(_ context.Context, _, _ string) error {
	return s.err
}

func (s *stubAgreementService) Document(_ context.Context, _, _ string) (lifecycle.Document, error) {
	return s.document, s.err
}

func (s *stubAgreementService) Fingerprint(_ context.Context, _, _ string) (string, error) {
	return s.fingerprint, s.err
}

func sampleAgreement() agreement.Agreement {
	created := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	return agreement.Agreement{
		ID:   "ag-1",
		Code: "ECOSHARE-LZ3K9Q1A-4F7XQ",
		Subject: agreement.Subject{
			ItemType: agreement.ItemObject,
			ItemID:   "obj-1",
			Title:    "Desk lamp",
		},
		Participants: [2]agreement.Participant{
			{Role: agreement.RoleOwner, IdentityID: "owner-1"},
			{Role: agreement.RoleReceiver, IdentityID: "receiver-1"},
		},
		Terms: agreement.Terms{
			DeliveryMethod: agreement.DeliveryPickup,
			ExchangeAt:     created.Add(48 * time.Hour),
			Location:       "Lyon",
		},
		Metadata:    agreement.DefaultMetadata,
		Status:      agreement.StatusPendingSignatures,
		Fingerprint: "sha256:abc",
		Dates:       agreement.Dates{Created: created, Updated: created},
	}
}

func withUser(req *http.Request, userID string) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), ctxKeyUserID, userID))
}

func TestHandleGetAgreement_Success(t *testing.T) {
	server := &Server{agreementService: &stubAgreementService{agreement: sampleAgreement()}}

	req := withUser(httptest.NewRequest(http.MethodGet, "/agreements/ag-1", nil), "owner-1")
	rec := httptest.NewRecorder()

	server.handleGetAgreement(rec, req, "ag-1")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var resp agreementResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "ag-1" || resp.Status != "pending_signatures" || resp.IntegrityFingerprint != "sha256:abc" {
		t.Fatalf("unexpected response payload: %+v", resp)
	}
	if len(resp.Participants) != 2 || resp.Participants[0].Role != "owner" || resp.Participants[0].SignedAt != nil {
		t.Fatalf("unexpected participants: %+v", resp.Participants)
	}
	if resp.Dates.Created != "2025-03-10T09:00:00Z" {
		t.Fatalf("expected created 2025-03-10T09:00:00Z, got %s", resp.Dates.Created)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{agreement.ErrNotFound, http.StatusNotFound, "not_found"},
		{agreement.ErrUnauthorizedParticipant, http.StatusForbidden, "unauthorized_participant"},
		{agreement.ErrInvalidState, http.StatusConflict, "invalid_state"},
		{agreement.ErrAlreadySigned, http.StatusConflict, "already_signed"},
		{agreement.ErrExpired, http.StatusGone, "expired"},
		{agreement.ErrIntegrityConflict, http.StatusConflict, "integrity_conflict"},
		{agreement.ErrWriteConflict, http.StatusConflict, "write_conflict"},
		{agreement.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
		{fmt.Errorf("wrapped: %w", agreement.ErrExpired), http.StatusGone, "expired"},
		{errors.New("database on fire"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		server := &Server{agreementService: &stubAgreementService{err: tc.err}}
		req := withUser(httptest.NewRequest(http.MethodPost, "/agreements/ag-1/complete", nil), "owner-1")
		rec := httptest.NewRecorder()

		server.handleComplete(rec, req, "ag-1")

		if rec.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rec.Code)
		}
		var body errorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode error body: %v", err)
		}
		if body.Code != tc.code {
			t.Fatalf("%v: expected code %s, got %s", tc.err, tc.code, body.Code)
		}
		if tc.status == http.StatusInternalServerError && strings.Contains(body.Message, "fire") {
			t.Fatalf("internal error details leaked: %q", body.Message)
		}
	}
}

func TestHandleListAgreements_Filters(t *testing.T) {
	svc := &stubAgreementService{items: []agreement.Agreement{sampleAgreement()}, total: 7}
	server := &Server{agreementService: svc}

	req := withUser(httptest.NewRequest(http.MethodGet, "/agreements?status=signed&itemType=Food&page=2&pageSize=5", nil), "owner-1")
	rec := httptest.NewRecorder()

	server.handleListAgreements(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if svc.gotFilter.Status != agreement.StatusSigned || svc.gotFilter.ItemType != agreement.ItemFood {
		t.Fatalf("unexpected filter: %+v", svc.gotFilter)
	}
	if svc.gotFilter.Page != 2 || svc.gotFilter.PageSize != 5 {
		t.Fatalf("unexpected paging: %+v", svc.gotFilter)
	}
	var payload struct {
		Items []agreementResponse `json:"items"`
		Total int                 `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Total != 7 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleListAgreements_BadFilter(t *testing.T) {
	server := &Server{agreementService: &stubAgreementService{}}

	for _, query := range []string{"status=archived", "itemType=vehicle", "page=two"} {
		req := withUser(httptest.NewRequest(http.MethodGet, "/agreements?"+query, nil), "owner-1")
		rec := httptest.NewRecorder()

		server.handleListAgreements(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", query, rec.Code)
		}
	}
}

func TestHandleSign_CapturesEvidence(t *testing.T) {
	svc := &stubAgreementService{agreement: sampleAgreement()}
	server := &Server{agreementService: svc}

	req := httptest.NewRequest(http.MethodPost, "/agreements/ag-1/sign", strings.NewReader(`{"signature":"Ana Martin"}`))
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	req.Header.Set("User-Agent", "test-agent")
	rec := httptest.NewRecorder()

	server.handleSign(rec, withUser(req, "receiver-1"), "ag-1")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	got := svc.gotSign
	if got.Ref != "ag-1" || got.IdentityID != "receiver-1" || got.Artifact != "Ana Martin" {
		t.Fatalf("unexpected sign params: %+v", got)
	}
	if got.IPAddress != "203.0.113.7" || got.UserAgent != "test-agent" {
		t.Fatalf("unexpected evidence: ip=%q ua=%q", got.IPAddress, got.UserAgent)
	}
}

func TestHandleSign_BadBody(t *testing.T) {
	server := &Server{agreementService: &stubAgreementService{}}

	req := withUser(httptest.NewRequest(http.MethodPost, "/agreements/ag-1/sign", strings.NewReader(`{"sig":`)), "owner-1")
	rec := httptest.NewRecorder()

	server.handleSign(rec, req, "ag-1")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleCancel_OptionalReason(t *testing.T) {
	svc := &stubAgreementService{agreement: sampleAgreement()}
	server := &Server{agreementService: svc}

	req := withUser(httptest.NewRequest(http.MethodPost, "/agreements/ag-1/cancel", nil), "owner-1")
	rec := httptest.NewRecorder()
	server.handleCancel(rec, req, "ag-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 without body, got %d", rec.Code)
	}

	req = withUser(httptest.NewRequest(http.MethodPost, "/agreements/ag-1/cancel", strings.NewReader(`{"reason":"  changed my mind "}`)), "owner-1")
	rec = httptest.NewRecorder()
	server.handleCancel(rec, req, "ag-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if svc.gotReason != "changed my mind" {
		t.Fatalf("unexpected reason %q", svc.gotReason)
	}
}

func TestHandleDocument_ServesArtifact(t *testing.T) {
	server := &Server{agreementService: &stubAgreementService{document: lifecycle.Document{
		ContentType: "text/plain; charset=utf-8",
		Filename:    "agreement-x.txt",
		Body:        []byte("EXCHANGE AGREEMENT\n"),
	}}}

	req := withUser(httptest.NewRequest(http.MethodGet, "/agreements/ag-1/document", nil), "owner-1")
	rec := httptest.NewRecorder()

	server.handleDocument(rec, req, "ag-1")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "agreement-x.txt") {
		t.Fatalf("unexpected content disposition %q", cd)
	}
	if rec.Body.String() != "EXCHANGE AGREEMENT\n" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestRoutes_RequireBearerToken(t *testing.T) {
	server := &Server{
		agreementService: &stubAgreementService{},
		tokens:           auth.NewService("secret"),
	}
	handler := server.routes()

	for _, header := range []string{"", "Bearer nope", "Basic abc"} {
		req := httptest.NewRequest(http.MethodGet, "/agreements", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%q: expected 401, got %d", header, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz should not need a token, got %d", rec.Code)
	}
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("down") }

func TestHealth_ReportsStoreFailure(t *testing.T) {
	server := &Server{health: failingPinger{}}
	rec := httptest.NewRecorder()

	server.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestAccessLog_OneLinePerRequestAtInfo(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.InfoLevel)
	server := &Server{log: &log}

	rec := httptest.NewRecorder()
	server.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one log line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["level"] != "info" || entry["path"] != "/healthz" || entry["status"] != float64(http.StatusOK) {
		t.Fatalf("unexpected access log entry: %v", entry)
	}
}

// apiClient drives the full router against a real engine.
type apiClient struct {
	t       *testing.T
	handler http.Handler
	tokens  *auth.Service
}

func newAPIClient(t *testing.T) *apiClient {
	t.Helper()
	log := zerolog.Nop()
	store := agreement.NewMemoryStore()
	engine := lifecycle.NewEngine(store, nil, document.NewRenderer(document.FormatText), log)
	tokens := auth.NewService("test-secret")
	server := &Server{agreementService: engine, tokens: tokens, health: store, log: &log}
	return &apiClient{t: t, handler: server.routes(), tokens: tokens}
}

func (c *apiClient) do(method, path, userID, body string) *httptest.ResponseRecorder {
	c.t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.tokens.IssueToken(userID, time.Hour)
	if err != nil {
		c.t.Fatalf("issue token: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	return rec
}

func decodeAgreement(t *testing.T, rec *httptest.ResponseRecorder) agreementResponse {
	t.Helper()
	var resp agreementResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode agreement: %v (%s)", err, rec.Body.String())
	}
	return resp
}

const createBody = `{
	"subject": {"itemType": "object", "itemId": "obj-1", "title": "Desk lamp", "condition": "good"},
	"receiverId": "receiver-1",
	"terms": {
		"deliveryMethod": "pickup",
		"exchangeDate": "2030-05-01T14:00:00Z",
		"location": "12 rue de la République, Lyon",
		"clauses": [{"title": "Condition", "body": "Item is handed over as seen."}]
	}
}`

func TestAgreementLifecycleOverHTTP(t *testing.T) {
	c := newAPIClient(t)

	rec := c.do(http.MethodPost, "/agreements", "owner-1", createBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeAgreement(t, rec)
	if created.Status != "pending_signatures" || created.Code == "" || created.IntegrityFingerprint == "" {
		t.Fatalf("unexpected created agreement: %+v", created)
	}
	base := "/agreements/" + created.ID

	if rec := c.do(http.MethodGet, base, "stranger", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("stranger get: expected 403, got %d", rec.Code)
	}
	if rec := c.do(http.MethodPost, base+"/complete", "owner-1", ""); rec.Code != http.StatusConflict {
		t.Fatalf("early complete: expected 409, got %d", rec.Code)
	}

	rec = c.do(http.MethodPost, base+"/sign", "owner-1", `{"signature":"Ana Martin"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("owner sign: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if half := decodeAgreement(t, rec); !half.OwnerSigned || half.ReceiverSigned || half.FullySigned {
		t.Fatalf("unexpected signing flags after owner signed: %+v", half)
	}
	if rec := c.do(http.MethodPost, base+"/sign", "owner-1", `{"signature":"Ana Martin"}`); rec.Code != http.StatusConflict {
		t.Fatalf("re-sign: expected 409, got %d", rec.Code)
	}

	// The display code addresses the same agreement.
	rec = c.do(http.MethodPost, "/agreements/"+created.Code+"/sign", "receiver-1", `{"signature":"Léo Durand"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("receiver sign: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	signed := decodeAgreement(t, rec)
	if signed.Status != "signed" || signed.Dates.FullySigned == nil || !signed.FullySigned {
		t.Fatalf("expected signed with fullySigned set: %+v", signed)
	}

	rec = c.do(http.MethodGet, base+"/fingerprint", "receiver-1", "")
	var fp fingerprintResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &fp); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("fingerprint: %d %v", rec.Code, err)
	}
	if fp.Fingerprint != created.IntegrityFingerprint {
		t.Fatalf("fingerprint changed across signing: %s != %s", fp.Fingerprint, created.IntegrityFingerprint)
	}

	rec = c.do(http.MethodGet, base+"/document", "owner-1", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), created.Code) {
		t.Fatalf("document: %d %q", rec.Code, rec.Body.String())
	}
	if rec := c.do(http.MethodPost, base+"/resend-notification", "owner-1", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("resend: expected 202, got %d", rec.Code)
	}

	rec = c.do(http.MethodPost, base+"/complete", "receiver-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if done := decodeAgreement(t, rec); done.Status != "completed" || done.Dates.CompletedAt == nil {
		t.Fatalf("unexpected completed agreement: %+v", done)
	}
	if rec := c.do(http.MethodPost, base+"/cancel", "owner-1", ""); rec.Code != http.StatusConflict {
		t.Fatalf("cancel completed: expected 409, got %d", rec.Code)
	}

	rec = c.do(http.MethodGet, "/agreements?status=completed", "receiver-1", "")
	var list struct {
		Items []agreementResponse `json:"items"`
		Total int                 `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Total != 1 || len(list.Items) != 1 || list.Items[0].ID != created.ID {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestCreateRejectsInvalidTerms(t *testing.T) {
	c := newAPIClient(t)

	body := strings.Replace(createBody, `"pickup"`, `"teleport"`, 1)
	rec := c.do(http.MethodPost, "/agreements", "owner-1", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec = c.do(http.MethodPost, "/agreements", "receiver-1", createBody)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("self agreement: expected 400, got %d", rec.Code)
	}
}

func TestUnknownAgreementIsNotFound(t *testing.T) {
	c := newAPIClient(t)

	rec := c.do(http.MethodGet, "/agreements/4a0c3f0e-0000-4000-8000-000000000000", "owner-1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
