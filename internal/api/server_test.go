package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/flowdial/flowdial/internal/api/middleware"
	"github.com/flowdial/flowdial/internal/channel"
	"github.com/flowdial/flowdial/internal/database"
	"github.com/flowdial/flowdial/internal/database/models"
	"github.com/flowdial/flowdial/internal/dialer"
	"github.com/flowdial/flowdial/internal/originate"
)

const testAPIToken = "test-admin-token"

var testEventSecret = []byte("0123456789abcdef0123456789abcdef")

// stubOriginator accepts every call and never ends it, leaving calls in
// flight for the webhook tests to drive.
type stubOriginator struct {
	mu       sync.Mutex
	requests []originate.OriginateRequest
}

func (s *stubOriginator) Originate(_ context.Context, req originate.OriginateRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return nil
}

func (s *stubOriginator) FormatAddress(phone, domain string) string {
	return "sip:" + phone + "@" + domain
}

func (s *stubOriginator) ReleaseResources(string) {}

func (s *stubOriginator) lastCallID(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		t.Fatal("no calls originated")
	}
	return s.requests[len(s.requests)-1].CallID
}

type testServer struct {
	srv        *Server
	engine     *dialer.Engine
	originator *stubOriginator
	campaigns  database.CampaignRepository
	contacts   database.ContactRepository
	callLogs   database.CallLogRepository
	dnc        database.DNCRepository
	identityID int64
}

// newTestServer wires the full HTTP stack against a real SQLite store, a
// two-channel pool, and a stub originator.
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	identities := database.NewCallerIdentityRepository(db)
	identity := &models.CallerIdentity{
		Name: "main", CallerIDName: "Acme", CallerIDNum: "15550001111",
		Domain: "pbx.example.com", Active: true,
	}
	if err := identities.Create(ctx, identity); err != nil {
		t.Fatalf("creating identity: %v", err)
	}

	channelRepo := database.NewChannelRepository(db)
	for _, username := range []string{"1001", "1002"} {
		if err := channelRepo.Create(ctx, &models.Channel{
			Username: username, Domain: "pbx.example.com",
			Status: models.ChannelAvailable,
		}); err != nil {
			t.Fatalf("creating channel: %v", err)
		}
	}

	pool := channel.NewPool(channelRepo, identities, nil, "pbx.example.com", true, logger)
	pool.Connect(ctx)

	ts := &testServer{
		originator: &stubOriginator{},
		campaigns:  database.NewCampaignRepository(db),
		contacts:   database.NewContactRepository(db),
		callLogs:   database.NewCallLogRepository(db),
		dnc:        database.NewDNCRepository(db),
		identityID: identity.ID,
	}
	ts.engine = dialer.NewEngine(db, ts.campaigns, ts.contacts, identities, ts.callLogs, ts.dnc, pool, dialer.Config{
		DispatchInterval:  10 * time.Second,
		ReconcileInterval: 15 * time.Second,
		HealthInterval:    30 * time.Second,
		CallTimeout:       time.Minute,
		DialRate:          1000,
	}, logger)
	ts.engine.SetOriginator(ts.originator)

	ts.srv = NewServer(Config{
		APIToken:    testAPIToken,
		EventSecret: testEventSecret,
	}, ts.engine, pool, ts.campaigns, ts.contacts, ts.callLogs, ts.dnc)

	return ts
}

func (ts *testServer) newCampaign(t *testing.T, contacts int) *models.Campaign {
	t.Helper()
	ctx := context.Background()

	c := &models.Campaign{
		Name: "api-campaign", Status: models.CampaignDraft,
		CallerIdentityID: &ts.identityID, MaxConcurrentCalls: 1,
		WorkHoursStart: "00:00", WorkHoursEnd: "23:59", Timezone: "UTC",
	}
	if err := ts.campaigns.Create(ctx, c); err != nil {
		t.Fatalf("creating campaign: %v", err)
	}
	for i := 0; i < contacts; i++ {
		if err := ts.contacts.Create(ctx, &models.Contact{
			CampaignID: c.ID,
			Phone:      "155500030" + string(rune('0'+i)),
			Status:     models.ContactPending,
		}); err != nil {
			t.Fatalf("creating contact: %v", err)
		}
	}
	return c
}

// dialOne starts the campaign, runs one dispatch tick, and returns the call
// ID of the in-flight call.
func (ts *testServer) dialOne(t *testing.T, campaignID int64) string {
	t.Helper()
	ctx := context.Background()
	if err := ts.engine.StartCampaign(ctx, campaignID); err != nil {
		t.Fatalf("StartCampaign() error: %v", err)
	}
	ts.engine.DispatchTick(ctx)
	return ts.originator.lastCallID(t)
}

// adminRequest performs a request with the admin bearer token set.
func (ts *testServer) adminRequest(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return ts.request(t, method, path, body, "Bearer "+testAPIToken)
}

func (ts *testServer) request(t *testing.T, method, path string, body any, auth string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling body: %v", err)
		}
		reader = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, reader)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rr := httptest.NewRecorder()
	ts.srv.ServeHTTP(rr, req)
	return rr
}

// decodeData unmarshals the envelope's data field into dst.
func decodeData(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()

	var env struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	if env.Error != "" {
		t.Fatalf("unexpected error in envelope: %q", env.Error)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		t.Fatalf("decoding data: %v", err)
	}
}

func TestHealthUnauthenticated(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.request(t, http.MethodGet, "/health", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var data map[string]string
	decodeData(t, rr, &data)
	if data["status"] != "ok" {
		t.Errorf("status field = %q, want ok", data["status"])
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		auth string
		want int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"malformed header", "Basic abc", http.StatusUnauthorized},
		{"wrong token", "Bearer wrong", http.StatusUnauthorized},
		{"valid token", "Bearer " + testAPIToken, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.request(t, http.MethodGet, "/api/v1/campaigns", nil, tt.auth)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestCampaignLifecycleEndpoints(t *testing.T) {
	ts := newTestServer(t)
	c := ts.newCampaign(t, 3)
	base := "/api/v1/campaigns/" + itoa(c.ID)

	rr := ts.adminRequest(t, http.MethodPost, base+"/start", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("start: status = %d, body %s", rr.Code, rr.Body.String())
	}
	var resp campaignResponse
	decodeData(t, rr, &resp)
	if resp.Status != models.CampaignActive {
		t.Errorf("status after start = %q, want active", resp.Status)
	}

	// Starting an active campaign conflicts.
	rr = ts.adminRequest(t, http.MethodPost, base+"/start", nil)
	if rr.Code != http.StatusConflict {
		t.Errorf("double start: status = %d, want 409", rr.Code)
	}

	rr = ts.adminRequest(t, http.MethodPost, base+"/pause", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("pause: status = %d", rr.Code)
	}
	decodeData(t, rr, &resp)
	if resp.Status != models.CampaignPaused {
		t.Errorf("status after pause = %q, want paused", resp.Status)
	}

	rr = ts.adminRequest(t, http.MethodPost, base+"/pause", nil)
	if rr.Code != http.StatusConflict {
		t.Errorf("double pause: status = %d, want 409", rr.Code)
	}

	rr = ts.adminRequest(t, http.MethodPost, base+"/resume", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("resume: status = %d", rr.Code)
	}
	decodeData(t, rr, &resp)
	if resp.Status != models.CampaignActive {
		t.Errorf("status after resume = %q, want active", resp.Status)
	}

	rr = ts.adminRequest(t, http.MethodPost, "/api/v1/campaigns/999/start", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown campaign: status = %d, want 404", rr.Code)
	}

	rr = ts.adminRequest(t, http.MethodPost, "/api/v1/campaigns/abc/start", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad campaign id: status = %d, want 400", rr.Code)
	}
}

func TestStartCampaignWithoutContacts(t *testing.T) {
	ts := newTestServer(t)
	c := ts.newCampaign(t, 0)

	rr := ts.adminRequest(t, http.MethodPost, "/api/v1/campaigns/"+itoa(c.ID)+"/start", nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rr.Code)
	}
}

func TestGetCampaign(t *testing.T) {
	ts := newTestServer(t)
	c := ts.newCampaign(t, 4)

	rr := ts.adminRequest(t, http.MethodGet, "/api/v1/campaigns/"+itoa(c.ID), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var resp campaignDetailResponse
	decodeData(t, rr, &resp)
	if resp.Name != "api-campaign" {
		t.Errorf("name = %q, want api-campaign", resp.Name)
	}
	if resp.PendingContacts != 4 {
		t.Errorf("pending contacts = %d, want 4", resp.PendingContacts)
	}
	if resp.ActiveCalls != 0 {
		t.Errorf("active calls = %d, want 0", resp.ActiveCalls)
	}

	rr = ts.adminRequest(t, http.MethodGet, "/api/v1/campaigns/999", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown campaign: status = %d, want 404", rr.Code)
	}
}

func TestListCampaignsPagination(t *testing.T) {
	ts := newTestServer(t)
	ts.newCampaign(t, 1)
	ts.newCampaign(t, 1)

	rr := ts.adminRequest(t, http.MethodGet, "/api/v1/campaigns?limit=1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var resp struct {
		Items []campaignResponse `json:"items"`
		Total int                `json:"total"`
		Limit int                `json:"limit"`
	}
	decodeData(t, rr, &resp)
	if resp.Total != 2 {
		t.Errorf("total = %d, want 2", resp.Total)
	}
	if len(resp.Items) != 1 {
		t.Errorf("items = %d, want 1", len(resp.Items))
	}
	if resp.Limit != 1 {
		t.Errorf("limit = %d, want 1", resp.Limit)
	}

	rr = ts.adminRequest(t, http.MethodGet, "/api/v1/campaigns?limit=0", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("invalid limit: status = %d, want 400", rr.Code)
	}
}

func TestListChannels(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.adminRequest(t, http.MethodGet, "/api/v1/channels", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var resp channelListResponse
	decodeData(t, rr, &resp)
	if len(resp.Channels) != 2 {
		t.Errorf("channels = %d, want 2", len(resp.Channels))
	}
	if resp.Available != 2 {
		t.Errorf("available = %d, want 2", resp.Available)
	}
	if !resp.Connected {
		t.Error("expected connected pool")
	}
}

func TestListCallsWithFilter(t *testing.T) {
	ts := newTestServer(t)
	c := ts.newCampaign(t, 2)
	callID := ts.dialOne(t, c.ID)
	ts.engine.HandleCallEnd(callID, 25, "answered", "")

	rr := ts.adminRequest(t, http.MethodGet, "/api/v1/calls?status=answered", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var resp struct {
		Items []callLogResponse `json:"items"`
	}
	decodeData(t, rr, &resp)
	if len(resp.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(resp.Items))
	}
	if resp.Items[0].CallID != callID {
		t.Errorf("call_id = %q, want %q", resp.Items[0].CallID, callID)
	}
	if resp.Items[0].EndTime == nil {
		t.Error("expected end_time to be set")
	}

	rr = ts.adminRequest(t, http.MethodGet, "/api/v1/calls?status=busy", nil)
	decodeData(t, rr, &resp)
	if len(resp.Items) != 0 {
		t.Errorf("busy items = %d, want 0", len(resp.Items))
	}

	rr = ts.adminRequest(t, http.MethodGet, "/api/v1/calls?campaign_id=abc", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad campaign_id: status = %d, want 400", rr.Code)
	}
}

func TestListDNC(t *testing.T) {
	ts := newTestServer(t)
	if err := ts.dnc.Upsert(context.Background(), "15550004444", "keypress opt-out"); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	rr := ts.adminRequest(t, http.MethodGet, "/api/v1/dnc", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var resp struct {
		Items []dncResponse `json:"items"`
		Total int           `json:"total"`
	}
	decodeData(t, rr, &resp)
	if resp.Total != 1 {
		t.Fatalf("total = %d, want 1", resp.Total)
	}
	if resp.Items[0].Phone != "15550004444" {
		t.Errorf("phone = %q, want 15550004444", resp.Items[0].Phone)
	}
}

func TestSystemStatus(t *testing.T) {
	ts := newTestServer(t)
	c := ts.newCampaign(t, 2)
	ts.dialOne(t, c.ID)

	rr := ts.adminRequest(t, http.MethodGet, "/api/v1/system/status", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var resp struct {
		ActiveCampaigns int            `json:"active_campaigns"`
		ActiveCalls     int            `json:"active_calls"`
		PoolConnected   bool           `json:"pool_connected"`
		CallsByStatus   map[string]int `json:"calls_by_status"`
	}
	decodeData(t, rr, &resp)
	if resp.ActiveCampaigns != 1 {
		t.Errorf("active campaigns = %d, want 1", resp.ActiveCampaigns)
	}
	if resp.ActiveCalls != 1 {
		t.Errorf("active calls = %d, want 1", resp.ActiveCalls)
	}
	if !resp.PoolConnected {
		t.Error("expected connected pool")
	}
	if resp.CallsByStatus[models.CallOriginating] != 1 {
		t.Errorf("originating count = %d, want 1", resp.CallsByStatus[models.CallOriginating])
	}
}

func TestEventWebhooks(t *testing.T) {
	ts := newTestServer(t)
	c := ts.newCampaign(t, 2)
	callID := ts.dialOne(t, c.ID)

	token, err := middleware.GenerateEventToken(testEventSecret, callID)
	if err != nil {
		t.Fatalf("GenerateEventToken() error: %v", err)
	}
	auth := "Bearer " + token

	// Answer event flips the log to active.
	rr := ts.request(t, http.MethodPost, "/api/v1/events/call-start", callStartEvent{CallID: callID}, auth)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("call-start: status = %d, body %s", rr.Code, rr.Body.String())
	}
	log, err := ts.callLogs.GetByCallID(context.Background(), callID)
	if err != nil || log == nil {
		t.Fatalf("GetByCallID() error: %v", err)
	}
	if log.Status != models.CallActive {
		t.Errorf("log status = %q, want active", log.Status)
	}

	// End event finishes the call.
	rr = ts.request(t, http.MethodPost, "/api/v1/events/call-end", callEndEvent{
		CallID: callID, Disposition: "answered", Duration: 30, Keypress: "1",
	}, auth)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("call-end: status = %d, body %s", rr.Code, rr.Body.String())
	}
	log, err = ts.callLogs.GetByCallID(context.Background(), callID)
	if err != nil || log == nil {
		t.Fatalf("GetByCallID() error: %v", err)
	}
	if log.Status != models.CallAnswered {
		t.Errorf("log status = %q, want answered", log.Status)
	}
	if log.EndTime == nil {
		t.Error("expected end_time to be set")
	}

	// Ended call is no longer in flight.
	rr = ts.request(t, http.MethodPost, "/api/v1/events/call-end", callEndEvent{
		CallID: callID, Disposition: "answered", Duration: 30,
	}, auth)
	if rr.Code != http.StatusNotFound {
		t.Errorf("ended call: status = %d, want 404", rr.Code)
	}
}

func TestEventWebhookAuth(t *testing.T) {
	ts := newTestServer(t)
	c := ts.newCampaign(t, 2)
	callID := ts.dialOne(t, c.ID)

	token, err := middleware.GenerateEventToken(testEventSecret, callID)
	if err != nil {
		t.Fatalf("GenerateEventToken() error: %v", err)
	}

	// No token.
	rr := ts.request(t, http.MethodPost, "/api/v1/events/call-start", callStartEvent{CallID: callID}, "")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rr.Code)
	}

	// Token signed with the wrong secret.
	badToken, err := middleware.GenerateEventToken([]byte("ffffffffffffffffffffffffffffffff"), callID)
	if err != nil {
		t.Fatalf("GenerateEventToken() error: %v", err)
	}
	rr = ts.request(t, http.MethodPost, "/api/v1/events/call-start", callStartEvent{CallID: callID}, "Bearer "+badToken)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("bad secret: status = %d, want 401", rr.Code)
	}

	// Token scoped to a different call.
	rr = ts.request(t, http.MethodPost, "/api/v1/events/call-start", callStartEvent{CallID: "other-call"}, "Bearer "+token)
	if rr.Code != http.StatusForbidden {
		t.Errorf("scope mismatch: status = %d, want 403", rr.Code)
	}

	// Valid token for a call this process never placed.
	foreign, err := middleware.GenerateEventToken(testEventSecret, "foreign-call")
	if err != nil {
		t.Fatalf("GenerateEventToken() error: %v", err)
	}
	rr = ts.request(t, http.MethodPost, "/api/v1/events/call-start", callStartEvent{CallID: "foreign-call"}, "Bearer "+foreign)
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown call: status = %d, want 404", rr.Code)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
