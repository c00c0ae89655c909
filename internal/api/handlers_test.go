package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/foxzi/outreach/internal/config"
	"github.com/foxzi/outreach/internal/dispatch"
	"github.com/foxzi/outreach/internal/eligibility"
	"github.com/foxzi/outreach/internal/history"
	"github.com/foxzi/outreach/internal/ledger"
	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/recipient"
	"github.com/foxzi/outreach/internal/scheduler"
	"github.com/foxzi/outreach/internal/settings"
)

type mockStats struct {
	stats  ledger.UsageStats
	resets int
}

func (m *mockStats) Current(ctx context.Context) (ledger.UsageStats, error) { return m.stats, nil }

func (m *mockStats) Reset(ctx context.Context) error {
	m.resets++
	m.stats = ledger.UsageStats{}
	return nil
}

type mockAdmission struct {
	decision ratelimit.Decision
	budget   ratelimit.Budget
}

func (m *mockAdmission) CanSend(ctx context.Context) (*ratelimit.Decision, error) {
	d := m.decision
	return &d, nil
}

func (m *mockAdmission) Estimate(ctx context.Context) (*ratelimit.Budget, error) {
	b := m.budget
	return &b, nil
}

type mockSender struct {
	result   *dispatch.Result
	override *string
	origin   dispatch.Origin
	target   string
	ctxErr   error
}

func (m *mockSender) Send(ctx context.Context, r *recipient.Recipient, override *string) (*dispatch.Result, error) {
	m.ctxErr = ctx.Err()
	m.target = r.ID
	m.override = override
	m.origin = dispatch.OriginFrom(ctx)
	return m.result, nil
}

type mockAutomation struct {
	settings settings.Settings
	running  bool
	saves    int
}

func (m *mockAutomation) Settings() settings.Settings { return m.settings }

func (m *mockAutomation) UpdateSettings(ctx context.Context, next settings.Settings) (settings.Settings, error) {
	if err := next.Validate(); err != nil {
		return settings.Settings{}, errors.Join(settings.ErrInvalid, err)
	}
	m.saves++
	m.settings = next
	return next, nil
}

func (m *mockAutomation) Start(ctx context.Context) error {
	m.running = true
	return nil
}

func (m *mockAutomation) Stop(ctx context.Context) error {
	m.running = false
	return nil
}

func (m *mockAutomation) Status() scheduler.Status {
	return scheduler.Status{Running: m.running}
}

type mockRecipients struct {
	items map[string]*recipient.Recipient
	order []string
}

func newMockRecipients(rs ...*recipient.Recipient) *mockRecipients {
	m := &mockRecipients{items: make(map[string]*recipient.Recipient)}
	for _, r := range rs {
		m.items[r.ID] = r
		m.order = append(m.order, r.ID)
	}
	return m
}

func (m *mockRecipients) Get(ctx context.Context, id string) (*recipient.Recipient, error) {
	r, ok := m.items[id]
	if !ok {
		return nil, recipient.ErrNotFound
	}
	return r, nil
}

func (m *mockRecipients) List(ctx context.Context) ([]*recipient.Recipient, error) {
	out := make([]*recipient.Recipient, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.items[id])
	}
	return out, nil
}

func (m *mockRecipients) Upsert(ctx context.Context, rs ...*recipient.Recipient) (int, error) {
	created := 0
	for _, r := range rs {
		if _, ok := m.items[r.ID]; !ok {
			created++
			m.order = append(m.order, r.ID)
		}
		m.items[r.ID] = r
	}
	return created, nil
}

type mockHistory struct {
	records map[history.Kind][]*history.Record
	filter  history.ListFilter
}

func (m *mockHistory) List(ctx context.Context, kind history.Kind, filter history.ListFilter) ([]*history.Record, error) {
	m.filter = filter
	return m.records[kind], nil
}

func (m *mockHistory) Count(ctx context.Context, kind history.Kind) (int, error) {
	return len(m.records[kind]), nil
}

type mockData struct {
	resets int
}

func (m *mockData) ResetData(ctx context.Context) error {
	m.resets++
	return nil
}

type testEnv struct {
	server     *Server
	stats      *mockStats
	admission  *mockAdmission
	sender     *mockSender
	automation *mockAutomation
	recipients *mockRecipients
	history    *mockHistory
	data       *mockData
}

var testNow = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

func setupTestServer(cfg *config.APIConfig) *testEnv {
	contacted := testNow.Add(-time.Hour)
	env := &testEnv{
		stats:     &mockStats{stats: ledger.UsageStats{TotalSent: 3, SentInCurrentHour: 1, SentInCurrentDay: 3}},
		admission: &mockAdmission{decision: ratelimit.Decision{Allowed: true}},
		sender:    &mockSender{result: &dispatch.Result{Success: true, Content: "hi"}},
		automation: &mockAutomation{settings: settings.Settings{
			Policy: ratelimit.Policy{MaxPerHour: 5, MaxPerDay: 20, MinDelayBetweenSends: 45 * time.Second, CooldownPerRecipient: 24 * time.Hour},
		}},
		recipients: newMockRecipients(
			&recipient.Recipient{ID: "r-1", Name: "Ada Lovelace", Country: "GB"},
			&recipient.Recipient{ID: "r-2", Name: "Grace Hopper", Country: "US", MessageCount: 1, LastContactedAt: &contacted},
		),
		history: &mockHistory{records: map[history.Kind][]*history.Record{
			history.KindDispatch: {{ID: "d-1", Kind: history.KindDispatch, RecipientID: "r-2", Success: true}},
			history.KindDraft:    {},
		}},
		data: &mockData{},
	}

	env.server = NewServer(Deps{
		Stats:      env.stats,
		Admission:  env.admission,
		Sender:     env.sender,
		Automation: env.automation,
		Recipients: env.recipients,
		Selector:   eligibility.New(func() time.Time { return testNow }),
		History:    env.history,
		Data:       env.data,
		Version:    "test",
	}, cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	return env
}

func defaultConfig(apiKey string) *config.APIConfig {
	return &config.APIConfig{ListenAddr: ":8080", APIKey: apiKey}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer test-api-key")
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := setupTestServer(defaultConfig("test-api-key"))
	env.automation.running = true

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp HealthResponse
	decode(t, w, &resp)
	if resp.Status != "ok" || resp.Version != "test" || !resp.Scheduler {
		t.Errorf("resp = %+v", resp)
	}
}

func TestAuthMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-key"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		cfg    *config.APIConfig
		header string
		value  string
		want   int
	}{
		{"no key configured", &config.APIConfig{}, "", "", http.StatusOK},
		{"missing key", defaultConfig("secret"), "", "", http.StatusUnauthorized},
		{"wrong key", defaultConfig("secret"), "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"bearer key", defaultConfig("secret"), "Authorization", "Bearer secret", http.StatusOK},
		{"x-api-key", defaultConfig("secret"), "X-API-Key", "secret", http.StatusOK},
		{"bcrypt hash", &config.APIConfig{APIKeyHash: string(hash)}, "X-API-Key", "hashed-key", http.StatusOK},
		{"bcrypt mismatch", &config.APIConfig{APIKeyHash: string(hash)}, "X-API-Key", "other", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(tt.cfg)

			req := httptest.NewRequest("GET", "/api/v1/admission", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			env.server.Handler().ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestStatsEndpoints(t *testing.T) {
	env := setupTestServer(defaultConfig("test-api-key"))
	env.admission.budget = ratelimit.Budget{RemainingHour: 4, RemainingDay: 17}

	w := env.do(t, "GET", "/api/v1/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d", w.Code)
	}
	var budget ratelimit.Budget
	decode(t, w, &budget)
	if budget.RemainingHour != 4 || budget.RemainingDay != 17 {
		t.Errorf("budget = %+v", budget)
	}

	w = env.do(t, "POST", "/api/v1/stats/reset", "")
	if w.Code != http.StatusOK {
		t.Fatalf("reset Status = %d", w.Code)
	}
	if env.stats.resets != 1 {
		t.Errorf("resets = %d, want 1", env.stats.resets)
	}
	var stats ledger.UsageStats
	decode(t, w, &stats)
	if stats.TotalSent != 0 {
		t.Errorf("TotalSent after reset = %d", stats.TotalSent)
	}
}

func TestAdmissionEndpoint(t *testing.T) {
	env := setupTestServer(defaultConfig("test-api-key"))
	env.admission.decision = ratelimit.Decision{Reason: ratelimit.ReasonHourlyLimit, RetryAfter: 55 * time.Minute}

	w := env.do(t, "GET", "/api/v1/admission", "")
	var d ratelimit.Decision
	decode(t, w, &d)
	if d.Allowed || d.Reason != ratelimit.ReasonHourlyLimit || d.RetryAfter != 55*time.Minute {
		t.Errorf("decision = %+v", d)
	}
}

func TestSendEndpoint(t *testing.T) {
	env := setupTestServer(defaultConfig("test-api-key"))

	w := env.do(t, "POST", "/api/v1/send", `{"recipient_id": "r-1", "message": "Hello!"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, body: %s", w.Code, w.Body.String())
	}
	if env.sender.target != "r-1" {
		t.Errorf("target = %q", env.sender.target)
	}
	if env.sender.override == nil || *env.sender.override != "Hello!" {
		t.Errorf("override = %v", env.sender.override)
	}
	if env.sender.origin != dispatch.OriginManual {
		t.Errorf("origin = %q", env.sender.origin)
	}

	w = env.do(t, "POST", "/api/v1/send", `{"recipient_id": "r-1"}`)
	if w.Code != http.StatusOK || env.sender.override != nil {
		t.Errorf("generated send: Status = %d, override = %v", w.Code, env.sender.override)
	}
}

func TestSendEndpointOutlivesClient(t *testing.T) {
	env := setupTestServer(defaultConfig("test-api-key"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("POST", "/api/v1/send", bytes.NewBufferString(`{"recipient_id": "r-1"}`)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer test-api-key")
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	if env.sender.target != "r-1" {
		t.Fatalf("send not attempted, Status = %d, body: %s", w.Code, w.Body.String())
	}
	if env.sender.ctxErr != nil {
		t.Errorf("sender context error = %v, want detached from the request", env.sender.ctxErr)
	}
}

func TestSendEndpointErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		result     *dispatch.Result
		wantStatus int
	}{
		{"invalid body", `{`, nil, http.StatusBadRequest},
		{"missing recipient id", `{}`, nil, http.StatusBadRequest},
		{"empty message", `{"recipient_id": "r-1", "message": "  "}`, nil, http.StatusBadRequest},
		{"unknown recipient", `{"recipient_id": "nope"}`, nil, http.StatusNotFound},
		{"admission denied", `{"recipient_id": "r-1"}`, &dispatch.Result{Kind: dispatch.KindAdmissionDenied, RetryAfter: 90 * time.Second}, http.StatusTooManyRequests},
		{"configuration", `{"recipient_id": "r-1"}`, &dispatch.Result{Kind: dispatch.KindConfiguration}, http.StatusUnprocessableEntity},
		{"delivery", `{"recipient_id": "r-1"}`, &dispatch.Result{Kind: dispatch.KindDelivery}, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(defaultConfig("test-api-key"))
			if tt.result != nil {
				env.sender.result = tt.result
			}

			w := env.do(t, "POST", "/api/v1/send", tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("Status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusTooManyRequests && w.Header().Get("Retry-After") != "90" {
				t.Errorf("Retry-After = %q, want 90", w.Header().Get("Retry-After"))
			}
		})
	}
}

func TestSchedulerEndpoints(t *testing.T) {
	env := setupTestServer(defaultConfig("test-api-key"))

	var st scheduler.Status
	w := env.do(t, "POST", "/api/v1/scheduler/start", "")
	decode(t, w, &st)
	if w.Code != http.StatusOK || !st.Running {
		t.Errorf("start: Status = %d, running = %v", w.Code, st.Running)
	}

	w = env.do(t, "GET", "/api/v1/scheduler/status", "")
	decode(t, w, &st)
	if !st.Running {
		t.Error("status: running = false")
	}

	w = env.do(t, "POST", "/api/v1/scheduler/stop", "")
	decode(t, w, &st)
	if st.Running {
		t.Error("stop: running = true")
	}
}

func TestSettingsEndpoints(t *testing.T) {
	env := setupTestServer(defaultConfig("test-api-key"))

	w := env.do(t, "GET", "/api/v1/settings", "")
	var body SettingsBody
	decode(t, w, &body)
	if body.MinDelay != "45s" || body.Cooldown != "24h0m0s" || body.MaxPerHour != 5 {
		t.Errorf("settings = %+v", body)
	}

	w = env.do(t, "PUT", "/api/v1/settings", `{"max_per_hour": 10, "min_delay": "2m", "sender_display_name": " Sam ", "targeting": {"countries": ["GB"]}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, body: %s", w.Code, w.Body.String())
	}

	saved := env.automation.settings
	if saved.Policy.MaxPerHour != 10 || saved.Policy.MaxPerDay != 20 {
		t.Errorf("caps = %d/%d, want 10/20 (partial update)", saved.Policy.MaxPerHour, saved.Policy.MaxPerDay)
	}
	if saved.Policy.MinDelayBetweenSends != 2*time.Minute {
		t.Errorf("MinDelay = %v, want 2m", saved.Policy.MinDelayBetweenSends)
	}
	if saved.SenderDisplayName != "Sam" {
		t.Errorf("SenderDisplayName = %q", saved.SenderDisplayName)
	}
	if len(saved.Criteria.Countries) != 1 {
		t.Errorf("Criteria = %+v", saved.Criteria)
	}
}

func TestSettingsUpdateRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad duration", `{"min_delay": "soon"}`},
		{"negative cap", `{"max_per_day": -1}`},
		{"unknown interest", `{"targeting": {"interests": ["knitting"]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(defaultConfig("test-api-key"))
			w := env.do(t, "PUT", "/api/v1/settings", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if env.automation.saves != 0 {
				t.Error("invalid settings were saved")
			}
		})
	}
}

func TestRecipientsEndpoints(t *testing.T) {
	env := setupTestServer(defaultConfig("test-api-key"))

	var list RecipientListResponse
	w := env.do(t, "GET", "/api/v1/recipients", "")
	decode(t, w, &list)
	if list.Total != 2 {
		t.Errorf("Total = %d, want 2", list.Total)
	}

	w = env.do(t, "GET", "/api/v1/recipients?eligible=true", "")
	decode(t, w, &list)
	if list.Total != 1 || list.Recipients[0].ID != "r-1" {
		t.Errorf("eligible = %+v", list)
	}

	w = env.do(t, "GET", "/api/v1/recipients?limit=1&offset=1", "")
	decode(t, w, &list)
	if list.Total != 2 || len(list.Recipients) != 1 || list.Recipients[0].ID != "r-2" {
		t.Errorf("paged = %+v", list)
	}

	w = env.do(t, "GET", "/api/v1/recipients/r-2", "")
	if w.Code != http.StatusOK {
		t.Errorf("get Status = %d", w.Code)
	}
	w = env.do(t, "GET", "/api/v1/recipients/missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("get missing Status = %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/recipients", `[{"id": "r-3", "name": "Linus", "interests": ["technology"], "message_count": 9}]`)
	if w.Code != http.StatusOK {
		t.Fatalf("upsert Status = %d, body: %s", w.Code, w.Body.String())
	}
	var up UpsertResponse
	decode(t, w, &up)
	if up.Received != 1 || up.Created != 1 {
		t.Errorf("upsert = %+v", up)
	}
	if env.recipients.items["r-3"].MessageCount != 0 {
		t.Error("upsert must ignore contact counters from the body")
	}

	w = env.do(t, "POST", "/api/v1/recipients", `[{"id": "r-4"}]`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid upsert Status = %d", w.Code)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	env := setupTestServer(defaultConfig("test-api-key"))

	var resp HistoryResponse
	w := env.do(t, "GET", "/api/v1/history?recipient_id=r-2&failed=true&limit=5000", "")
	decode(t, w, &resp)
	if resp.Total != 1 || len(resp.Records) != 1 {
		t.Errorf("history = %+v", resp)
	}
	if env.history.filter.RecipientID != "r-2" || !env.history.filter.FailedOnly || env.history.filter.Limit != maxListLimit {
		t.Errorf("filter = %+v", env.history.filter)
	}

	w = env.do(t, "GET", "/api/v1/drafts", "")
	decode(t, w, &resp)
	if resp.Total != 0 || resp.Records == nil {
		t.Errorf("drafts = %+v", resp)
	}
}

func TestDataResetRequiresConfirm(t *testing.T) {
	env := setupTestServer(defaultConfig("test-api-key"))

	w := env.do(t, "POST", "/api/v1/data/reset", "")
	if w.Code != http.StatusBadRequest || env.data.resets != 0 {
		t.Errorf("unconfirmed reset: Status = %d, resets = %d", w.Code, env.data.resets)
	}

	w = env.do(t, "POST", "/api/v1/data/reset?confirm=true", "")
	if w.Code != http.StatusOK || env.data.resets != 1 {
		t.Errorf("confirmed reset: Status = %d, resets = %d", w.Code, env.data.resets)
	}
}

func TestSandboxRoutesDisabled(t *testing.T) {
	env := setupTestServer(defaultConfig("test-api-key"))

	w := env.do(t, "GET", "/api/v1/sandbox/messages", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want %d without sandbox transport", w.Code, http.StatusNotFound)
	}
}
