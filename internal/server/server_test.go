package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"quoteline/internal/config"
	"quoteline/internal/correlator"
	"quoteline/internal/db"
	"quoteline/internal/domain"
	"quoteline/internal/engine"
	"quoteline/internal/migrate"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	conn, d, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return engine.New(conn, d, config.Default(), engine.Options{})
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	if cfg.Engine == nil {
		cfg.Engine = newTestEngine(t)
	}
	cfg.BasePath = "/v0"
	handler, err := New(cfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
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

func createQuotation(t *testing.T, srv *httptest.Server, headers map[string]string) QuotationResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/quotations", map[string]any{
		"supplier": map[string]any{"name": "ACME", "email": "sales@acme.com"},
		"items": []map[string]any{
			{"id": "i1", "name": "Bolts", "quantity_to_order": 10, "unit": "pc"},
			{"id": "i2", "name": "Nuts", "quantity_to_order": 4},
		},
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create quotation status %d: %s", res.StatusCode, string(data))
	}
	var created QuotationResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal quotation: %v", err)
	}
	return created
}

func postEvent(t *testing.T, srv *httptest.Server, id string, body map[string]any) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/quotations/"+id+"/events", body, nil)
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v (%s)", err, string(data))
	}
	return env.Error
}

func TestCreateGetAndList(t *testing.T) {
	srv := newTestServer(t, Config{})
	created := createQuotation(t, srv, nil)
	if created.State != "draft" || created.Version != 1 || len(created.Items) != 2 {
		t.Fatalf("unexpected quotation %+v", created)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/quotations/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
	var fetched QuotationResponse
	_ = json.Unmarshal(data, &fetched)
	if len(fetched.History) != 1 || fetched.History[0].Event != domain.EventCreateDraft {
		t.Fatalf("history %+v", fetched.History)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/quotations?state=Rascunho&supplier=SALES@acme.com", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var listed []QuotationResponse
	_ = json.Unmarshal(data, &listed)
	if len(listed) != 1 || listed[0].ID != created.ID {
		t.Fatalf("listed %+v", listed)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/quotations?state=quoted", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	listed = nil
	_ = json.Unmarshal(data, &listed)
	if len(listed) != 0 {
		t.Fatalf("expected no quoted quotations, got %d", len(listed))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/quotations?state=bogus", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown state, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/quotations/quo_missing", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	if e := decodeError(t, data); e.Code != "not_found" {
		t.Fatalf("error code %s", e.Code)
	}
}

func TestEventFlowThroughConfirmation(t *testing.T) {
	srv := newTestServer(t, Config{})
	q := createQuotation(t, srv, nil)

	res, data := postEvent(t, srv, q.ID, map[string]any{"type": "confirm"})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for confirm on draft, got %d %s", res.StatusCode, string(data))
	}
	if e := decodeError(t, data); e.Code != "invalid_transition" || e.Details["state"] != "draft" {
		t.Fatalf("error %+v", e)
	}

	res, data = postEvent(t, srv, q.ID, map[string]any{"type": "not-an-event"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown event, got %d %s", res.StatusCode, string(data))
	}

	// Without a sender the send waits for its success event.
	steps := []struct {
		body    map[string]any
		state   string
		pending bool
	}{
		{map[string]any{"type": "SEND"}, "sending", true},
		{map[string]any{"type": "SEND_SUCCESS", "message_id": "gmail-1"}, "sent", false},
		{map[string]any{"type": "RECEIVE_REPLY", "reply_from": "sales@acme.com", "reply_body": "Bolts 2.50, nuts 1.25"}, "replied", false},
		{map[string]any{"type": "ANALYZE"}, "analyzing", true},
		{map[string]any{"type": "ANALYSIS_SUCCESS", "analysis": map[string]any{
			"confidence": 0.9,
			"quoted_items": []map[string]any{
				{"id": "i1", "name": "Bolts", "unit_price": "2.50", "total_price": "25.00"},
				{"id": "i2", "name": "Nuts", "unit_price": "1.25", "total_price": "5"},
			},
		}}, "quoted", false},
		{map[string]any{"type": "CONFIRM"}, "confirmed", false},
	}
	var last QuotationResponse
	for _, step := range steps {
		res, data := postEvent(t, srv, q.ID, step.body)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%v status %d: %s", step.body["type"], res.StatusCode, string(data))
		}
		last = QuotationResponse{}
		if err := json.Unmarshal(data, &last); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if last.State != step.state || last.Pending != step.pending {
			t.Fatalf("%v: state %s pending %v", step.body["type"], last.State, last.Pending)
		}
	}
	if last.QuotedTotal != "30.00" || last.MessageID != "gmail-1" {
		t.Fatalf("confirmed quotation %+v", last)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/quotations/"+q.ID+"/history", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(data))
	}
	var history []domain.HistoryEntry
	_ = json.Unmarshal(data, &history)
	want := []domain.EventType{
		domain.EventCreateDraft, domain.EventSend, domain.EventSendSuccess, domain.EventReceiveReply,
		domain.EventAnalyze, domain.EventAnalysisSuccess, domain.EventConfirm, domain.EventConfirmSuccess,
	}
	if len(history) != len(want) {
		t.Fatalf("history length %d want %d", len(history), len(want))
	}
	for i, h := range history {
		if h.Event != want[i] || h.Seq != int64(i+1) {
			t.Fatalf("history[%d] = %s seq %d", i, h.Event, h.Seq)
		}
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/operations", nil, nil)
	if res.StatusCode != http.StatusOK || string(bytes.TrimSpace(data)) != "[]" {
		t.Fatalf("operations %d %s", res.StatusCode, string(data))
	}
}

func TestAuthRequiresBearerToken(t *testing.T) {
	srv := newTestServer(t, Config{Auth: AuthConfig{JWTSecret: "s3cret"}})

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should stay open, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/quotations", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	bad, err := SignToken("other", "buyer")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/quotations", nil, map[string]string{"Authorization": "Bearer " + bad})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign signature, got %d", res.StatusCode)
	}

	token, err := SignToken("s3cret", "buyer", "purchasing")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	headers := map[string]string{"Authorization": "Bearer " + token}
	createQuotation(t, srv, headers)
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/quotations", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d %s", res.StatusCode, string(data))
	}
}

type stubCycler struct {
	report correlator.Report
	err    error
}

func (s stubCycler) Cycle(context.Context) (correlator.Report, error) {
	return s.report, s.err
}

func TestCorrelatorCycleEndpoint(t *testing.T) {
	disabled := newTestServer(t, Config{})
	res, data := doJSON(t, disabled.Client(), http.MethodPost, disabled.URL+"/v0/correlator/cycle", nil, nil)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without mailbox, got %d %s", res.StatusCode, string(data))
	}

	srv := newTestServer(t, Config{Correlator: stubCycler{report: correlator.Report{
		Messages:  2,
		Matched:   []correlator.MatchedMessage{{MessageID: "m1", QuotationID: "quo_1", From: "sales@acme.com"}},
		Unmatched: 1,
	}}})
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/correlator/cycle", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cycle status %d: %s", res.StatusCode, string(data))
	}
	var rep correlator.Report
	_ = json.Unmarshal(data, &rep)
	if rep.Messages != 2 || len(rep.Matched) != 1 || rep.Unmatched != 1 {
		t.Fatalf("report %+v", rep)
	}

	failing := newTestServer(t, Config{Correlator: stubCycler{err: errors.New("gmail down")}})
	res, _ = doJSON(t, failing.Client(), http.MethodPost, failing.URL+"/v0/correlator/cycle", nil, nil)
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", res.StatusCode)
	}
}

func TestWebhookDeliversNewTransitions(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookEvent
		headers  []http.Header
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	e := newTestEngine(t)
	ctx := context.Background()
	before, err := e.Create(ctx, domain.Supplier{Email: "old@acme.com"}, []domain.Item{{ID: "i1", Name: "Bolts", QuantityToOrder: 1}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	d := newWebhookDispatcher(e, []config.Webhook{
		{ID: "sends", URL: hook.URL, Events: []string{"send", "SEND_SUCCESS"}, Secret: "shh", Enabled: true},
		{ID: "off", URL: hook.URL, Enabled: false},
	}, nil)
	if d == nil || len(d.webhooks) != 1 {
		t.Fatalf("expected one active webhook")
	}
	d.dispatchAll(ctx)

	if _, err := e.Dispatch(ctx, before.ID, domain.Event{Type: domain.EventSend}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := e.Dispatch(ctx, before.ID, domain.Event{Type: domain.EventSendSuccess, MessageID: "m-1"}); err != nil {
		t.Fatalf("send success: %v", err)
	}
	d.dispatchAll(ctx)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(received))
	}
	if received[0].Event != "SEND" || received[1].Event != "SEND_SUCCESS" || received[1].State != "sent" {
		t.Fatalf("deliveries %+v", received)
	}
	if received[1].QuotationID != before.ID || received[1].Payload["message_id"] != "m-1" {
		t.Fatalf("delivery %+v", received[1])
	}
	if headers[0].Get("X-Quoteline-Secret") != "shh" || headers[0].Get("X-Quoteline-Event") != "SEND" {
		t.Fatalf("headers %v", headers[0])
	}
}

func TestEventFilter(t *testing.T) {
	cases := []struct {
		events []string
		evt    string
		want   bool
	}{
		{nil, "SEND", true},
		{[]string{"*"}, "EXPIRE", true},
		{[]string{" ", ""}, "EXPIRE", true},
		{[]string{"expire"}, "EXPIRE", true},
		{[]string{"EXPIRE"}, "SEND", false},
	}
	for _, tc := range cases {
		if got := newEventFilter(tc.events).match(tc.evt); got != tc.want {
			t.Fatalf("filter %v match %s = %v", tc.events, tc.evt, got)
		}
	}
}
