package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"traceline/internal/config"
	"traceline/internal/db"
	"traceline/internal/domain"
	"traceline/internal/engine"
	"traceline/internal/migrate"
)

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
	e := engine.New(conn, config.Default())
	e.Now = func() time.Time { return time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC) }
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{AllowLegacyActorHeader: true}})
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

func asActor(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func registerBatchHTTP(t *testing.T, srv *testServer, actor string) BatchResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/batches", map[string]any{
		"id":             "TOM-789123",
		"commodity":      "Tomato",
		"variety":        "Cherry Tomato",
		"quantity":       500,
		"unit":           "kg",
		"origin":         "Nashik",
		"harvest_date":   "2024-03-01",
		"certifications": []string{"organic.certified"},
	}, asActor(actor))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register status %d: %s", res.StatusCode, string(data))
	}
	var created BatchResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal batch: %v", err)
	}
	return created
}

func TestRegisterAndTraceRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	created := registerBatchHTTP(t, srv, "farmer-1")
	if created.ID != "TOM-789123" {
		t.Fatalf("batch id = %q", created.ID)
	}
	if created.Status != "registered" {
		t.Fatalf("status = %q", created.Status)
	}
	if created.Custodian != "farmer-1" {
		t.Fatalf("custodian = %q", created.Custodian)
	}
	if created.QRPayload == "" {
		t.Fatal("expected qr payload")
	}

	// Trace is public: no identity headers, ref is the full QR payload.
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/trace?ref="+created.QRPayload, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("trace status %d: %s", res.StatusCode, string(data))
	}
	var view domain.TraceView
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal trace: %v", err)
	}
	if view.Batch.ID != created.ID {
		t.Fatalf("trace batch id = %q", view.Batch.ID)
	}
	if len(view.Events) != 1 || view.Events[0].Kind != "created" {
		t.Fatalf("trace events = %+v", view.Events)
	}
	if !view.Verification.Valid {
		t.Fatalf("verification = %+v", view.Verification)
	}
}

func TestTransferLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	created := registerBatchHTTP(t, srv, "farmer-1")
	base := srv.URL + "/v0/batches/" + created.ID

	res, data := doJSON(t, client, http.MethodPost, base+"/transfer", map[string]any{
		"to_actor": "dist-1",
		"conditions": map[string]any{
			"destination":      "Mumbai DC",
			"destination_type": "distributor",
			"temperature_c":    "2-8",
		},
	}, asActor("farmer-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transfer status %d: %s", res.StatusCode, string(data))
	}
	var ev EventResponse
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Kind != "transferred" || ev.Seq != 1 {
		t.Fatalf("transfer event = %+v", ev)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/acknowledge", map[string]any{
		"location": "Mumbai DC",
	}, asActor("dist-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("acknowledge status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/close", nil, asActor("dist-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("close status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/verify", nil, asActor("dist-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify status %d: %s", res.StatusCode, string(data))
	}
	var verification domain.VerificationResult
	if err := json.Unmarshal(data, &verification); err != nil {
		t.Fatalf("unmarshal verification: %v", err)
	}
	if !verification.Valid || verification.Events != 4 {
		t.Fatalf("verification = %+v", verification)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/events", nil, asActor("dist-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var events []EventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	wantKinds := []string{"created", "transferred", "received", "closed"}
	if len(events) != len(wantKinds) {
		t.Fatalf("events = %+v", events)
	}
	for i, kind := range wantKinds {
		if events[i].Kind != kind || events[i].Seq != int64(i) {
			t.Fatalf("event %d = %+v, want kind %s", i, events[i], kind)
		}
	}
}

func TestErrorEnvelopeCodes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	created := registerBatchHTTP(t, srv, "farmer-1")
	base := srv.URL + "/v0/batches/" + created.ID

	type envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decode := func(data []byte) envelope {
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal error envelope: %v: %s", err, string(data))
		}
		return env
	}

	// Unknown batch.
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/batches/NOPE-000000", nil, asActor("farmer-1"))
	if res.StatusCode != http.StatusNotFound || decode(data).Error.Code != "not_found" {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}

	// Duplicate register.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/batches", map[string]any{
		"id": created.ID, "commodity": "Tomato", "quantity": 1,
	}, asActor("farmer-1"))
	if res.StatusCode != http.StatusConflict || decode(data).Error.Code != "duplicate_batch" {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}

	// Transfer by a non-custodian.
	res, data = doJSON(t, client, http.MethodPost, base+"/transfer", map[string]any{
		"to_actor": "dist-1",
	}, asActor("stranger"))
	if res.StatusCode != http.StatusForbidden || decode(data).Error.Code != "not_current_custodian" {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}

	// Close before delivery.
	res, data = doJSON(t, client, http.MethodPost, base+"/close", nil, asActor("farmer-1"))
	if res.StatusCode != http.StatusUnprocessableEntity || decode(data).Error.Code != "invalid_transition" {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}

	// Unknown commodity is a validation failure.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/batches", map[string]any{
		"commodity": "Plutonium", "quantity": 1,
	}, asActor("farmer-1"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}

	// Garbage trace reference.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/trace?ref=not%20a%20ref", nil, nil)
	if res.StatusCode != http.StatusBadRequest || decode(data).Error.Code != "invalid_reference" {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	// No identity at all on a protected route.
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/batches", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}

	// Health stays open.
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestListBatchesPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for i := 0; i < 3; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/batches", map[string]any{
			"commodity": "Rice",
			"quantity":  100 + i,
		}, asActor("farmer-1"))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("register %d status %d: %s", i, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/batches?limit=2", nil, asActor("farmer-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedBatches
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("page = %+v", page)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/batches?limit=2&cursor="+page.NextCursor, nil, asActor("farmer-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page status %d: %s", res.StatusCode, string(data))
	}
	var second paginatedBatches
	if err := json.Unmarshal(data, &second); err != nil {
		t.Fatalf("unmarshal second page: %v", err)
	}
	if len(second.Items) != 1 || second.NextCursor != "" {
		t.Fatalf("second page = %+v", second)
	}
	seen := map[string]bool{}
	for _, b := range append(page.Items, second.Items...) {
		if seen[b.ID] {
			t.Fatalf("batch %s appeared twice", b.ID)
		}
		seen[b.ID] = true
	}
}
