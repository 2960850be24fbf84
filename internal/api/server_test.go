package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/knx-gateway/internal/agent"
	"github.com/nerrad567/knx-gateway/internal/auth"
	"github.com/nerrad567/knx-gateway/internal/gateway"
	"github.com/nerrad567/knx-gateway/internal/infrastructure/config"
	"github.com/nerrad567/knx-gateway/internal/infrastructure/logging"
	"github.com/nerrad567/knx-gateway/internal/knx"
)

const (
	testSecret = "test-secret-key-at-least-32-characters-long"
	testIssuer = "knx-gateway-test"
)

// testServer creates a Server backed by an in-memory gateway.
func testServer(t *testing.T) (*Server, *mockGateway) {
	t.Helper()

	gw := newMockGateway()
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
			CORS: config.CORSConfig{AllowedOrigins: []string{"http://localhost:3000"}},
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: config.SecurityConfig{
			JWT: config.JWTConfig{Secret: testSecret, Issuer: testIssuer},
		},
		Logger:  log,
		Gateway: gw,
		Health:  agent.NewHealthReporter(agent.HealthReporterConfig{Version: "test", Connections: gw}),
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.hub.Run(ctx)

	return srv, gw
}

func token(t *testing.T, role auth.Role) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken("tester", role, testSecret, testIssuer, time.Minute)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	return tok
}

// do sends a request through the router with an optional bearer token.
func do(t *testing.T, h http.Handler, method, path, tok, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestNewRequiresDependencies(t *testing.T) {
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	if _, err := New(Deps{Gateway: newMockGateway()}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: log}); err == nil {
		t.Error("New() without gateway should fail")
	}
}

// ─── Health Endpoint Tests ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	srv, gw := testServer(t)
	router := srv.buildRouter()

	w := do(t, router, http.MethodGet, "/api/v1/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	resp := decode(t, w)
	if resp["status"] != "healthy" || resp["version"] != "test" {
		t.Errorf("health = %v", resp)
	}

	gw.mu.Lock()
	gw.conns = []gateway.ConnectionInfo{{Key: "10.0.0.5", Status: knx.StatusError}}
	gw.mu.Unlock()

	resp = decode(t, do(t, router, http.MethodGet, "/api/v1/health", "", ""))
	if resp["status"] != "degraded" {
		t.Errorf("status with a failed connection = %v, want degraded", resp["status"])
	}
}

func TestHealthWithoutReporter(t *testing.T) {
	srv, _ := testServer(t)
	srv.health = nil

	resp := decode(t, do(t, srv.buildRouter(), http.MethodGet, "/api/v1/health", "", ""))
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
}

// ─── Middleware Tests ──────────────────────────────────────────────

func TestRequestID_Generated(t *testing.T) {
	srv, _ := testServer(t)
	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/health", "", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestCORS(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	tests := []struct {
		origin string
		want   string
	}{
		{"http://localhost:3000", "http://localhost:3000"},
		{"http://evil.example", ""},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/api/v1/health", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != http.StatusNoContent {
				t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Errorf("ACAO = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNotFound(t *testing.T) {
	srv, _ := testServer(t)
	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/nonexistent", token(t, auth.RoleAdmin), "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	srv, _ := testServer(t)
	h := srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

// hijackRecorder is a ResponseRecorder that supports hijacking.
type hijackRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestStatusWriterHijack(t *testing.T) {
	rec := &hijackRecorder{ResponseRecorder: httptest.NewRecorder()}
	var w http.ResponseWriter = &statusWriter{ResponseWriter: rec, status: http.StatusOK}

	hj, ok := w.(http.Hijacker)
	if !ok {
		t.Fatal("statusWriter does not implement http.Hijacker")
	}
	if _, _, err := hj.Hijack(); err != nil {
		t.Fatalf("Hijack() error = %v", err)
	}
	if !rec.hijacked {
		t.Error("Hijack did not reach the underlying writer")
	}
	if got := w.(*statusWriter).status; got != http.StatusSwitchingProtocols {
		t.Errorf("status = %d, want %d", got, http.StatusSwitchingProtocols)
	}

	plain := &statusWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	if _, _, err := plain.Hijack(); err == nil {
		t.Error("Hijack on a non-hijackable writer should fail")
	}
	if plain.Unwrap() == nil {
		t.Error("Unwrap() = nil")
	}
}

func TestLoggedRouteUpgradesWebSocket(t *testing.T) {
	srv, _ := testServer(t)
	ts := httptest.NewServer(srv.loggingMiddleware(http.HandlerFunc(srv.handleWebSocket)))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "?token=" + token(t, auth.RoleViewer)
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial through logging middleware failed: %v (resp: %v)", err, resp)
	}
	ws.Close() //nolint:errcheck // test cleanup
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusSwitchingProtocols)
	}
}

// ─── Authentication Tests ──────────────────────────────────────────

func TestAuthentication(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "tester",
			Issuer:    testIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
		Role: auth.RoleAdmin,
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("signing: %v", err)
	}
	foreign, err := auth.GenerateAccessToken("tester", auth.RoleAdmin, "another-secret-of-sufficient-length!!", testIssuer, time.Minute)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   string
		want   int
	}{
		{"missing token", http.MethodGet, "/api/v1/configurations", "", "", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/v1/configurations", "not-a-jwt", "", http.StatusUnauthorized},
		{"expired token", http.MethodGet, "/api/v1/configurations", expired, "", http.StatusUnauthorized},
		{"wrong secret", http.MethodGet, "/api/v1/configurations", foreign, "", http.StatusUnauthorized},
		{"viewer reads", http.MethodGet, "/api/v1/configurations", token(t, auth.RoleViewer), "", http.StatusOK},
		{"viewer cannot create", http.MethodPost, "/api/v1/configurations", token(t, auth.RoleViewer), `{}`, http.StatusForbidden},
		{"viewer cannot write", http.MethodPost, "/api/v1/attributes/lamp-1/on/write", token(t, auth.RoleViewer), `{"value":true}`, http.StatusForbidden},
		{"operator writes", http.MethodPost, "/api/v1/attributes/lamp-1/on/write", token(t, auth.RoleOperator), `{"value":true}`, http.StatusAccepted},
		{"operator cannot link", http.MethodPost, "/api/v1/links", token(t, auth.RoleOperator), `{}`, http.StatusForbidden},
		{"operator cannot disable", http.MethodPost, "/api/v1/configurations/gw/disable", token(t, auth.RoleOperator), "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, tt.method, tt.path, tt.token, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Basic abc", ""},
		{"Bearer ", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		if got := bearerToken(req); got != tt.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

// ─── Configuration Tests ───────────────────────────────────────────

func TestConfigurationLifecycle(t *testing.T) {
	srv, gw := testServer(t)
	router := srv.buildRouter()
	admin := token(t, auth.RoleAdmin)

	w := do(t, router, http.MethodPost, "/api/v1/configurations", admin,
		`{"id":"gw","name":"Main","enabled":true,"gateway_ip":"10.0.0.5","connection_type":"tunnel"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}

	w = do(t, router, http.MethodPost, "/api/v1/configurations", admin,
		`{"id":"gw","name":"Again","enabled":true,"gateway_ip":"10.0.0.5"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate create status = %d, want 409", w.Code)
	}

	resp := decode(t, do(t, router, http.MethodGet, "/api/v1/configurations/gw", admin, ""))
	if resp["gateway_ip"] != "10.0.0.5" {
		t.Errorf("get = %v", resp)
	}

	w = do(t, router, http.MethodPut, "/api/v1/configurations/gw", admin,
		`{"id":"ignored","name":"Main","enabled":true,"gateway_ip":"10.0.0.6"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", w.Code, w.Body.String())
	}
	if resp := decode(t, w); resp["id"] != "gw" || resp["gateway_ip"] != "10.0.0.6" {
		t.Errorf("update response = %v", resp)
	}

	w = do(t, router, http.MethodPost, "/api/v1/configurations/gw/disable", admin, "")
	if w.Code != http.StatusOK {
		t.Errorf("disable status = %d", w.Code)
	}
	if cfg, _ := gw.GetConfiguration(context.Background(), "gw"); cfg == nil || cfg.Enabled { //nolint:errcheck // nil checked
		t.Error("configuration still enabled after disable")
	}

	resp = decode(t, do(t, router, http.MethodGet, "/api/v1/configurations", admin, ""))
	if resp["count"] != float64(1) {
		t.Errorf("list count = %v, want 1", resp["count"])
	}

	w = do(t, router, http.MethodDelete, "/api/v1/configurations/gw", admin, "")
	if w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", w.Code)
	}
	w = do(t, router, http.MethodGet, "/api/v1/configurations/gw", admin, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", w.Code)
	}
}

func TestCreateConfigurationInvalid(t *testing.T) {
	srv, gw := testServer(t)

	w := do(t, srv.buildRouter(), http.MethodPost, "/api/v1/configurations", token(t, auth.RoleAdmin),
		`{"id":"bad","enabled":true,"gateway_ip":"","gateway_port":"99999"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}

	var body ValidationError
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Code != ErrCodeValidation || len(body.Failures) != 2 {
		t.Errorf("validation body = %+v", body)
	}
	if _, err := gw.GetConfiguration(context.Background(), "bad"); err == nil {
		t.Error("invalid configuration was stored")
	}
}

func TestValidateConfiguration(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	viewer := token(t, auth.RoleViewer)

	tests := []struct {
		name     string
		body     string
		valid    bool
		failures int
	}{
		{"tunnel", `{"gateway_ip":"10.0.0.5"}`, true, 0},
		{"routing multicast", `{"connection_type":"route","gateway_ip":"224.0.23.12"}`, true, 0},
		{"routing unicast", `{"connection_type":"route","gateway_ip":"10.0.0.5"}`, false, 1},
		{"bad mode and nat", `{"connection_type":"serial","use_nat":"maybe","gateway_ip":"10.0.0.5"}`, false, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, http.MethodPost, "/api/v1/configurations/validate", viewer, tt.body)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d", w.Code)
			}
			resp := decode(t, w)
			if resp["valid"] != tt.valid {
				t.Errorf("valid = %v, want %v", resp["valid"], tt.valid)
			}
			if failures, _ := resp["failures"].([]any); len(failures) != tt.failures { //nolint:errcheck // length checked
				t.Errorf("failures = %v, want %d", resp["failures"], tt.failures)
			}
		})
	}
}

func TestConfigurationBadJSON(t *testing.T) {
	srv, _ := testServer(t)
	w := do(t, srv.buildRouter(), http.MethodPost, "/api/v1/configurations", token(t, auth.RoleAdmin), `{`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestListErrors(t *testing.T) {
	srv, gw := testServer(t)
	router := srv.buildRouter()
	viewer := token(t, auth.RoleViewer)

	gw.listErr = gateway.ErrEngineClosed
	if w := do(t, router, http.MethodGet, "/api/v1/connections", viewer, ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("connections status = %d, want 503", w.Code)
	}

	gw.listErr = errors.New("disk on fire")
	if w := do(t, router, http.MethodGet, "/api/v1/configurations", viewer, ""); w.Code != http.StatusInternalServerError {
		t.Errorf("configurations status = %d, want 500", w.Code)
	}
}

func TestListConnectionsAndBindings(t *testing.T) {
	srv, gw := testServer(t)
	router := srv.buildRouter()
	viewer := token(t, auth.RoleViewer)

	gw.conns = []gateway.ConnectionInfo{{Key: "10.0.0.5", Status: knx.StatusConnected, Holders: []string{"a", "b"}}}

	resp := decode(t, do(t, router, http.MethodGet, "/api/v1/connections", viewer, ""))
	if resp["count"] != float64(1) {
		t.Errorf("connections = %v", resp)
	}

	resp = decode(t, do(t, router, http.MethodGet, "/api/v1/bindings", viewer, ""))
	if bindings, ok := resp["bindings"].([]any); !ok || len(bindings) != 0 {
		t.Errorf("bindings = %v, want empty list", resp["bindings"])
	}
}

// ─── Link Tests ────────────────────────────────────────────────────

func TestLinks(t *testing.T) {
	srv, gw := testServer(t)
	router := srv.buildRouter()
	admin := token(t, auth.RoleAdmin)

	body := `{"attribute":{"asset_id":"lamp-1","attribute":"on"},"configuration_id":"gw","meta":{"dpt":"1.001","action_address":"1.1.1"}}`
	w := do(t, router, http.MethodPost, "/api/v1/links", admin, body)
	if w.Code != http.StatusCreated {
		t.Fatalf("link status = %d, body %s", w.Code, w.Body.String())
	}

	resp := decode(t, do(t, router, http.MethodGet, "/api/v1/links", admin, ""))
	if resp["count"] != float64(1) {
		t.Errorf("links = %v", resp)
	}

	w = do(t, router, http.MethodDelete, "/api/v1/links/lamp-1/on", admin, "")
	if w.Code != http.StatusNoContent {
		t.Errorf("unlink status = %d", w.Code)
	}
	w = do(t, router, http.MethodDelete, "/api/v1/links/lamp-1/on", admin, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("second unlink status = %d, want 404", w.Code)
	}

	gw.linkErr = gateway.ErrConnectionUnavailable
	w = do(t, router, http.MethodPost, "/api/v1/links", admin, body)
	if w.Code != http.StatusAccepted {
		t.Errorf("link to unavailable configuration status = %d, want 202", w.Code)
	}
	if resp := decode(t, w); resp["bound"] != false {
		t.Errorf("bound = %v, want false", resp["bound"])
	}
}

func TestLinkRejected(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	admin := token(t, auth.RoleAdmin)

	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"no configuration", `{"attribute":{"asset_id":"a","attribute":"b"},"meta":{"dpt":"1.001"}}`},
		{"empty ref", `{"attribute":{"asset_id":"","attribute":"b"},"configuration_id":"gw","meta":{"dpt":"1.001"}}`},
		{"no dpt", `{"attribute":{"asset_id":"a","attribute":"b"},"configuration_id":"gw"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, router, http.MethodPost, "/api/v1/links", admin, tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

// ─── Write Tests ───────────────────────────────────────────────────

func TestWriteAttribute(t *testing.T) {
	srv, gw := testServer(t)
	router := srv.buildRouter()
	operator := token(t, auth.RoleOperator)

	w := do(t, router, http.MethodPost, "/api/v1/attributes/dimmer-1/level/write", operator, `{"id":"e-7","value":42.5}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if resp := decode(t, w); resp["id"] != "e-7" {
		t.Errorf("id = %v, want e-7", resp["id"])
	}

	writes := gw.writeEvents()
	if len(writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(writes))
	}
	ev := writes[0]
	if ev.Attribute.AssetID != "dimmer-1" || ev.Attribute.Attribute != "level" {
		t.Errorf("attribute = %+v", ev.Attribute)
	}
	if n, ok := ev.Value.(json.Number); !ok || n.String() != "42.5" {
		t.Errorf("value = %#v, want json.Number 42.5", ev.Value)
	}

	if w := do(t, router, http.MethodPost, "/api/v1/attributes/dimmer-1/level/write", operator, `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing value status = %d, want 400", w.Code)
	}

	gw.writeErr = knx.ErrEncodingFailed
	if w := do(t, router, http.MethodPost, "/api/v1/attributes/dimmer-1/level/write", operator, `{"value":"x"}`); w.Code != http.StatusBadRequest {
		t.Errorf("unencodable value status = %d, want 400", w.Code)
	}
}
