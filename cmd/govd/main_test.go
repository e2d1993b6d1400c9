package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"coreos/pkg/agentsdk"
	"coreos/pkg/audit"
	"coreos/pkg/config"
	"coreos/pkg/governance"
	"coreos/pkg/models"
	"coreos/pkg/stream"
	"coreos/pkg/telemetry"
	"coreos/pkg/workerguard"
)

const testSecret = "govd-test-secret"

var testSigningSeed = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32))

func setTestEnv(t *testing.T, extra map[string]string) {
	t.Helper()
	vars := map[string]string{
		"ENVIRONMENT":           "test",
		"AUTH_MODE":             "hs256",
		"JWT_SECRET":            testSecret,
		"AUTH_DEV_ROLE":         "",
		"NONCE_BACKEND":         "",
		"RATE_LIMIT_BACKEND":    "",
		"DATABASE_URL":          "",
		"REDIS_ADDR":            "",
		"KAFKA_BROKERS":         "",
		"POLICY_CONFIG_FILE":    "",
		"TICKET_PUBLIC_KEYS":    "",
		"TICKET_SIGNING_KEY":    "",
		"WORKER_REQUIRE_TICKET": "",
		"DEV_HARNESS":           "",
		"CORS_ALLOWED_ORIGINS":  "",
		"ADDR":                  "127.0.0.1:0",
	}
	for k, v := range extra {
		vars[k] = v
	}
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func newTestServer(t *testing.T, extra map[string]string) (*Server, *httptest.Server) {
	t.Helper()
	setTestEnv(t, extra)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	s, err := newServer(context.Background(), cfg, backends{})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(func() {
		ts.Close()
		s.Close(context.Background())
	})
	return s, ts
}

func token(t *testing.T, sub string, role models.Role) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   sub,
		"roles": []string{string(role)},
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func call(t *testing.T, ts *httptest.Server, method, path, tok string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func readNotes(nonce string) agentsdk.EvaluateRequest {
	args := map[string]any{"notebook": "team"}
	hash, _ := models.ArgsHash(args)
	return agentsdk.EvaluateRequest{
		ToolName:   "read_notes_list",
		ActionType: models.ActionRead,
		AppScope:   "core.notes",
		Nonce:      nonce,
		ArgsHash:   hash,
		Args:       args,
	}
}

func decodeEval(t *testing.T, raw []byte) agentsdk.EvaluateResponse {
	t.Helper()
	var out agentsdk.EvaluateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode evaluate response: %v (%s)", err, raw)
	}
	return out
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t, nil)
	code, body := call(t, ts, http.MethodGet, "/healthz", "", nil)
	if code != http.StatusOK || !strings.Contains(string(body), `"service":"govd"`) {
		t.Fatalf("healthz %d %s", code, body)
	}
}

func TestEvaluateRequiresToken(t *testing.T) {
	_, ts := newTestServer(t, nil)
	code, _ := call(t, ts, http.MethodPost, "/policy/evaluate", "", readNotes("n1"))
	if code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestEvaluateAllowThenReplay(t *testing.T) {
	s, ts := newTestServer(t, nil)
	tok := token(t, "alice", models.RoleUser)

	code, body := call(t, ts, http.MethodPost, "/policy/evaluate", tok, readNotes("n1"))
	if code != http.StatusOK {
		t.Fatalf("evaluate %d %s", code, body)
	}
	first := decodeEval(t, body)
	if !first.Decision.Allowed() {
		t.Fatalf("expected ALLOW, got %+v", first.Decision)
	}
	if first.ScopeToken != "" {
		t.Fatal("no scope token without a signing key")
	}
	if first.Decision.CorrelationID == "" {
		t.Fatal("correlation id should default from the request")
	}

	_, body = call(t, ts, http.MethodPost, "/policy/evaluate", tok, readNotes("n1"))
	second := decodeEval(t, body)
	if second.Decision.Allowed() || !second.Decision.Has(models.RuleNonceReplay) {
		t.Fatalf("expected NONCE_REPLAY deny, got %+v", second.Decision)
	}
	if sum := s.Audit.Summary(); sum.TotalEvents != 2 || sum.ReplayBlocked != 1 {
		t.Fatalf("unexpected audit summary %+v", sum)
	}
}

func TestEvaluateRoleComesFromToken(t *testing.T) {
	_, ts := newTestServer(t, nil)
	req := readNotes("n1")
	req.ToolName = "deploy_app"
	req.AppScope = "core.ops"
	req.ActionType = models.ActionExecute
	_, body := call(t, ts, http.MethodPost, "/policy/evaluate", token(t, "bob", models.RoleUser), req)
	d := decodeEval(t, body).Decision
	if d.Allowed() || !d.Has(models.RuleRoleInsufficient) {
		t.Fatalf("user must not EXECUTE, got %+v", d)
	}
}

func TestEvaluateRejectsBadInput(t *testing.T) {
	_, ts := newTestServer(t, nil)
	tok := token(t, "alice", models.RoleUser)
	cases := []struct {
		name string
		body any
	}{
		{"malformed", `{"toolName":`},
		{"unknown field", `{"toolName":"read_notes_list","actorRole":"owner"}`},
		{"missing nonce", agentsdk.EvaluateRequest{ToolName: "read_notes_list", ActionType: models.ActionRead, ArgsHash: "x"}},
		{"bad action", agentsdk.EvaluateRequest{ToolName: "read_notes_list", ActionType: "LAUNCH", Nonce: "n", ArgsHash: "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := call(t, ts, http.MethodPost, "/policy/evaluate", tok, tc.body)
			if code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d %s", code, body)
			}
		})
	}
}

func TestOwnerRoutesRequireOwner(t *testing.T) {
	_, ts := newTestServer(t, nil)
	admin := token(t, "ada", models.RoleAdmin)
	owner := token(t, "olga", models.RoleOwner)
	for _, path := range []string{"/policy/status", "/policy/evidence", "/governance/status", "/metrics", "/metrics/prometheus"} {
		if code, _ := call(t, ts, http.MethodGet, path, admin, nil); code != http.StatusForbidden {
			t.Fatalf("%s as admin: expected 403, got %d", path, code)
		}
		if code, body := call(t, ts, http.MethodGet, path, owner, nil); code != http.StatusOK {
			t.Fatalf("%s as owner: expected 200, got %d %s", path, code, body)
		}
	}
	if code, _ := call(t, ts, http.MethodPost, "/worker/verify", token(t, "u", models.RoleUser), workerguard.Request{ToolName: "x"}); code != http.StatusForbidden {
		t.Fatalf("worker verify as user: expected 403, got %d", code)
	}
}

func TestGovernanceOverride(t *testing.T) {
	s, ts := newTestServer(t, nil)
	owner := token(t, "olga", models.RoleOwner)

	code, body := call(t, ts, http.MethodPost, "/governance/override", owner, map[string]string{"mode": "PANIC"})
	if code != http.StatusBadRequest || !strings.Contains(string(body), "invalid mode") {
		t.Fatalf("expected invalid mode, got %d %s", code, body)
	}

	code, body = call(t, ts, http.MethodPost, "/governance/override", owner, map[string]string{"mode": "soft_lock"})
	if code != http.StatusOK {
		t.Fatalf("override %d %s", code, body)
	}
	var st governance.State
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if st.Mode != governance.SoftLock || st.TriggeredBy != "olga" {
		t.Fatalf("unexpected state %+v", st)
	}
	if s.Governance.Mode() != governance.SoftLock {
		t.Fatal("override not applied to the live engine")
	}
}

func TestIntegrityFreezeBlocksWorker(t *testing.T) {
	_, ts := newTestServer(t, nil)
	owner := token(t, "olga", models.RoleOwner)
	admin := token(t, "ada", models.RoleAdmin)

	if code, _ := call(t, ts, http.MethodPost, "/governance/integrity", owner, `{"kernelFrozen":false}`); code != http.StatusBadRequest {
		t.Fatalf("missing hashValid: expected 400, got %d", code)
	}

	_, body := call(t, ts, http.MethodPost, "/policy/evaluate", admin, readNotes("n1"))
	d := decodeEval(t, body).Decision

	code, body := call(t, ts, http.MethodPost, "/governance/integrity", owner, `{"hashValid":false}`)
	if code != http.StatusOK || !strings.Contains(string(body), `"mode":"HARD_FREEZE"`) {
		t.Fatalf("integrity failure should freeze, got %d %s", code, body)
	}

	_, body = call(t, ts, http.MethodPost, "/worker/verify", admin, workerguard.Request{
		ToolName:       d.ToolName,
		Nonce:          d.Nonce,
		ArgsHash:       d.ArgsHash,
		PolicyDecision: d,
	})
	var res workerguard.Result
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Permitted || res.RuleID != models.RuleGovernanceBlock || res.Mode != governance.HardFreeze {
		t.Fatalf("expected GOVERNANCE_BLOCK under freeze, got %+v", res)
	}
}

func TestLedgerParity(t *testing.T) {
	s, ts := newTestServer(t, nil)
	owner := token(t, "olga", models.RoleOwner)
	if code, _ := call(t, ts, http.MethodPost, "/governance/ledger-parity", owner, `{"expectedSha":"abc"}`); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing actualSha, got %d", code)
	}
	code, body := call(t, ts, http.MethodPost, "/governance/ledger-parity", owner, map[string]string{"expectedSha": "abc", "actualSha": "abd"})
	if code != http.StatusOK || !strings.Contains(string(body), `"parity":false`) {
		t.Fatalf("expected parity false, got %d %s", code, body)
	}
	if !s.Governance.IsPromotionBlocked() {
		t.Fatal("mismatch should block promotion")
	}
}

func TestEvidencePack(t *testing.T) {
	_, ts := newTestServer(t, nil)
	user := token(t, "alice", models.RoleUser)
	call(t, ts, http.MethodPost, "/policy/evaluate", user, readNotes("n1"))
	call(t, ts, http.MethodPost, "/policy/evaluate", user, readNotes("n1"))

	code, body := call(t, ts, http.MethodGet, "/policy/evidence", token(t, "olga", models.RoleOwner), nil)
	if code != http.StatusOK {
		t.Fatalf("evidence %d %s", code, body)
	}
	var pack audit.EvidencePack
	if err := json.Unmarshal(body, &pack); err != nil {
		t.Fatalf("decode pack: %v", err)
	}
	if len(pack.Events) != 2 || pack.Summary.Blocked != 1 || pack.EventsSHA256 == "" {
		t.Fatalf("unexpected pack %+v", pack.Summary)
	}
	want, err := audit.EventsDigest(pack.Events)
	if err != nil || want != pack.EventsSHA256 {
		t.Fatalf("pack digest does not recompute: %v", err)
	}
}

func TestMetricsReflectTraffic(t *testing.T) {
	_, ts := newTestServer(t, nil)
	call(t, ts, http.MethodPost, "/policy/evaluate", token(t, "alice", models.RoleUser), readNotes("n1"))
	code, body := call(t, ts, http.MethodGet, "/metrics/prometheus", token(t, "olga", models.RoleOwner), nil)
	if code != http.StatusOK {
		t.Fatalf("metrics %d", code)
	}
	if !strings.Contains(string(body), `endpoint="/policy/evaluate"`) {
		t.Fatalf("expected evaluate endpoint in metrics:\n%s", body)
	}
}

func TestSDKExecuteWithScopeToken(t *testing.T) {
	s, ts := newTestServer(t, map[string]string{"TICKET_SIGNING_KEY": testSigningSeed})
	if s.Signer == nil || !s.Guard.TicketsEnabled() {
		t.Fatal("signing key should enable tickets")
	}
	client := agentsdk.NewClient(ts.URL, 2*time.Second)
	client.AuthToken = token(t, "ada", models.RoleAdmin)
	ctx := context.Background()

	ran := false
	resp, err := client.Execute(ctx, agentsdk.EvaluateRequest{
		ToolName:   "deploy_app",
		ActionType: models.ActionExecute,
		AppScope:   "core.ops",
		Args:       map[string]any{"service": "api"},
	}, func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !ran || resp.ScopeToken == "" {
		t.Fatalf("expected execution with a scope token, ran=%v", ran)
	}

	d := resp.Decision
	again, err := client.VerifyExecution(ctx, workerguard.Request{
		ToolName: d.ToolName, Nonce: d.Nonce, ScopeToken: resp.ScopeToken, ArgsHash: d.ArgsHash, PolicyDecision: d,
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if again.Permitted || again.RuleID != models.RuleNonceReplay {
		t.Fatalf("second execution must be a replay, got %+v", again)
	}

	tampered, _ := client.VerifyExecution(ctx, workerguard.Request{
		ToolName: d.ToolName, Nonce: d.Nonce, ScopeToken: resp.ScopeToken, ArgsHash: "other", PolicyDecision: d,
	})
	if tampered.Permitted || tampered.RuleID != models.RuleScopeTokenInvalid {
		t.Fatalf("tampered args must fail the ticket, got %+v", tampered)
	}

	_, err = client.Execute(ctx, agentsdk.EvaluateRequest{
		ToolName:   "deploy_app",
		ActionType: models.ActionExecute,
		AppScope:   "core.billing",
	}, func(context.Context) error { return nil })
	if !errors.Is(err, agentsdk.ErrDenied) {
		t.Fatalf("scope mismatch should be denied, got %v", err)
	}
}

func TestSDKGovernanceCalls(t *testing.T) {
	_, ts := newTestServer(t, nil)
	client := agentsdk.NewClient(ts.URL, 2*time.Second)
	client.AuthToken = token(t, "olga", models.RoleOwner)
	st, err := client.Override(context.Background(), governance.Throttled)
	if err != nil || st.Mode != governance.Throttled {
		t.Fatalf("override: %v %+v", err, st)
	}
	status, err := client.GovernanceStatus(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Mode != governance.Throttled || len(status.RecentReactions) == 0 {
		t.Fatalf("unexpected status %+v", status)
	}

	client.AuthToken = token(t, "ada", models.RoleAdmin)
	_, err = client.Override(context.Background(), governance.Normal)
	var apiErr *agentsdk.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusForbidden {
		t.Fatalf("expected 403 APIError, got %v", err)
	}
}

func TestStreamDeliversAuditEvents(t *testing.T) {
	_, ts := newTestServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream?types=" + stream.TypeAudit
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + token(t, "olga", models.RoleOwner)}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var ready stream.Event
	if err := wsjson.Read(ctx, conn, &ready); err != nil || ready.Type != stream.TypeReady {
		t.Fatalf("expected ready event, got %+v err=%v", ready, err)
	}

	call(t, ts, http.MethodPost, "/policy/evaluate", token(t, "alice", models.RoleUser), readNotes("n1"))

	var evt stream.Event
	if err := wsjson.Read(ctx, conn, &evt); err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev audit.Event
	if err := json.Unmarshal(evt.Data, &ev); err != nil {
		t.Fatalf("decode audit event: %v", err)
	}
	if evt.Type != stream.TypeAudit || ev.ToolName != "read_notes_list" || ev.Decision != string(models.Allow) {
		t.Fatalf("unexpected stream event %s %+v", evt.Type, ev)
	}
}

func TestParseSigningKey(t *testing.T) {
	seed := bytes.Repeat([]byte{1}, 32)
	fromSeed, err := parseSigningKey(base64.StdEncoding.EncodeToString(seed))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	full, err := parseSigningKey(base64.StdEncoding.EncodeToString(fromSeed))
	if err != nil || !bytes.Equal(full, fromSeed) {
		t.Fatalf("full key: %v", err)
	}
	for _, bad := range []string{"%%%", base64.StdEncoding.EncodeToString([]byte("short"))} {
		if _, err := parseSigningKey(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestCheckAuthMode(t *testing.T) {
	for env, ok := range map[string]bool{"development": true, "test": true, "staging": false, "production": false} {
		err := checkAuthMode(config.Config{AuthMode: "off", Environment: env})
		if (err == nil) != ok {
			t.Fatalf("env %s: unexpected result %v", env, err)
		}
	}
	if err := checkAuthMode(config.Config{AuthMode: "hs256", Environment: "production"}); err != nil {
		t.Fatalf("hs256 is always allowed here: %v", err)
	}
}

func TestOriginPatterns(t *testing.T) {
	got := originPatterns("https://app.example.com/, http://localhost:3000,,")
	if len(got) != 2 || got[0] != "app.example.com" || got[1] != "localhost:3000" {
		t.Fatalf("unexpected patterns %v", got)
	}
}

func noTelemetry(context.Context, telemetry.Settings) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func TestRunGovdRefusesUnsafeConfig(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"auth off in production", map[string]string{"ENVIRONMENT": "production", "AUTH_MODE": "off"}, "AUTH_MODE=off"},
		{"production without tickets", map[string]string{"ENVIRONMENT": "production", "CORS_ALLOWED_ORIGINS": "https://app.example.com"}, "WORKER_REQUIRE_TICKET"},
		{"bad key set", map[string]string{"TICKET_PUBLIC_KEYS": "nokid"}, "TICKET_PUBLIC_KEYS"},
		{"ticket required without keys", map[string]string{"WORKER_REQUIRE_TICKET": "true"}, "WORKER_REQUIRE_TICKET"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setTestEnv(t, tc.env)
			err := runGovd(noTelemetry, nil, nil, func(*http.Server) error {
				t.Fatal("listen must not be reached")
				return nil
			})
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in %v", tc.want, err)
			}
		})
	}
}

func TestRunGovdTelemetryError(t *testing.T) {
	setTestEnv(t, nil)
	err := runGovd(func(context.Context, telemetry.Settings) (func(context.Context) error, error) {
		return nil, errors.New("collector down")
	}, nil, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "collector down") {
		t.Fatalf("expected telemetry error, got %v", err)
	}
}

type fakeAuditDB struct {
	mu    sync.Mutex
	execs int
	args  [][]any
}

func (f *fakeAuditDB) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs++
	f.args = append(f.args, args)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeAuditDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not used")
}

func (f *fakeAuditDB) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

func (f *fakeAuditDB) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execs
}

// TestRunGovdWiresBackends drives the full composition with redis for nonces
// and rate limits and a fake database behind the audit sink.
func TestRunGovdWiresBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	setTestEnv(t, map[string]string{
		"DATABASE_URL":       "postgres://govd@db.internal/govd",
		"REDIS_ADDR":         mr.Addr(),
		"NONCE_BACKEND":      "redis",
		"RATE_LIMIT_BACKEND": "redis",
	})
	db := &fakeAuditDB{}
	openDB := func(context.Context, config.Config) (auditDB, func(), error) { return db, func() {}, nil }
	openRedis := func(_ context.Context, cfg config.Config) (*redis.Client, func(), error) {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return client, func() { _ = client.Close() }, nil
	}
	tok := token(t, "alice", models.RoleUser)

	var decisions []models.PolicyDecision
	listen := func(srv *http.Server) error {
		for i := 0; i < 2; i++ {
			raw, _ := json.Marshal(readNotes("shared-nonce"))
			req := httptest.NewRequest(http.MethodPost, "/policy/evaluate", bytes.NewReader(raw))
			req.Header.Set("Authorization", "Bearer "+tok)
			rec := httptest.NewRecorder()
			srv.Handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				return errors.New(rec.Body.String())
			}
			decisions = append(decisions, decodeEval(t, rec.Body.Bytes()).Decision)
		}
		return nil
	}

	if err := runGovd(noTelemetry, openDB, openRedis, listen); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(decisions) != 2 || !decisions[0].Allowed() || !decisions[1].Has(models.RuleNonceReplay) {
		t.Fatalf("unexpected decisions %+v", decisions)
	}
	if len(mr.Keys()) == 0 {
		t.Fatal("expected nonce and rate keys in redis")
	}
	if got := db.count(); got != 2 {
		t.Fatalf("expected 2 persisted audit events after drain, got %d", got)
	}
}

func TestExecutedNoncesSharedThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	setTestEnv(t, map[string]string{
		"REDIS_ADDR":    mr.Addr(),
		"NONCE_BACKEND": "redis",
	})
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	// Two instances share one redis.
	var servers []*httptest.Server
	for i := 0; i < 2; i++ {
		s, err := newServer(context.Background(), cfg, backends{Redis: client})
		if err != nil {
			t.Fatalf("new server: %v", err)
		}
		ts := httptest.NewServer(s.Routes())
		t.Cleanup(func() {
			ts.Close()
			s.Close(context.Background())
		})
		servers = append(servers, ts)
	}

	_, body := call(t, servers[0], http.MethodPost, "/policy/evaluate", token(t, "alice", models.RoleUser), readNotes("n-shared"))
	d := decodeEval(t, body).Decision
	if !d.Allowed() {
		t.Fatalf("expected ALLOW, got %+v", d)
	}
	req := workerguard.Request{ToolName: d.ToolName, Nonce: d.Nonce, ArgsHash: d.ArgsHash, PolicyDecision: d}
	admin := token(t, "ops", models.RoleAdmin)

	var first, second workerguard.Result
	_, body = call(t, servers[0], http.MethodPost, "/worker/verify", admin, req)
	if err := json.Unmarshal(body, &first); err != nil || !first.Permitted {
		t.Fatalf("first verify should pass: %s", body)
	}
	_, body = call(t, servers[1], http.MethodPost, "/worker/verify", admin, req)
	if err := json.Unmarshal(body, &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if second.Permitted || second.RuleID != models.RuleNonceReplay {
		t.Fatalf("second instance should see the executed nonce, got %+v", second)
	}
	if !mr.Exists("coreos:executed:15:read_notes_list:n-shared") || !mr.Exists("coreos:nonce:15:read_notes_list:n-shared") {
		t.Fatalf("expected separate evaluate and execute keys, have %v", mr.Keys())
	}
}

func TestMainCallsLogFatalf(t *testing.T) {
	origFatal, origTelemetry, origListen := logFatalf, initTelemetryFn, listenFn
	defer func() { logFatalf, initTelemetryFn, listenFn = origFatal, origTelemetry, origListen }()

	setTestEnv(t, nil)
	fatal := false
	logFatalf = func(string, ...any) { fatal = true }
	initTelemetryFn = noTelemetry
	listenFn = func(*http.Server) error { return errors.New("address in use") }
	main()
	if !fatal {
		t.Fatal("listen failure should reach logFatalf")
	}

	fatal = false
	listenFn = func(*http.Server) error { return nil }
	main()
	if fatal {
		t.Fatal("clean exit should not call logFatalf")
	}
}
