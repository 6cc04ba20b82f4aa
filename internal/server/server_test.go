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

	"github.com/golang-jwt/jwt/v5"

	"boostline/internal/config"
	"boostline/internal/db"
	"boostline/internal/engine"
	"boostline/internal/migrate"
	boostlinesdk "boostline/sdk/go"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("mkt-test")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret},
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
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func signToken(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if len(roles) > 0 {
		claims["roles"] = roles
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (s *testServer) sdk(t *testing.T, subject string, roles ...string) *boostlinesdk.Client {
	c := boostlinesdk.New(s.URL)
	c.BearerToken = signToken(t, subject, roles...)
	return c
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

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error envelope %s: %v", data, err)
	}
	return envelope.Error.Code
}

func TestHealthNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t)
	res, _ := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d", res.StatusCode)
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("error code %q", code)
	}
	res, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/tasks", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d", res.StatusCode)
	}
	if code := errorCode(t, data); code != "invalid_credentials" {
		t.Fatalf("error code %q", code)
	}
}

func TestOrderToSettlementOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	admin := ts.sdk(t, "admin", "admin")
	creator := ts.sdk(t, "creator")
	worker := ts.sdk(t, "worker")

	if _, err := admin.Deposit(ctx, "creator", "100"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	order, err := creator.CreateOrder(ctx, "like", "https://example.com/p/1", "2.50", 4)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.Status != "pending" {
		t.Fatalf("order status %q", order.Status)
	}
	task, err := admin.ApproveOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("approve order: %v", err)
	}
	if task.RemainingSlots != 4 {
		t.Fatalf("remaining slots %d", task.RemainingSlots)
	}

	ex, err := worker.Claim(ctx, task.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ex.Status != "pending" || ex.Deadline == "" {
		t.Fatalf("execution %+v", ex)
	}
	ex, err = worker.Submit(ctx, ex.ID, "https://example.com/screenshot.png")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ex.Status != "submitted" {
		t.Fatalf("status after submit %q", ex.Status)
	}
	ex, err = admin.ApproveExecution(ctx, ex.ID, "looks good")
	if err != nil {
		t.Fatalf("approve execution: %v", err)
	}
	if ex.Status != "approved" || ex.Reward == nil || *ex.Reward != "2.5" {
		t.Fatalf("execution after approve %+v", ex)
	}
	acct, err := worker.GetAccount(ctx, "worker")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.Balance != "2.5" {
		t.Fatalf("worker balance %q", acct.Balance)
	}
	entries, err := worker.Ledger(ctx, "worker")
	if err != nil || len(entries) != 1 {
		t.Fatalf("ledger entries %d err %v", len(entries), err)
	}
	if entries[0].Reason != "task-approval:"+ex.ID {
		t.Fatalf("ledger reason %q", entries[0].Reason)
	}
}

func TestClaimConflictsMapToHTTPCodes(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	admin := ts.sdk(t, "admin", "admin")
	creator := ts.sdk(t, "creator")
	worker := ts.sdk(t, "worker")

	if _, err := admin.Deposit(ctx, "creator", "10"); err != nil {
		t.Fatal(err)
	}
	order, err := creator.CreateOrder(ctx, "follow", "@someone", "1", 2)
	if err != nil {
		t.Fatal(err)
	}
	task, err := admin.ApproveOrder(ctx, order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := worker.Claim(ctx, task.ID); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	_, err = worker.Claim(ctx, task.ID)
	apiErr, ok := err.(*boostlinesdk.APIError)
	if !ok || apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("second claim: %v", err)
	}

	_, err = creator.Claim(ctx, task.ID)
	apiErr, ok = err.(*boostlinesdk.APIError)
	if !ok || apiErr.StatusCode != http.StatusForbidden {
		t.Fatalf("self claim: %v", err)
	}

	// moderation is admin-only
	_, err = worker.ApproveOrder(ctx, order.ID)
	apiErr, ok = err.(*boostlinesdk.APIError)
	if !ok || apiErr.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin approve: %v", err)
	}
}

func TestNonPositiveAmountsRejectedOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	token := signToken(t, "admin", "admin")
	for _, amount := range []string{"0", "-5"} {
		res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/accounts/worker/deposit",
			map[string]string{"amount": amount}, map[string]string{"Authorization": "Bearer " + token})
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("deposit %s: status %d body %s", amount, res.StatusCode, data)
		}
		if code := errorCode(t, data); code != "invalid_argument" {
			t.Fatalf("deposit %s: error code %q", amount, code)
		}
		res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/accounts/admin/withdraw",
			map[string]string{"amount": amount}, map[string]string{"Authorization": "Bearer " + token})
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("withdraw %s: status %d body %s", amount, res.StatusCode, data)
		}
	}
}

func TestInsufficientFundsOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	creator := ts.sdk(t, "creator")
	_, err := creator.CreateOrder(context.Background(), "like", "example.com/p/2", "5", 10)
	apiErr, ok := err.(*boostlinesdk.APIError)
	if !ok || apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("want 422, got %v", err)
	}
}
