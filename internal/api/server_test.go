package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"AutoSwap-Chain/internal/automation"
	xerrors "AutoSwap-Chain/internal/errors"
	"AutoSwap-Chain/internal/ledger"
	"AutoSwap-Chain/internal/scheduler"
	"AutoSwap-Chain/internal/session"
	"AutoSwap-Chain/internal/vault"
)

const (
	testOwner     = "0x49c4f4b258b715a4d50e6642f325946e62a6b7ba"
	testDelegator = "0x8a4131a7197fe6fdf638914b8a2d90f7b7198c83"
	testKey       = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	testTokenIn   = "0x1c7d4b196cb0c7b01d743fbc6116a902379c7238"
	testTokenOut  = "0xfff9976782d46cc05630d1f6ebab18b2324d6b14"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	v, err := vault.New([]byte(strings.Repeat("k", vault.KeySize)))
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	sessions := session.NewService(session.NewMemoryStore(), v)
	ruleStore := automation.NewMemoryStore()
	rules := automation.NewService(ruleStore, sessions)
	records := ledger.NewMemoryStore()

	executor := scheduler.ExecutorFunc(func(context.Context, scheduler.ExecutionRequest) (*scheduler.ExecutionResult, error) {
		return &scheduler.ExecutionResult{TxHash: "0xfeed"}, nil
	})
	sched := scheduler.New(ruleStore, sessions, records, scheduler.NewMemoryQueue(4), executor)

	server := NewServer("127.0.0.1:0", sessions, rules, records, sched)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return server, ts
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func mintCredential(t *testing.T, ts *httptest.Server) session.PublicView {
	t.Helper()
	resp := postJSON(t, ts.URL+"/api/v1/session-credentials", map[string]any{
		"owner":       testOwner,
		"delegator":   testDelegator,
		"private_key": testKey,
		"valid_until": time.Now().Add(time.Hour).Unix(),
		"actions":     []string{"swap"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("mint status = %d", resp.StatusCode)
	}
	var view session.PublicView
	decodeJSON(t, resp, &view)
	return view
}

func TestMintCredentialNeverEchoesKey(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/session-credentials", map[string]any{
		"owner":       testOwner,
		"delegator":   testDelegator,
		"private_key": testKey,
		"valid_until": time.Now().Add(time.Hour).Unix(),
		"actions":     []string{"swap"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if strings.Contains(buf.String(), testKey[2:]) {
		t.Fatalf("response echoes private key material")
	}
	var view session.PublicView
	if err := json.Unmarshal(buf.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.ID == "" || view.Owner != testOwner {
		t.Fatalf("unexpected view: %+v", view)
	}
}

func TestMintValidationErrorEnvelope(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/session-credentials", map[string]any{
		"owner": "not-an-address",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var envelope struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	decodeJSON(t, resp, &envelope)
	if envelope.Code != "VALIDATION_FAILED" {
		t.Fatalf("code = %q", envelope.Code)
	}
	if envelope.Error == "" {
		t.Fatalf("missing error message")
	}
}

func TestRuleLifecycle(t *testing.T) {
	_, ts := newTestServer(t)
	view := mintCredential(t, ts)

	resp := postJSON(t, ts.URL+"/api/v1/automation-rules", map[string]any{
		"owner":         testOwner,
		"credential_id": view.ID,
		"from_token":    testTokenIn,
		"to_token":      testTokenOut,
		"amount":        "10",
		"frequency":     "daily",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create rule status = %d", resp.StatusCode)
	}
	var rule automation.Rule
	decodeJSON(t, resp, &rule)
	if rule.ID == "" || !rule.Active {
		t.Fatalf("unexpected rule: %+v", rule)
	}

	listResp, err := http.Get(ts.URL + "/api/v1/automation-rules?owner=" + testOwner)
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	var views []automation.RuleView
	decodeJSON(t, listResp, &views)
	if len(views) != 1 || views[0].Credential == nil {
		t.Fatalf("unexpected list: %+v", views)
	}

	req, _ := http.NewRequest(http.MethodDelete,
		fmt.Sprintf("%s/api/v1/automation-rules/%s?owner=%s", ts.URL, rule.ID, testOwner), nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete rule: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", delResp.StatusCode)
	}

	activeResp, err := http.Get(ts.URL + "/api/v1/automation-rules?owner=" + testOwner + "&active=true")
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	var active []automation.RuleView
	decodeJSON(t, activeResp, &active)
	if len(active) != 0 {
		t.Fatalf("deactivated rule still listed as active")
	}
}

func TestDeleteUnknownRule(t *testing.T) {
	_, ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/automation-rules/nope", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestLedgerEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/execution-ledger?owner=" + testOwner)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ledger status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	statsResp, err := http.Get(ts.URL + "/api/v1/execution-ledger/stats?owner=" + testOwner)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var stats ledger.Stats
	decodeJSON(t, statsResp, &stats)
	if stats.Total != 0 {
		t.Fatalf("expected empty stats")
	}
}

func TestTriggerExecution(t *testing.T) {
	_, ts := newTestServer(t)
	view := mintCredential(t, ts)

	resp := postJSON(t, ts.URL+"/api/v1/automation-rules", map[string]any{
		"owner":         testOwner,
		"credential_id": view.ID,
		"from_token":    testTokenIn,
		"to_token":      testTokenOut,
		"amount":        "10",
		"frequency":     "daily",
	})
	var rule automation.Rule
	decodeJSON(t, resp, &rule)

	trigger := postJSON(t, ts.URL+"/api/v1/trigger-execution", map[string]string{"rule_id": rule.ID})
	trigger.Body.Close()
	if trigger.StatusCode != http.StatusOK {
		t.Fatalf("trigger status = %d", trigger.StatusCode)
	}

	ledgerResp, err := http.Get(ts.URL + "/api/v1/execution-ledger?owner=" + testOwner)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	var records []ledger.Record
	decodeJSON(t, ledgerResp, &records)
	if len(records) != 1 || records[0].Status != ledger.StatusSuccess {
		t.Fatalf("unexpected ledger after trigger: %+v", records)
	}
	if records[0].TxHash != "0xfeed" {
		t.Fatalf("tx hash = %q", records[0].TxHash)
	}
}

func TestErrorEnvelopeCarriesDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, xerrors.New(xerrors.CodeChain, "交易执行失败",
		xerrors.WithMetadata("tx_hash", "0xdead")))

	var envelope struct {
		Error   string            `json:"error"`
		Code    string            `json:"code"`
		Details map[string]string `json:"details"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Code != string(xerrors.CodeChain) {
		t.Fatalf("code = %q", envelope.Code)
	}
	if envelope.Details["tx_hash"] != "0xdead" {
		t.Fatalf("details = %v", envelope.Details)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/v1/session-credentials", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}
