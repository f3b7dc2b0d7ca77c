package autoswap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMintCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/session-credentials" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var req MintCredentialRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if req.PrivateKey == "" {
			t.Fatal("request is missing the session key")
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Credential{
			ID:         "cred-1",
			Owner:      req.Owner,
			ValidUntil: req.ValidUntil,
			Actions:    req.Actions,
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	view, err := client.MintCredential(context.Background(), MintCredentialRequest{
		Owner:      "0x49c4f4b258b715a4d50e6642f325946e62a6b7ba",
		Delegator:  "0x8a4131a7197fe6fdf638914b8a2d90f7b7198c83",
		PrivateKey: "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d",
		ValidUntil: time.Now().Add(time.Hour).Unix(),
		Actions:    []string{"swap"},
	})
	if err != nil {
		t.Fatalf("mint credential: %v", err)
	}
	if view.ID != "cred-1" {
		t.Fatalf("unexpected credential id: %s", view.ID)
	}
}

func TestListRulesActiveFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/automation-rules" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("active") != "true" {
			t.Fatalf("expected active filter, got %q", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]RuleView{{
			Rule:       Rule{ID: "rule-1", Active: true},
			Credential: &Credential{ID: "cred-1"},
		}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	views, err := client.ListRules(context.Background(), "0xabc", true)
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	if len(views) != 1 || views[0].Credential == nil {
		t.Fatalf("unexpected views: %+v", views)
	}
}

func TestTriggerExecutionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/trigger-execution" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error": "rule does not exist",
			"code":  "RULE_NOT_FOUND",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	err := client.TriggerExecution(context.Background(), "rule-404")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "RULE_NOT_FOUND" {
		t.Fatalf("unexpected error code: %s", apiErr.Code)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", apiErr.StatusCode)
	}
}

func TestDelegationStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/delegation-status" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("chain") != "sepolia" {
			t.Fatalf("expected chain parameter, got %q", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(DelegationInfo{
			Wallet: r.URL.Query().Get("wallet"),
			Status: "delegated_to_target",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	info, err := client.DelegationStatus(context.Background(), "0xabc", "sepolia")
	if err != nil {
		t.Fatalf("delegation status: %v", err)
	}
	if info.Status != "delegated_to_target" {
		t.Fatalf("unexpected status: %s", info.Status)
	}
}
