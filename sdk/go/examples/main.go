package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"AutoSwap-Chain/sdk/go/autoswap"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/session-credentials", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(autoswap.Credential{
			ID:         "cred-demo",
			Owner:      "0x49c4f4b258b715a4d50e6642f325946e62a6b7ba",
			ValidUntil: time.Now().Add(24 * time.Hour).Unix(),
			Actions:    []string{"swap"},
		})
	})
	mux.HandleFunc("/api/v1/automation-rules", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(autoswap.Rule{
				ID:            "rule-demo",
				Active:        true,
				Frequency:     "daily",
				NextExecution: time.Now().Add(24 * time.Hour).Unix(),
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/execution-ledger/stats", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(autoswap.LedgerStats{Total: 3, Success: 2, Failed: 1})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := autoswap.NewClient(srv.URL, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cred, err := client.MintCredential(ctx, autoswap.MintCredentialRequest{
		Owner:      "0x49c4f4b258b715a4d50e6642f325946e62a6b7ba",
		Delegator:  "0x8a4131a7197fe6fdf638914b8a2d90f7b7198c83",
		PrivateKey: "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d",
		ValidUntil: time.Now().Add(24 * time.Hour).Unix(),
		Actions:    []string{"swap"},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("minted credential %s (valid until %d)\n", cred.ID, cred.ValidUntil)

	rule, err := client.CreateRule(ctx, autoswap.CreateRuleRequest{
		Owner:        cred.Owner,
		CredentialID: cred.ID,
		FromToken:    "0x1c7d4b196cb0c7b01d743fbc6116a902379c7238",
		ToToken:      "0xfff9976782d46cc05630d1f6ebab18b2324d6b14",
		Amount:       "25",
		Frequency:    "daily",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("created rule %s (next execution %d)\n", rule.ID, rule.NextExecution)

	stats, err := client.LedgerStats(ctx, cred.Owner)
	if err != nil {
		panic(err)
	}
	fmt.Printf("ledger: %d total, %d success, %d failed\n", stats.Total, stats.Success, stats.Failed)
}
