package session

import (
	"context"
	"strings"
	"testing"
	"time"

	xerrors "AutoSwap-Chain/internal/errors"
	"AutoSwap-Chain/internal/vault"
)

const (
	testOwner     = "0x49C4f4b258B715A4d50e6642F325946e62A6B7bA"
	testDelegator = "0x8A4131A7197fE6fDf638914B8a2d90F7B7198c83"
	testSessionPK = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

func testService(t *testing.T) (*Service, *vault.Vault) {
	t.Helper()
	secret := []byte(strings.Repeat("s", vault.KeySize))
	v, err := vault.New(secret)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return NewService(NewMemoryStore(), v), v
}

func validMintRequest() MintRequest {
	return MintRequest{
		Owner:      testOwner,
		Delegator:  testDelegator,
		PrivateKey: testSessionPK,
		ValidUntil: time.Now().Add(5 * time.Minute).Unix(),
		Actions:    []string{"swap"},
	}
}

func TestMintEncryptsAndNormalizes(t *testing.T) {
	svc, v := testService(t)
	ctx := context.Background()

	view, err := svc.Mint(ctx, validMintRequest())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if view.ID == "" {
		t.Fatalf("expected generated credential id")
	}
	if view.Owner != strings.ToLower(testOwner) {
		t.Fatalf("owner not normalized: %s", view.Owner)
	}
	if len(view.Actions) != 1 || view.Actions[0] != ActionSwap {
		t.Fatalf("unexpected actions: %v", view.Actions)
	}

	credential, err := svc.Get(ctx, view.ID)
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if credential.EncryptedKey == testSessionPK {
		t.Fatalf("private key stored in cleartext")
	}
	if strings.Contains(credential.EncryptedKey, testSessionPK) {
		t.Fatalf("encrypted record leaks plaintext")
	}
	plaintext, err := v.Decrypt(credential.EncryptedKey)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plaintext != testSessionPK {
		t.Fatalf("decrypted key mismatch")
	}
}

func TestMintValidation(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*MintRequest)
	}{
		{"missing owner", func(r *MintRequest) { r.Owner = "" }},
		{"bad owner", func(r *MintRequest) { r.Owner = "not-an-address" }},
		{"missing delegator", func(r *MintRequest) { r.Delegator = "" }},
		{"missing key", func(r *MintRequest) { r.PrivateKey = "  " }},
		{"missing deadline", func(r *MintRequest) { r.ValidUntil = 0 }},
		{"no actions", func(r *MintRequest) { r.Actions = nil }},
		{"unknown action", func(r *MintRequest) { r.Actions = []string{"transfer"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validMintRequest()
			tc.mutate(&req)
			_, err := svc.Mint(ctx, req)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if code := xerrors.CodeOf(err); code != xerrors.CodeValidation {
				t.Fatalf("unexpected code %s", code)
			}
		})
	}
}

func TestReveal(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	view, err := svc.Mint(ctx, validMintRequest())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	plaintext, err := svc.Reveal(ctx, view.ID)
	if err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if plaintext != testSessionPK {
		t.Fatalf("revealed key mismatch")
	}

	if _, err := svc.Reveal(ctx, "missing"); err == nil {
		t.Fatalf("expected not found error")
	}
}

func TestEnsureOwnerIdempotent(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	owner, created, err := svc.EnsureOwner(ctx, testOwner)
	if err != nil {
		t.Fatalf("ensure owner: %v", err)
	}
	if !created {
		t.Fatalf("expected first call to create owner")
	}
	if owner.Wallet != strings.ToLower(testOwner) {
		t.Fatalf("wallet not normalized: %s", owner.Wallet)
	}

	again, created, err := svc.EnsureOwner(ctx, "0x"+strings.ToUpper(testOwner[2:]))
	if err != nil {
		t.Fatalf("ensure owner again: %v", err)
	}
	if created {
		t.Fatalf("second ensure should not create")
	}
	if again.Wallet != owner.Wallet {
		t.Fatalf("wallet mismatch between calls")
	}
}

func TestListPublicNeverExposesCiphertext(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	if _, err := svc.Mint(ctx, validMintRequest()); err != nil {
		t.Fatalf("mint: %v", err)
	}
	views, err := svc.ListPublic(ctx, testOwner)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected 1 credential, got %d", len(views))
	}
}
