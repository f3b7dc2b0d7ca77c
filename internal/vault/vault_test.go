package vault

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	xerrors "AutoSwap-Chain/internal/errors"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	secret := make([]byte, KeySize)
	for i := range secret {
		secret[i] = byte(i)
	}
	v, err := New(secret)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := testVault(t)

	keys := []string{
		"0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d",
		"short",
		strings.Repeat("a", 512),
	}
	for _, key := range keys {
		record, err := v.Encrypt(key)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		if strings.Contains(record, key) {
			t.Fatalf("record leaks plaintext")
		}
		got, err := v.Decrypt(record)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if got != key {
			t.Fatalf("round trip mismatch: got %q want %q", got, key)
		}
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	v := testVault(t)

	first, err := v.Encrypt("same-key")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	second, err := v.Encrypt("same-key")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if first == second {
		t.Fatalf("two encryptions of the same key produced identical records")
	}
	if strings.Split(first, ":")[0] == strings.Split(second, ":")[0] {
		t.Fatalf("nonce reused across encryptions")
	}
}

func TestDecryptDetectsTampering(t *testing.T) {
	v := testVault(t)

	record, err := v.Encrypt("0xdeadbeefcafe")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	// 翻转每个段落中的一个比特，解密必须失败。
	for segment := 0; segment < 3; segment++ {
		parts := strings.Split(record, ":")
		raw, err := hex.DecodeString(parts[segment])
		if err != nil {
			t.Fatalf("decode segment %d: %v", segment, err)
		}
		raw[0] ^= 0x01
		parts[segment] = hex.EncodeToString(raw)
		tampered := strings.Join(parts, ":")

		if _, err := v.Decrypt(tampered); err == nil {
			t.Fatalf("tampered segment %d decrypted successfully", segment)
		} else if xerrors.CodeOf(err) != xerrors.CodeCrypto {
			t.Fatalf("tampered segment %d: unexpected code %s", segment, xerrors.CodeOf(err))
		}
	}
}

func TestDecryptRejectsMalformedRecords(t *testing.T) {
	v := testVault(t)

	records := []string{
		"",
		"abc",
		"zz:zz:zz",
		"00:11:22:33",
		"0011:22:33",
	}
	for _, record := range records {
		if _, err := v.Decrypt(record); err == nil {
			t.Fatalf("malformed record %q decrypted", record)
		}
	}
}

func TestNewRejectsBadKeyLength(t *testing.T) {
	if _, err := New(make([]byte, 16)); err == nil {
		t.Fatalf("expected error for short key")
	}
	if _, err := New(nil); err == nil {
		t.Fatalf("expected error for nil key")
	}
}

func TestFromEnv(t *testing.T) {
	const name = "VAULT_TEST_SECRET"

	t.Setenv(name, "")
	if _, err := FromEnv(name); err == nil {
		t.Fatalf("expected error for missing secret")
	}

	t.Setenv(name, "not-hex")
	if _, err := FromEnv(name); err == nil {
		t.Fatalf("expected error for non-hex secret")
	}

	t.Setenv(name, strings.Repeat("ab", KeySize))
	v, err := FromEnv(name)
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	record, err := v.Encrypt("payload")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if got, err := v.Decrypt(record); err != nil || got != "payload" {
		t.Fatalf("round trip via env vault failed: %v", err)
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	v := testVault(t)
	record, err := v.Encrypt("secret-material")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	other, err := New([]byte(strings.Repeat("x", KeySize)))
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	if _, err := other.Decrypt(record); err == nil {
		t.Fatalf("decrypt with wrong key succeeded")
	} else {
		var typed *xerrors.Error
		if !errors.As(err, &typed) {
			t.Fatalf("expected typed error, got %T", err)
		}
	}
}
