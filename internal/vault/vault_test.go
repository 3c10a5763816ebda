package vault

import (
	"testing"
	"time"
)

func TestDisabledVaultIsNoOp(t *testing.T) {
	v, err := New(false)
	if err != nil {
		t.Fatal(err)
	}
	if v.IsLocked() {
		t.Error("disabled vault must never report locked")
	}
	if err := v.Unlock([]byte("whatever!")); err != nil {
		t.Errorf("unlock on disabled vault: %v", err)
	}
}

func TestUnlockSetGet(t *testing.T) {
	v, err := New(true)
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsLocked() {
		t.Error("enabled vault must start locked")
	}
	if err := v.Unlock([]byte("correct horse battery")); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	if err := v.Set("provider:anthropic:api_key", "sk-test-123"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := v.Get("provider:anthropic:api_key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "sk-test-123" {
		t.Errorf("got %q", got)
	}
}

func TestLockClearsAccess(t *testing.T) {
	v, _ := New(true)
	_ = v.Unlock([]byte("correct horse battery"))
	_ = v.Set("k", "v")

	v.Lock()
	if !v.IsLocked() {
		t.Error("vault must report locked after Lock")
	}
	if _, err := v.Get("k"); err == nil {
		t.Error("reads must fail while locked")
	}
}

func TestUnlockRejectsShortPassword(t *testing.T) {
	v, _ := New(true)
	if err := v.Unlock([]byte("short")); err == nil {
		t.Error("short master password must be rejected")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	v, _ := New(true)
	_ = v.Unlock([]byte("correct horse battery"))
	_ = v.Set("a", "1")
	_ = v.Set("b", "2")

	blob := v.Export()
	salt := v.Salt()

	v2, _ := New(true)
	v2.SetSalt(salt)
	if err := v2.Unlock([]byte("correct horse battery")); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := v2.Import(blob); err != nil {
		t.Fatalf("import: %v", err)
	}
	got, err := v2.Get("b")
	if err != nil || got != "2" {
		t.Errorf("got %q, %v", got, err)
	}
}

func TestAutoLock(t *testing.T) {
	v, _ := New(true, WithAutoLockDuration(10*time.Millisecond))
	_ = v.Unlock([]byte("correct horse battery"))

	deadline := time.Now().Add(2 * time.Second)
	for !v.IsLocked() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !v.IsLocked() {
		t.Error("vault must auto-lock after the inactivity window")
	}
}
