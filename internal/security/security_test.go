package security

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

// =============================================================================
// Crypto Tests
// =============================================================================

func TestDeriveKey(t *testing.T) {
	master := bytes.Repeat([]byte{0x42, 0x17}, 16)

	a, err := DeriveKeyWithLabel(master, "store-hmac", RecommendedKeySize)
	if err != nil {
		t.Fatalf("DeriveKeyWithLabel failed: %v", err)
	}
	b, err := DeriveKeyWithLabel(master, "store-hmac", RecommendedKeySize)
	if err != nil {
		t.Fatalf("DeriveKeyWithLabel failed: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("derivation should be deterministic")
	}
	if len(a) != RecommendedKeySize {
		t.Errorf("expected %d bytes, got %d", RecommendedKeySize, len(a))
	}

	c, err := DeriveKeyWithLabel(master, "export", RecommendedKeySize)
	if err != nil {
		t.Fatalf("DeriveKeyWithLabel failed: %v", err)
	}
	if bytes.Equal(a, c) {
		t.Error("different labels must yield different keys")
	}
}

func TestDeriveKeyRejectsWeakInput(t *testing.T) {
	if _, err := DeriveKey([]byte("short"), nil, nil, 32); !errors.Is(err, ErrWeakKey) {
		t.Errorf("expected ErrWeakKey, got %v", err)
	}
	master := bytes.Repeat([]byte{1, 2}, 16)
	if _, err := DeriveKey(master, nil, nil, 8); !errors.Is(err, ErrInvalidKeySize) {
		t.Errorf("expected ErrInvalidKeySize, got %v", err)
	}
}

func TestGenerateKey(t *testing.T) {
	k1, err := GenerateKey(RecommendedKeySize)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	k2, _ := GenerateKey(RecommendedKeySize)
	if bytes.Equal(k1, k2) {
		t.Error("two generated keys should differ")
	}
	if _, err := GenerateKey(4); !errors.Is(err, ErrInvalidKeySize) {
		t.Errorf("expected ErrInvalidKeySize, got %v", err)
	}
}

func TestMAC(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	data := []byte(`{"session_id":"s-1"}`)

	mac := MAC(key, data)
	if len(mac) != 32 {
		t.Fatalf("expected 32-byte MAC, got %d", len(mac))
	}
	if !VerifyMAC(key, data, mac) {
		t.Error("MAC should verify")
	}
	if VerifyMAC(key, []byte(`{"session_id":"s-2"}`), mac) {
		t.Error("MAC must not verify for different data")
	}
	if VerifyMAC(key, data, mac[:16]) {
		t.Error("truncated MAC must not verify")
	}
	if VerifyMAC(key, data, nil) {
		t.Error("missing MAC must not verify")
	}
}

func TestValidateKeyStrength(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{"short", []byte("abc"), true},
		{"zeros", make([]byte, 32), true},
		{"repeated", bytes.Repeat([]byte{7}, 32), true},
		{"ok", []byte("a reasonably random study secret"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKeyStrength(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateKeyStrength error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSecureCompare(t *testing.T) {
	if !SecureCompare([]byte("abc"), []byte("abc")) {
		t.Error("equal slices should compare equal")
	}
	if SecureCompare([]byte("abc"), []byte("abd")) {
		t.Error("different slices should not compare equal")
	}
}

// =============================================================================
// File Tests
// =============================================================================

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.csv")

	if err := WriteFileAtomic(path, []byte("a,b\n"), PermPublicFile); err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("c,d\n"), PermPublicFile); err != nil {
		t.Fatalf("second WriteFileAtomic failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "c,d\n" {
		t.Errorf("unexpected content %q", data)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %v", entries)
	}
}

func TestAtomicAbort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aborted.csv")
	f, err := CreateAtomic(path, PermSecretFile)
	if err != nil {
		t.Fatalf("CreateAtomic failed: %v", err)
	}
	f.Write([]byte("partial"))
	f.Abort()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("aborted write must not create the destination")
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 0 {
		t.Errorf("temporary file left behind: %v", entries)
	}
}

func TestCreateAtomicEmptyPath(t *testing.T) {
	if _, err := CreateAtomic("", PermSecretFile); !errors.Is(err, ErrEmptyPath) {
		t.Errorf("expected ErrEmptyPath, got %v", err)
	}
}

func TestFileLock(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("lock contention within one process differs on windows")
	}
	path := filepath.Join(t.TempDir(), "export.csv")

	l, err := Lock(path)
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	if _, err := TryLock(path); !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked while held, got %v", err)
	}

	if err := l.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := l.Unlock(); err != nil {
		t.Errorf("second Unlock should be a no-op: %v", err)
	}

	l2, err := TryLock(path)
	if err != nil {
		t.Fatalf("TryLock after release failed: %v", err)
	}
	l2.Unlock()
}

// =============================================================================
// Rate Limiting Tests
// =============================================================================

func TestRateLimiter(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := newRateLimiter(10, 3, func() time.Time { return now })

	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("burst request %d should be allowed", i)
		}
	}
	if rl.Allow() {
		t.Error("request beyond burst should be rejected")
	}

	now = now.Add(100 * time.Millisecond)
	if !rl.Allow() {
		t.Error("one token should have refilled")
	}
	if rl.Allow() {
		t.Error("only one token should have refilled")
	}

	now = now.Add(10 * time.Second)
	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("refill must cap at burst, request %d rejected", i)
		}
	}
	if rl.Allow() {
		t.Error("refill must not exceed burst")
	}
}

func TestConnectionLimiter(t *testing.T) {
	cl := NewConnectionLimiter(3, 2)

	if !cl.Acquire("10.0.0.1") || !cl.Acquire("10.0.0.1") {
		t.Fatal("first two connections should be allowed")
	}
	if cl.Acquire("10.0.0.1") {
		t.Error("third connection from same address should be rejected")
	}
	if !cl.Acquire("10.0.0.2") {
		t.Error("other address should be allowed")
	}
	if cl.Acquire("10.0.0.3") {
		t.Error("global limit should reject")
	}
	if cl.Current() != 3 {
		t.Errorf("expected 3 connections, got %d", cl.Current())
	}

	cl.Release("10.0.0.1")
	if !cl.Acquire("10.0.0.3") {
		t.Error("slot should be free after release")
	}
}

func TestConnectionLimiterUnlimited(t *testing.T) {
	cl := NewConnectionLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !cl.Acquire("addr") {
			t.Fatalf("unlimited limiter rejected connection %d", i)
		}
	}
}
