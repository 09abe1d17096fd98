package util

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLogFileForRollsOverOnSize(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := logFileFor(dir, day, 8)
	if filepath.Base(first) != "hbbalancer_2026-03-01.log" {
		t.Fatalf("unexpected name %s", first)
	}
	if err := os.WriteFile(first, []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}

	second := logFileFor(dir, day, 8)
	if filepath.Base(second) != "hbbalancer_2026-03-01.1.log" {
		t.Fatalf("expected numbered file, got %s", second)
	}
	if got := logFileFor(dir, day, 0); got != first {
		t.Fatalf("size limit 0 must keep the dated file, got %s", got)
	}
}

func TestCleanOldLogsKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	names := []string{
		"hbbalancer_2026-03-01.log",
		"hbbalancer_2026-03-02.log",
		"hbbalancer_2026-03-03.log",
		"other.log",
	}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	cleanOldLogs(dir, 2)

	if _, err := os.Stat(filepath.Join(dir, names[0])); !os.IsNotExist(err) {
		t.Fatalf("oldest log not removed")
	}
	for _, n := range names[1:] {
		if _, err := os.Stat(filepath.Join(dir, n)); err != nil {
			t.Fatalf("%s removed: %v", n, err)
		}
	}
}

func TestEnsureCertGeneratesOnce(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "tls", "api.crt")
	key := filepath.Join(dir, "tls", "api.key")

	if err := EnsureCert(cert, key, "127.0.0.1", "localhost"); err != nil {
		t.Fatalf("EnsureCert: %v", err)
	}
	pair, err := tls.LoadX509KeyPair(cert, key)
	if err != nil {
		t.Fatalf("generated pair unusable: %v", err)
	}
	if len(pair.Certificate) == 0 {
		t.Fatalf("empty certificate chain")
	}

	before, _ := os.Stat(cert)
	if err := EnsureCert(cert, key); err != nil {
		t.Fatal(err)
	}
	after, _ := os.Stat(cert)
	if !before.ModTime().Equal(after.ModTime()) {
		t.Fatalf("existing certificate was regenerated")
	}
}
