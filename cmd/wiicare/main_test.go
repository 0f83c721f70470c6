package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"wiicare/internal/config"
)

// FUNCTIONAL VALIDATION TEST: run refuses to start without a usable configuration
func TestRun_InvalidConfiguration(t *testing.T) {
	t.Setenv("WIICARE_JWT_SECRET", "")
	t.Setenv(config.EnvConfigFile, "")
	if err := run(""); err == nil {
		t.Error("run should fail without a JWT secret")
	}

	if err := run(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("run should fail for a missing config file")
	}
}

func TestRun_InvalidLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"auth": {"jwt_secret": "s"}, "log": {"level": "chatty"}}`), 0644)
	if err := run(path); err == nil {
		t.Error("run should fail for an unknown log level")
	}
}

// FUNCTIONAL VALIDATION TEST: serve runs until its context is cancelled, then shuts down
func TestServe_ShutsDownOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = port
	cfg.Auth.JWTSecret = "main-test-secret"
	cfg.Database.Path = filepath.Join(t.TempDir(), "wiicare.db")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, zaptest.NewLogger(t)) }()

	url := "http://127.0.0.1:" + strconv.Itoa(port) + "/health"
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("Expected healthy, got %d", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never became ready: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
