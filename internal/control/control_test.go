package control

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"
)

type fakeRenderer struct{}

func (fakeRenderer) Render() string { return "server_frames_total 0\n" }

func startTestServer(t *testing.T, ready ReadyFunc) (*Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	s := New(addr, fakeRenderer{}, ready, nil)
	go s.ListenAndServe()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c, err := net.Dial("tcp", addr); err == nil {
			c.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	return s, addr
}

func TestMetricsEndpointReturns200(t *testing.T) {
	_, addr := startTestServer(t, nil)
	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		t.Fatal("expected non-empty metrics body")
	}
}

func TestHealthzReturns200(t *testing.T) {
	_, addr := startTestServer(t, nil)
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestReadyReflectsCallback(t *testing.T) {
	ready := false
	_, addr := startTestServer(t, func() bool { return ready })

	resp, _ := http.Get("http://" + addr + "/ready")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when not ready", resp.StatusCode)
	}
	resp.Body.Close()

	ready = true
	resp2, _ := http.Get("http://" + addr + "/ready")
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 when ready", resp2.StatusCode)
	}
	resp2.Body.Close()
}

func TestUnknownPathReturns404(t *testing.T) {
	_, addr := startTestServer(t, nil)
	resp, err := http.Get("http://" + addr + "/nope")
	if err != nil {
		t.Fatalf("GET /nope: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestNonGetReturns405(t *testing.T) {
	_, addr := startTestServer(t, nil)
	resp, err := http.Post("http://"+addr+"/healthz", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestMarkNotReadyForces503(t *testing.T) {
	s, addr := startTestServer(t, func() bool { return true })
	s.MarkNotReady()

	resp, err := http.Get("http://" + addr + "/ready")
	if err != nil {
		t.Fatalf("GET /ready: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 after MarkNotReady", resp.StatusCode)
	}
}
