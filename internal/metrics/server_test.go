package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestServe(t *testing.T) {
	c := NewTransferCollector("")
	c.ObserveChunk(247, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := Serve(ctx, "127.0.0.1:0", c.Registry())
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	defer srv.Close()

	resp, err := http.Get("http://" + srv.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if !strings.Contains(string(body), "otaflash_ota_bytes_sent_total 247") {
		t.Errorf("metrics output missing bytes counter:\n%s", body)
	}
}

func TestServeBadAddress(t *testing.T) {
	c := NewTransferCollector("")
	if _, err := Serve(context.Background(), "256.0.0.1:bad", c.Registry()); err == nil {
		t.Error("Serve() should fail for an invalid address")
	}
}
