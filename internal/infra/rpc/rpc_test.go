package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newServer(t *testing.T, result string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode body: %v", err)
			return
		}
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":` + result + `}`))
	}))
}

func TestRegistry_ClientCall(t *testing.T) {
	server := newServer(t, `"0x10"`)
	defer server.Close()

	registry := NewRegistry()
	registry.Register("rsk_testnet", NewHTTPProvider("mock", server.URL, 5*time.Second))

	client, err := registry.Client("rsk_testnet")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var head string
	if err := client.Call(context.Background(), &head, "eth_blockNumber"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if head != "0x10" {
		t.Errorf("expected 0x10, got %s", head)
	}
}

func TestRegistry_UnknownChain(t *testing.T) {
	registry := NewRegistry()
	if _, err := registry.Client("nope"); err == nil {
		t.Fatal("expected error for unknown chain")
	}
}

func TestClient_NullResult(t *testing.T) {
	server := newServer(t, `null`)
	defer server.Close()

	registry := NewRegistry()
	client := registry.Register("eth_testnet", NewHTTPProvider("mock", server.URL, 5*time.Second))

	var receipt map[string]any
	err := client.Call(context.Background(), &receipt, "eth_getTransactionReceipt", "0x01")
	if !errors.Is(err, ErrNullResult) {
		t.Errorf("expected ErrNullResult, got %v", err)
	}
}

func TestRegistry_ProviderStats(t *testing.T) {
	server := newServer(t, `"0x1"`)
	defer server.Close()

	registry := NewRegistry()
	client := registry.Register("rsk_testnet", NewHTTPProvider("node", server.URL, 5*time.Second))
	if err := client.Call(context.Background(), nil, "eth_blockNumber"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := registry.ProviderStats()["rsk_testnet"]["node"]
	if stats.RequestsLast1Hour != 1 {
		t.Errorf("expected 1 request, got %d", stats.RequestsLast1Hour)
	}
}
