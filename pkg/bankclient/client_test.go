package bankclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestLookupBankID_Success(t *testing.T) {
	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/banks/HDFC0001234" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotKey = r.Header.Get("X-Internal-API-Key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"bank_id": 7, "name": "HDFC Bank", "ifsc": "HDFC0001234"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "secret", nil, "", 0)
	id, err := client.LookupBankID(context.Background(), " hdfc0001234 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 7 {
		t.Fatalf("expected bank id 7, got %d", id)
	}
	if gotKey != "secret" {
		t.Fatalf("expected api key header, got %q", gotKey)
	}
}

func TestLookupBankID_NotFoundIsDistinctFromUnavailable(t *testing.T) {
	var status atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", nil, "", 0)

	status.Store(http.StatusNotFound)
	if _, err := client.LookupBankID(context.Background(), "NOPE0000001"); !errors.Is(err, ErrBankNotFound) {
		t.Fatalf("expected ErrBankNotFound, got %v", err)
	}

	status.Store(http.StatusBadGateway)
	_, err := client.LookupBankID(context.Background(), "NOPE0000001")
	if !errors.Is(err, ErrRegistryUnavailable) {
		t.Fatalf("expected ErrRegistryUnavailable, got %v", err)
	}
	if errors.Is(err, ErrBankNotFound) {
		t.Fatal("unavailable registry must not look like a missing bank")
	}
}

func TestLookupBankID_NetworkFailureIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewClient(url, "", nil, "", 0)
	if _, err := client.LookupBankID(context.Background(), "SBIN0000001"); !errors.Is(err, ErrRegistryUnavailable) {
		t.Fatalf("expected ErrRegistryUnavailable, got %v", err)
	}
}

func TestLookupBankID_EmptyBaseURL(t *testing.T) {
	client := NewClient("", "", nil, "", 0)
	if _, err := client.LookupBankID(context.Background(), "SBIN0000001"); !errors.Is(err, ErrRegistryUnavailable) {
		t.Fatalf("expected ErrRegistryUnavailable, got %v", err)
	}
}

func TestStaticDirectory(t *testing.T) {
	dir := NewStaticDirectory(nil)

	id, err := dir.LookupBankID(context.Background(), "sbin0001111")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected SBIN to map to 1, got %d", id)
	}

	if _, err := dir.LookupBankID(context.Background(), "ZZZZ0001111"); !errors.Is(err, ErrBankNotFound) {
		t.Fatalf("expected ErrBankNotFound, got %v", err)
	}
	if _, err := dir.LookupBankID(context.Background(), "AB"); !errors.Is(err, ErrBankNotFound) {
		t.Fatalf("expected ErrBankNotFound for short code, got %v", err)
	}
}
