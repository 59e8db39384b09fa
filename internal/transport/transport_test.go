package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

type payload struct {
	OK bool `json:"ok"`
}

func TestRequestJSONSuccessOnFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, AppName: "tau", RetryMaxAttempts: 3, RetryBaseDelayMS: 1})
	got, err := RequestJSON[payload](context.Background(), c, "test_op", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	})
	if err != nil {
		t.Fatalf("RequestJSON() error = %v", err)
	}
	if !got.OK {
		t.Fatalf("got %+v, want OK=true", got)
	}
}

func TestRequestJSONRetriesOn500ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, AppName: "tau", RetryMaxAttempts: 5, RetryBaseDelayMS: 1})
	got, err := RequestJSON[payload](context.Background(), c, "test_op", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	})
	if err != nil {
		t.Fatalf("RequestJSON() error = %v", err)
	}
	if !got.OK || calls != 3 {
		t.Fatalf("got %+v after %d calls, want OK=true after 3 calls", got, calls)
	}
}

func TestRequestJSONExhaustsRetriesReturnsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("server is down"))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, AppName: "tau", RetryMaxAttempts: 2, RetryBaseDelayMS: 1})
	_, err := RequestJSON[payload](context.Background(), c, "test_op", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	})
	if err == nil {
		t.Fatalf("RequestJSON() error = nil, want TransportError")
	}
	var terr *TransportError
	if !errorsAsTransportError(err, &terr) {
		t.Fatalf("error = %v, want *TransportError", err)
	}
	if terr.StatusOrKind != "503" {
		t.Fatalf("StatusOrKind = %q, want 503", terr.StatusOrKind)
	}
}

func TestRequestJSONDoesNotRetryOn400(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, AppName: "tau", RetryMaxAttempts: 5, RetryBaseDelayMS: 1})
	_, err := RequestJSON[payload](context.Background(), c, "test_op", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	})
	if err == nil {
		t.Fatalf("expected error for 400 response")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on 400)", calls)
	}
}

func TestRequestBytesReturnsRawBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("binary-ish data"))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, AppName: "tau", RetryMaxAttempts: 1, RetryBaseDelayMS: 1})
	got, err := RequestBytes(context.Background(), c, "download", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	})
	if err != nil {
		t.Fatalf("RequestBytes() error = %v", err)
	}
	if string(got) != "binary-ish data" {
		t.Fatalf("got %q", got)
	}
}

func TestRequestJSONDecodesBodyLargerThanErrorBodyCap(t *testing.T) {
	// Regression: do() must only truncate to maxErrorBodyBytes when
	// building a TransportError's redacted body, never on a 2xx success
	// body (a real chat.postMessage/chat.update echo routinely exceeds
	// 800 bytes).
	long := make([]byte, maxErrorBodyBytes*2)
	for i := range long {
		long[i] = 'a'
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"padding":"`))
		w.Write(long)
		w.Write([]byte(`"}`))
	}))
	defer srv.Close()

	type paddedPayload struct {
		OK      bool   `json:"ok"`
		Padding string `json:"padding"`
	}

	c := New(Config{BaseURL: srv.URL, AppName: "tau", RetryMaxAttempts: 1, RetryBaseDelayMS: 1})
	got, err := RequestJSON[paddedPayload](context.Background(), c, "test_op", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	})
	if err != nil {
		t.Fatalf("RequestJSON() error = %v, want nil", err)
	}
	if len(got.Padding) != len(long) {
		t.Fatalf("Padding len = %d, want %d (body must not be truncated on success)", len(got.Padding), len(long))
	}
}

func errorsAsTransportError(err error, target **TransportError) bool {
	te, ok := err.(*TransportError)
	if ok {
		*target = te
	}
	return ok
}
