package transport

import (
	"compress/gzip"
	"context"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)

	caPath := filepath.Join(t.TempDir(), "ca.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	if err := os.WriteFile(caPath, pemBytes, 0600); err != nil {
		t.Fatalf("write ca bundle: %v", err)
	}
	return srv, caPath
}

func TestGetAttachesAgentIDQueryParam(t *testing.T) {
	var gotQuery string
	srv, caPath := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("agent_id")
		w.WriteHeader(http.StatusOK)
	})

	tr, err := New(srv.URL, "deadbeef", caPath, "/no/such/cert", "/no/such/key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	status, _, err := tr.Get(context.Background(), "/time/")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if gotQuery != "deadbeef" {
		t.Fatalf("agent_id query = %q", gotQuery)
	}
}

func TestPutGzipsBodyAndInvokesHook(t *testing.T) {
	srv, caPath := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") != "gzip" {
			t.Errorf("missing Content-Encoding: gzip")
		}
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Errorf("body is not gzip: %v", err)
			return
		}
		data, _ := io.ReadAll(zr)
		if string(data) != "payload" {
			t.Errorf("decompressed body = %q", data)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"OK"}`))
	})

	tr, err := New(srv.URL, "deadbeef", caPath, "/no/such/cert", "/no/such/key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var hookStatus int
	var hookBody []byte
	err = tr.Put(context.Background(), "/store_data", []byte("payload"), func(status int, body []byte) {
		hookStatus = status
		hookBody = body
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if hookStatus != http.StatusOK {
		t.Fatalf("hook status = %d", hookStatus)
	}
	if string(hookBody) != `{"status":"OK"}` {
		t.Fatalf("hook body = %s", hookBody)
	}
}

func TestNotEnrolledWithoutClientCert(t *testing.T) {
	_, caPath := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})
	tr, err := New("https://example.invalid", "id", caPath, "/no/such/cert", "/no/such/key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tr.Enrolled() {
		t.Fatalf("expected Enrolled() == false without cert/key files")
	}
}
