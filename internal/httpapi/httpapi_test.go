package httpapi

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"erik/internal/liveview"
	"erik/internal/objectstore"
)

func newTestServer() (*httptest.Server, *liveview.Holder) {
	holder := &liveview.Holder{}
	srv := httptest.NewServer(New(holder, nil).Handler())
	return srv, holder
}

func TestHandleRoot(t *testing.T) {
	srv, _ := newTestServer()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET / failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHandleIndexNotFoundWithoutView(t *testing.T) {
	srv, _ := newTestServer()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/.well-known/erik/index/rrdp.example.net")
	if err != nil {
		t.Fatalf("GET index failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHandleIndexServesCurrentView(t *testing.T) {
	srv, holder := newTestServer()
	defer srv.Close()

	indexBytes := []byte("fake der bytes")
	holder.Store(&liveview.View{Scope: "rrdp.example.net", IndexBytes: indexBytes, Store: objectstore.New(0)})

	resp, err := http.Get(srv.URL + "/.well-known/erik/index/rrdp.example.net")
	if err != nil {
		t.Fatalf("GET index failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != derMediaType {
		t.Fatalf("unexpected content type: %s", ct)
	}
}

func TestHandleNamedInfoBadAlgorithm(t *testing.T) {
	srv, _ := newTestServer()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/.well-known/ni/sha-1/AAAA")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHandleNamedInfoWrongLength(t *testing.T) {
	srv, _ := newTestServer()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/.well-known/ni/sha-256/AAAA")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHandleNamedInfoServesObject(t *testing.T) {
	srv, holder := newTestServer()
	defer srv.Close()

	store := objectstore.New(0)
	content := []byte("object bytes")
	digest := store.InsertIfAbsent("rsync://example.net/x.cer", content)
	holder.Store(&liveview.View{Scope: "rrdp.example.net", Store: store})

	encoded := base64.RawURLEncoding.EncodeToString(digest[:])
	resp, err := http.Get(srv.URL + "/.well-known/ni/sha-256/" + encoded)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != derMediaType {
		t.Fatalf("unexpected content type: %s", ct)
	}
}

func TestHandleNamedInfoNotFound(t *testing.T) {
	srv, holder := newTestServer()
	defer srv.Close()

	holder.Store(&liveview.View{Scope: "rrdp.example.net", Store: objectstore.New(0)})

	var digest [32]byte
	encoded := base64.RawURLEncoding.EncodeToString(digest[:])
	resp, err := http.Get(srv.URL + "/.well-known/ni/sha-256/" + encoded)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
