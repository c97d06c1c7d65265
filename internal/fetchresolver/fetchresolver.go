// Package fetchresolver maps an RRDP-referenced HTTPS URI either to a
// remote fetch or to a local filesystem fixture, and performs conditional
// GETs against whichever source resolution picked.
package fetchresolver

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	userAgentDefault = "erik-relay/0.1"
	fetchTimeout     = 60 * time.Second
)

// ErrUnexpectedStatus is returned when a remote fetch responds with a
// status other than 200 or 304.
var ErrUnexpectedStatus = errors.New("fetchresolver: unexpected HTTP status")

// DiskMapping maps a lowercased HTTPS authority to a local base directory
// used instead of dialing out.
type DiskMapping struct {
	Host    string
	BaseDir string
}

// Source is the result of resolving a URI: either a remote target or a
// local path.
type Source struct {
	Remote bool
	URL    string // set when Remote
	Path   string // set when !Remote
}

// Response is the outcome of a fetch: either fresh Data or NotModified.
type Response struct {
	NotModified bool
	Bytes       []byte
	ETag        string
}

// Resolver resolves and fetches RRDP artifacts, reusing one HTTP client
// across calls as required by the shared-resource contract.
type Resolver struct {
	mappings  []DiskMapping
	client    *http.Client
	userAgent string
}

// New constructs a Resolver. insecureTLS disables certificate validation,
// a documented development default; mappings are consulted in order, first
// match wins.
func New(mappings []DiskMapping, userAgent string, insecureTLS bool) *Resolver {
	if userAgent == "" {
		userAgent = userAgentDefault
	}
	transport := &http.Transport{}
	if insecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &Resolver{
		mappings:  mappings,
		userAgent: userAgent,
		client: &http.Client{
			Timeout:   fetchTimeout,
			Transport: transport,
		},
	}
}

// Resolve deterministically maps uri to a remote or local Source.
func (r *Resolver) Resolve(rawURI string) (Source, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return Source{}, fmt.Errorf("fetchresolver: parse uri: %w", err)
	}
	host := strings.ToLower(u.Host)
	for _, m := range r.mappings {
		if strings.ToLower(m.Host) != host {
			continue
		}
		p := strings.TrimPrefix(u.Path, "/")
		return Source{Remote: false, Path: filepath.Join(m.BaseDir, filepath.FromSlash(p))}, nil
	}
	return Source{Remote: true, URL: rawURI}, nil
}

// Fetch retrieves src, sending If-None-Match when etag is non-empty and
// src is remote. Local sources ignore etag and always return fresh Data.
func (r *Resolver) Fetch(src Source, etag string) (Response, error) {
	if !src.Remote {
		b, err := os.ReadFile(src.Path)
		if err != nil {
			return Response{}, fmt.Errorf("fetchresolver: read %s: %w", src.Path, err)
		}
		return Response{Bytes: b}, nil
	}

	req, err := http.NewRequest(http.MethodGet, src.URL, nil)
	if err != nil {
		return Response{}, fmt.Errorf("fetchresolver: build request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("fetchresolver: fetch %s: %w", src.URL, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return Response{NotModified: true}, nil
	case http.StatusOK:
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return Response{}, fmt.Errorf("fetchresolver: read body: %w", err)
		}
		return Response{Bytes: b, ETag: resp.Header.Get("ETag")}, nil
	default:
		return Response{}, fmt.Errorf("%w: %d from %s", ErrUnexpectedStatus, resp.StatusCode, src.URL)
	}
}
