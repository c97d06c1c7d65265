// Package httpapi exposes the three well-known RRDP-relay routes over
// gorilla/mux: the root identification string, the per-scope Index, and
// Named Information object retrieval by digest.
package httpapi

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"erik/internal/liveview"
	"erik/internal/wire"
)

const derMediaType = "application/octet-stream+der"

// Server wires the routes against a liveview.Holder.
type Server struct {
	holder *liveview.Holder
	log    *logrus.Logger
	router *mux.Router
}

// New constructs a Server and registers its routes.
func New(holder *liveview.Holder, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{holder: holder, log: log, router: mux.NewRouter()}
	s.router.Use(s.loggingMiddleware)
	s.router.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	s.router.HandleFunc("/.well-known/erik/index/{fqdn}", s.handleIndex).Methods(http.MethodGet)
	s.router.HandleFunc("/.well-known/ni/{alg}/{val}", s.handleNamedInfo).Methods(http.MethodGet)
	return s
}

// Handler returns the http.Handler to mount behind a listener.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":  r.Method,
			"path":    r.URL.Path,
			"elapsed": time.Since(start),
		}).Debug("erikd: request served")
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("erik-relay\n"))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	fqdn := mux.Vars(r)["fqdn"]
	view := s.holder.Load()
	if view == nil || view.Scope != fqdn {
		http.Error(w, "no index for scope", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", derMediaType)
	w.WriteHeader(http.StatusOK)
	w.Write(view.IndexBytes)
}

func (s *Server) handleNamedInfo(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if vars["alg"] != "sha-256" {
		http.Error(w, "unsupported algorithm", http.StatusBadRequest)
		return
	}
	raw, err := base64.RawURLEncoding.DecodeString(vars["val"])
	if err != nil || len(raw) != 32 {
		http.Error(w, "malformed digest", http.StatusBadRequest)
		return
	}
	var digest wire.Digest
	copy(digest[:], raw)

	view := s.holder.Load()
	if view == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	entry, ok := view.Store.Get(digest)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", derMediaType)
	w.WriteHeader(http.StatusOK)
	w.Write(entry.Bytes)
}
