// Package rrdp drives the RRDP notification/snapshot/delta state machine:
// it keeps a content-addressed object store and an AKI-to-ManifestRef map
// current by polling an upstream notification file and applying whatever
// snapshot or delta path the comparison against stored state calls for.
package rrdp

import (
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"erik/internal/fetchresolver"
	"erik/internal/manifest"
	"erik/internal/objectstore"
	"erik/internal/wire"
)

// ErrInconsistentDelta is returned (and triggers a fallback to the
// snapshot path) when a delta references an object that isn't known.
var ErrInconsistentDelta = errors.New("rrdp: delta references an unknown object")

// ErrNonContiguousDeltas is returned when the notification's advertised
// deltas do not form a contiguous chain up to the new serial.
var ErrNonContiguousDeltas = errors.New("rrdp: deltas do not form a contiguous chain")

type notificationXML struct {
	XMLName   xml.Name `xml:"notification"`
	SessionID string   `xml:"session_id,attr"`
	Serial    uint64   `xml:"serial,attr"`
	Snapshot  struct {
		URI  string `xml:"uri,attr"`
		Hash string `xml:"hash,attr"`
	} `xml:"snapshot"`
	Deltas []struct {
		Serial uint64 `xml:"serial,attr"`
		URI    string `xml:"uri,attr"`
		Hash   string `xml:"hash,attr"`
	} `xml:"delta"`
}

type snapshotXML struct {
	XMLName   xml.Name `xml:"snapshot"`
	SessionID string   `xml:"session_id,attr"`
	Serial    uint64   `xml:"serial,attr"`
	Publishes []struct {
		URI  string `xml:"uri,attr"`
		Data string `xml:",chardata"`
	} `xml:"publish"`
}

type deltaXML struct {
	XMLName   xml.Name `xml:"delta"`
	SessionID string   `xml:"session_id,attr"`
	Serial    uint64   `xml:"serial,attr"`
	Publishes []struct {
		URI  string `xml:"uri,attr"`
		Hash string `xml:"hash,attr"`
		Data string `xml:",chardata"`
	} `xml:"publish"`
	Withdraws []struct {
		URI  string `xml:"uri,attr"`
		Hash string `xml:"hash,attr"`
	} `xml:"withdraw"`
}

// State is the relay's RRDP session state. Engine owns one State at a
// time and replaces it wholesale on session changes.
type State struct {
	NotifyURI string
	SessionID uuid.UUID
	Serial    uint64
	ETag      string
	Store     *objectstore.Store
	Manifests map[[20]byte]wire.ManifestRef
}

// Engine drives the state machine described in §4.D. It is not safe for
// concurrent Poll calls; the caller (typically one goroutine) must
// serialize them, matching the "at most one RRDP ingest in flight"
// resource constraint.
type Engine struct {
	resolver *fetchresolver.Resolver
	log      *logrus.Logger
	state    *State
}

// New constructs an Engine with no state; call InitialSync before Poll.
func New(resolver *fetchresolver.Resolver, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{resolver: resolver, log: log}
}

// State returns the engine's current state, or nil before InitialSync.
func (e *Engine) State() *State { return e.state }

// InitialSync fetches and installs the upstream notification and snapshot
// from scratch.
func (e *Engine) InitialSync(notifyURI string) error {
	notif, etag, err := e.fetchNotification(notifyURI, "")
	if err != nil {
		return fmt.Errorf("rrdp: initial notification fetch: %w", err)
	}
	sessionID, err := uuid.Parse(notif.SessionID)
	if err != nil {
		return fmt.Errorf("rrdp: parse session_id: %w", err)
	}

	store := objectstore.New(0)
	if err := e.installSnapshot(store, notif.Snapshot.URI, notif.Snapshot.Hash); err != nil {
		return fmt.Errorf("rrdp: install snapshot: %w", err)
	}

	e.state = &State{
		NotifyURI: notifyURI,
		SessionID: sessionID,
		Serial:    notif.Serial,
		ETag:      etag,
		Store:     store,
		Manifests: rebuildManifests(store, e.log),
	}
	return nil
}

// Poll implements a single poll cycle against the stored notify URI.
// Returns updated=false when nothing changed.
func (e *Engine) Poll() (updated bool, err error) {
	if e.state == nil {
		return false, fmt.Errorf("rrdp: Poll called before InitialSync")
	}

	notif, etag, notModified, err := e.fetchNotificationConditional(e.state.NotifyURI, e.state.ETag)
	if err != nil {
		return false, fmt.Errorf("rrdp: poll notification fetch: %w", err)
	}
	if notModified {
		return false, nil
	}

	// Per §4.D: store the new etag before applying deltas/snapshot.
	e.state.ETag = etag

	sessionID, err := uuid.Parse(notif.SessionID)
	if err != nil {
		return false, fmt.Errorf("rrdp: parse session_id: %w", err)
	}

	if sessionID == e.state.SessionID && notif.Serial == e.state.Serial {
		return false, nil
	}

	if sessionID != e.state.SessionID {
		return true, e.sessionChange(notif, sessionID, etag)
	}

	if notif.Serial > e.state.Serial {
		if err := e.deltaPath(notif); err != nil {
			e.log.WithError(err).Warn("rrdp: delta path failed, falling back to snapshot")
			return true, e.sessionChange(notif, sessionID, etag)
		}
		return true, nil
	}

	return false, nil
}

func (e *Engine) sessionChange(notif *notificationXML, sessionID uuid.UUID, etag string) error {
	store := objectstore.New(0)
	if err := e.installSnapshot(store, notif.Snapshot.URI, notif.Snapshot.Hash); err != nil {
		return fmt.Errorf("rrdp: install snapshot on session change: %w", err)
	}
	e.state.SessionID = sessionID
	e.state.Serial = notif.Serial
	e.state.ETag = etag
	e.state.Store = store
	e.state.Manifests = rebuildManifests(store, e.log)
	return nil
}

func (e *Engine) deltaPath(notif *notificationXML) error {
	sort.Slice(notif.Deltas, func(i, j int) bool { return notif.Deltas[i].Serial < notif.Deltas[j].Serial })

	start := e.state.Serial + 1
	var chain []struct {
		Serial uint64
		URI    string
		Hash   string
	}
	for _, d := range notif.Deltas {
		if d.Serial < start {
			continue
		}
		chain = append(chain, struct {
			Serial uint64
			URI    string
			Hash   string
		}{d.Serial, d.URI, d.Hash})
	}
	if len(chain) == 0 || chain[0].Serial != start || chain[len(chain)-1].Serial != notif.Serial {
		return ErrNonContiguousDeltas
	}
	for i := 1; i < len(chain); i++ {
		if chain[i].Serial != chain[i-1].Serial+1 {
			return ErrNonContiguousDeltas
		}
	}

	// Apply the whole chain against a staged copy so a mid-chain failure
	// never touches the live store: e.state.Store is only swapped in once
	// every delta in the chain has applied cleanly.
	staged := e.state.Store.Clone()
	for _, d := range chain {
		if err := e.applyDelta(staged, d.URI, d.Hash); err != nil {
			return err
		}
	}

	e.state.Serial = notif.Serial
	e.state.Store = staged
	e.state.Manifests = rebuildManifests(staged, e.log)
	return nil
}

func (e *Engine) applyDelta(store *objectstore.Store, uri, hash string) error {
	body, err := e.fetchAndVerify(uri, hash)
	if err != nil {
		return err
	}
	var d deltaXML
	if err := xml.Unmarshal(body, &d); err != nil {
		return fmt.Errorf("rrdp: parse delta: %w", err)
	}

	for _, w := range d.Withdraws {
		digest, err := digestFromHex(w.Hash)
		if err != nil {
			return fmt.Errorf("rrdp: withdraw hash: %w", err)
		}
		if _, ok := store.Get(digest); !ok {
			return fmt.Errorf("%w: withdraw of %s", ErrInconsistentDelta, w.URI)
		}
	}

	for _, p := range d.Publishes {
		raw, err := base64.StdEncoding.DecodeString(collapseWhitespace(p.Data))
		if err != nil {
			return fmt.Errorf("rrdp: decode publish content: %w", err)
		}
		if p.Hash != "" {
			prior, err := digestFromHex(p.Hash)
			if err != nil {
				return fmt.Errorf("rrdp: update hash: %w", err)
			}
			if _, ok := store.Get(prior); !ok {
				return fmt.Errorf("%w: update of %s", ErrInconsistentDelta, p.URI)
			}
		}
		store.InsertIfAbsent(p.URI, raw)
	}
	return nil
}

func (e *Engine) installSnapshot(store *objectstore.Store, uri, hash string) error {
	body, err := e.fetchAndVerify(uri, hash)
	if err != nil {
		return err
	}
	var snap snapshotXML
	if err := xml.Unmarshal(body, &snap); err != nil {
		return fmt.Errorf("rrdp: parse snapshot: %w", err)
	}
	for _, p := range snap.Publishes {
		raw, err := base64.StdEncoding.DecodeString(collapseWhitespace(p.Data))
		if err != nil {
			return fmt.Errorf("rrdp: decode snapshot content: %w", err)
		}
		store.InsertIfAbsent(p.URI, raw)
	}
	return nil
}

func (e *Engine) fetchAndVerify(uri, hexHash string) ([]byte, error) {
	src, err := e.resolver.Resolve(uri)
	if err != nil {
		return nil, err
	}
	resp, err := e.resolver.Fetch(src, "")
	if err != nil {
		return nil, err
	}
	want, err := digestFromHex(hexHash)
	if err != nil {
		return nil, fmt.Errorf("rrdp: bad hash attribute: %w", err)
	}
	if got := objectstore.Digest(resp.Bytes); got != want {
		return nil, fmt.Errorf("rrdp: integrity mismatch fetching %s", uri)
	}
	return resp.Bytes, nil
}

func (e *Engine) fetchNotification(uri, etag string) (*notificationXML, string, error) {
	notif, newEtag, notModified, err := e.fetchNotificationConditional(uri, etag)
	if err != nil {
		return nil, "", err
	}
	if notModified {
		return nil, "", fmt.Errorf("rrdp: unexpected 304 on initial fetch")
	}
	return notif, newEtag, nil
}

func (e *Engine) fetchNotificationConditional(uri, etag string) (*notificationXML, string, bool, error) {
	src, err := e.resolver.Resolve(uri)
	if err != nil {
		return nil, "", false, err
	}
	resp, err := e.resolver.Fetch(src, etag)
	if err != nil {
		return nil, "", false, err
	}
	if resp.NotModified {
		return nil, etag, true, nil
	}
	var notif notificationXML
	if err := xml.Unmarshal(resp.Bytes, &notif); err != nil {
		return nil, "", false, fmt.Errorf("rrdp: parse notification: %w", err)
	}
	return &notif, resp.ETag, false, nil
}

func rebuildManifests(store *objectstore.Store, log *logrus.Logger) map[[20]byte]wire.ManifestRef {
	out := make(map[[20]byte]wire.ManifestRef)
	for _, d := range store.Digests() {
		entry, ok := store.Get(d)
		if !ok {
			continue
		}
		ref, err := manifest.TryExtract(entry, true, time.Now())
		if err != nil {
			if err != manifest.ErrNotManifest {
				log.WithError(err).WithField("uri", entry.URI).Debug("rrdp: skipping manifest")
			}
			continue
		}
		existing, ok := out[ref.AKI]
		if !ok || ref.ManifestNumber.Cmp(existing.ManifestNumber) > 0 {
			out[ref.AKI] = ref
		}
	}
	return out
}

func digestFromHex(s string) (wire.Digest, error) {
	var d wire.Digest
	b, err := decodeHex(s)
	if err != nil {
		return d, err
	}
	if len(b) != 32 {
		return d, fmt.Errorf("hash has length %d, want 32", len(b))
	}
	copy(d[:], b)
	return d, nil
}
