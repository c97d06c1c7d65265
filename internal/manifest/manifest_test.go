package manifest

import (
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"erik/internal/objectstore"
)

func TestTryExtractRejectsNonManifestURI(t *testing.T) {
	entry := objectstore.Entry{URI: "rsync://example.net/repo/cert.cer", Bytes: []byte("irrelevant")}
	_, err := TryExtract(entry, true, time.Now())
	if err != ErrNotManifest {
		t.Fatalf("expected ErrNotManifest, got %v", err)
	}
}

func TestDecodeBodyRoundTrip(t *testing.T) {
	thisUpdate := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	nextUpdate := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	numberTLV, err := asn1.Marshal(big.NewInt(7))
	if err != nil {
		t.Fatalf("marshal number: %v", err)
	}
	thisTLV, err := asn1.MarshalWithParams(thisUpdate, "generalized")
	if err != nil {
		t.Fatalf("marshal thisUpdate: %v", err)
	}
	nextTLV, err := asn1.MarshalWithParams(nextUpdate, "generalized")
	if err != nil {
		t.Fatalf("marshal nextUpdate: %v", err)
	}

	content := append(append(append([]byte{}, numberTLV...), thisTLV...), nextTLV...)
	seq := wrapSequence(content)

	b, err := decodeBody(seq)
	if err != nil {
		t.Fatalf("decodeBody failed: %v", err)
	}
	if b.ManifestNumber.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("unexpected manifest number: %v", b.ManifestNumber)
	}
	if !b.ThisUpdate.Equal(thisUpdate) {
		t.Fatalf("unexpected thisUpdate: %v", b.ThisUpdate)
	}
	if !b.NextUpdate.Equal(nextUpdate) {
		t.Fatalf("unexpected nextUpdate: %v", b.NextUpdate)
	}
}

func TestTryExtractAccessLocationFindsSignedObject(t *testing.T) {
	locTLV, err := asn1.MarshalWithParams("rsync://example.net/repo/ca.mft", "ia5,tag:6")
	if err != nil {
		t.Fatalf("marshal location: %v", err)
	}
	methodTLV, err := asn1.Marshal(signedObjectOID)
	if err != nil {
		t.Fatalf("marshal method: %v", err)
	}
	ad := wrapSequence(append(append([]byte{}, methodTLV...), locTLV...))
	descs := wrapSequence(ad)

	loc, err := tryExtractAccessLocation([]pkcs7Extension{{Id: siaExtensionOID, Value: descs}})
	if err != nil {
		t.Fatalf("tryExtractAccessLocation failed: %v", err)
	}
	if loc != "rsync://example.net/repo/ca.mft" {
		t.Fatalf("unexpected location: %s", loc)
	}
}

func TestTryExtractAccessLocationMissing(t *testing.T) {
	if _, err := tryExtractAccessLocation(nil); err != ErrNoSIALocation {
		t.Fatalf("expected ErrNoSIALocation, got %v", err)
	}
}

func wrapSequence(content []byte) []byte {
	out := []byte{0x30}
	out = append(out, derLen(len(content))...)
	return append(out, content...)
}

func derLen(n int) []byte {
	if n < 0x80 {
		return []byte{byte(n)}
	}
	var be []byte
	for n > 0 {
		be = append([]byte{byte(n)}, be...)
		n >>= 8
	}
	return append([]byte{byte(0x80 | len(be))}, be...)
}
