// Package manifest extracts a compact ManifestRef from a published RPKI
// manifest object: a CMS-signed container whose EE certificate carries the
// Authority Key Identifier and rsync Signed-Object location, and whose
// signed content is an RFC 6486 Manifest body.
package manifest

import (
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/digitorus/pkcs7"

	"erik/internal/objectstore"
	"erik/internal/wire"
)

var (
	// ErrNotManifest is returned for entries whose URI does not end in
	// ".mft".
	ErrNotManifest = errors.New("manifest: not a .mft object")
	// ErrStale is returned when nextUpdate is in the past and stale
	// manifests were not requested.
	ErrStale = errors.New("manifest: manifest is stale")
	// ErrNoEECert is returned when the CMS container carries no signer
	// certificate.
	ErrNoEECert = errors.New("manifest: missing EE certificate")
	// ErrNoAKI is returned when the EE certificate carries no 20-byte
	// Authority Key Identifier (absent or of any other length).
	ErrNoAKI = errors.New("manifest: EE certificate missing AKI")
	// ErrNoSIALocation is returned when no Signed-Object SIA entry is
	// present on the EE certificate.
	ErrNoSIALocation = errors.New("manifest: EE certificate missing signedObject SIA entry")
)

var (
	siaExtensionOID = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 11}
	signedObjectOID = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 11}
)

type accessDescription struct {
	Method   asn1.ObjectIdentifier
	Location asn1.RawValue
}

// body is the RFC 6486 Manifest structure, decoded from the CMS eContent.
// Only the fields ManifestRef needs are modeled; fileList is skipped.
type body struct {
	ManifestNumber *big.Int
	ThisUpdate     time.Time
	NextUpdate     time.Time
}

func tryExtractAccessLocation(exts []pkcs7Extension) (string, error) {
	for _, ext := range exts {
		if !ext.Id.Equal(siaExtensionOID) {
			continue
		}
		var descs []accessDescription
		if _, err := asn1.Unmarshal(ext.Value, &descs); err != nil {
			return "", fmt.Errorf("manifest: parse SIA: %w", err)
		}
		for _, d := range descs {
			if !d.Method.Equal(signedObjectOID) {
				continue
			}
			if d.Location.Class != asn1.ClassContextSpecific || d.Location.Tag != 6 {
				continue
			}
			return string(d.Location.Bytes), nil
		}
	}
	return "", ErrNoSIALocation
}

// pkcs7Extension mirrors the subset of pkix.Extension used here, so the
// caller can pass x509.Certificate.Extensions directly via adaptExtensions.
type pkcs7Extension struct {
	Id    asn1.ObjectIdentifier
	Value []byte
}

func adaptExtensions(cert *x509.Certificate) []pkcs7Extension {
	out := make([]pkcs7Extension, 0, len(cert.Extensions))
	for _, e := range cert.Extensions {
		out = append(out, pkcs7Extension{Id: e.Id, Value: e.Value})
	}
	return out
}

// TryExtract decodes entry as an RPKI manifest and returns its compact
// reference. It returns ErrNotManifest for non-".mft" entries without
// attempting to decode them. When acceptStale is false, a manifest whose
// nextUpdate has passed yields ErrStale.
func TryExtract(entry objectstore.Entry, acceptStale bool, now time.Time) (wire.ManifestRef, error) {
	if !strings.HasSuffix(entry.URI, ".mft") {
		return wire.ManifestRef{}, ErrNotManifest
	}

	p7, err := pkcs7.Parse(entry.Bytes)
	if err != nil {
		return wire.ManifestRef{}, fmt.Errorf("manifest: parse CMS: %w", err)
	}
	if len(p7.Certificates) == 0 {
		return wire.ManifestRef{}, ErrNoEECert
	}
	eeCert := p7.Certificates[0]

	if len(eeCert.AuthorityKeyId) != 20 {
		return wire.ManifestRef{}, ErrNoAKI
	}

	location, err := tryExtractAccessLocation(adaptExtensions(eeCert))
	if err != nil {
		return wire.ManifestRef{}, err
	}

	b, err := decodeBody(p7.Content)
	if err != nil {
		return wire.ManifestRef{}, fmt.Errorf("manifest: decode body: %w", err)
	}

	if !acceptStale && b.NextUpdate.Before(now) {
		return wire.ManifestRef{}, ErrStale
	}

	d := objectstore.Digest(entry.Bytes)
	if len(entry.Bytes) > 1<<32-1 {
		return wire.ManifestRef{}, fmt.Errorf("manifest: size exceeds 2^32-1")
	}

	var aki [20]byte
	copy(aki[:], eeCert.AuthorityKeyId)

	return wire.ManifestRef{
		Digest:         d,
		Size:           uint32(len(entry.Bytes)),
		AKI:            aki,
		ManifestNumber: b.ManifestNumber,
		ThisUpdate:     b.ThisUpdate.UTC(),
		Location:       location,
	}, nil
}

func decodeBody(eContent []byte) (body, error) {
	var top []asn1.RawValue
	rest, err := asn1.Unmarshal(eContent, &top)
	if err != nil {
		return body{}, err
	}
	if len(rest) != 0 {
		return body{}, fmt.Errorf("manifest: trailing bytes after manifest body")
	}

	idx := 0
	if idx < len(top) && top[idx].Class == asn1.ClassContextSpecific && top[idx].Tag == 0 {
		idx++ // explicit/implicit version present and defaulted; value unused
	}
	if idx >= len(top) {
		return body{}, fmt.Errorf("manifest: missing manifestNumber")
	}
	var number *big.Int
	if _, err := asn1.Unmarshal(top[idx].FullBytes, &number); err != nil {
		return body{}, fmt.Errorf("manifest number: %w", err)
	}
	idx++

	if idx >= len(top) {
		return body{}, fmt.Errorf("manifest: missing thisUpdate")
	}
	var thisUpdate time.Time
	if _, err := asn1.UnmarshalWithParams(top[idx].FullBytes, &thisUpdate, "generalized"); err != nil {
		return body{}, fmt.Errorf("thisUpdate: %w", err)
	}
	idx++

	if idx >= len(top) {
		return body{}, fmt.Errorf("manifest: missing nextUpdate")
	}
	var nextUpdate time.Time
	if _, err := asn1.UnmarshalWithParams(top[idx].FullBytes, &nextUpdate, "generalized"); err != nil {
		return body{}, fmt.Errorf("nextUpdate: %w", err)
	}

	return body{ManifestNumber: number, ThisUpdate: thisUpdate, NextUpdate: nextUpdate}, nil
}
