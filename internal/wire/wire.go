// Package wire implements the canonical DER encoding and strict DER decoding
// of the ErikIndex and ErikPartition on-wire structures. Encoding is built
// from hand-assembled TLVs rather than a single asn1.Marshal call: the
// partition and manifest-ref sequences must be emitted in sorted order and
// the outer index wraps an independently-encoded inner SEQUENCE inside an
// OCTET STRING, neither of which the struct-tag encoder expresses directly.
package wire

import (
	"bytes"
	"encoding/asn1"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"time"
)

// ErikIndexOID identifies the outer ErikIndex wrapper.
var ErikIndexOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 41948, 826}

// SHA256OID is the only hash algorithm this codec accepts.
var SHA256OID = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}

// signedObjectOID is id-ad-signedObject, the SIA access method that points
// at the rsync location of the object a manifest entry or EE cert signs.
var signedObjectOID = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 11}

// Digest is a SHA-256 content digest.
type Digest [32]byte

func (d Digest) String() string { return fmt.Sprintf("%x", d[:]) }

// Less reports whether d sorts strictly before o, used for the ascending
// digest ordering required of both PartitionRef and ManifestRef sequences.
func (d Digest) Less(o Digest) bool { return bytes.Compare(d[:], o[:]) < 0 }

// ManifestRef is the decoded, in-memory form of an on-wire ManifestRef.
type ManifestRef struct {
	Digest         Digest
	Size           uint32
	AKI            [20]byte
	ManifestNumber *big.Int
	ThisUpdate     time.Time
	Location       string // rsync URI, id-ad-signedObject
}

// Equal reports digest equality, the sole notion of equality for ManifestRef.
func (m ManifestRef) Equal(o ManifestRef) bool { return m.Digest == o.Digest }

// PartitionRef names an encoded Partition by digest and size.
type PartitionRef struct {
	Digest Digest
	Size   uint32
}

// Partition is the decoded form of an ErikPartition: a non-empty, single
// partition-key bucket of manifest references.
type Partition struct {
	PartitionTime time.Time
	Refs          []ManifestRef
}

// Index is the decoded form of an ErikIndex.
type Index struct {
	Scope      string
	IndexTime  time.Time
	Partitions []PartitionRef
}

var (
	// ErrWrongOID is returned when the outer wrapper OID does not match
	// ErikIndexOID.
	ErrWrongOID = errors.New("wire: wrong index OID")
	// ErrWrongHashAlg is returned when the declared hash algorithm is not
	// SHA-256.
	ErrWrongHashAlg = errors.New("wire: hash algorithm is not SHA-256")
	// ErrBadHashLength is returned when a digest field is not 32 bytes.
	ErrBadHashLength = errors.New("wire: hash has wrong length")
	// ErrBadAKILength is returned when an AKI field is not 20 bytes.
	ErrBadAKILength = errors.New("wire: AKI has wrong length")
	// ErrSizeOverflow is returned when a size field would require more
	// than 32 bits.
	ErrSizeOverflow = errors.New("wire: size exceeds 2^32-1")
	// ErrTrailingData is returned when a structure carries unknown
	// trailing elements.
	ErrTrailingData = errors.New("wire: unknown trailing elements")
	// ErrMalformed covers any other structural decode failure.
	ErrMalformed = errors.New("wire: malformed DER structure")
	// ErrWrongAccessMethod is returned when a ManifestRef's single
	// location entry isn't id-ad-signedObject.
	ErrWrongAccessMethod = errors.New("wire: access method is not id-ad-signedObject")
)

// --- small DER assembly helpers -------------------------------------------

func derLength(n int) []byte {
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

func wrapTag(tag byte, content []byte) []byte {
	out := make([]byte, 0, 2+len(content))
	out = append(out, tag)
	out = append(out, derLength(len(content))...)
	out = append(out, content...)
	return out
}

func concatAll(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func sizeToInt(size uint32) (int, error) {
	if uint64(size) > math.MaxUint32 {
		return 0, ErrSizeOverflow
	}
	return int(size), nil
}

// --- encoding ---------------------------------------------------------

// EncodeIndex produces the canonical DER encoding of idx. Partitions are
// sorted ascending by digest before emission, regardless of input order.
func EncodeIndex(idx Index) ([]byte, error) {
	sorted := append([]PartitionRef(nil), idx.Partitions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Digest.Less(sorted[j].Digest) })

	var partTLVs [][]byte
	for _, p := range sorted {
		hashTLV, err := asn1.Marshal(p.Digest[:])
		if err != nil {
			return nil, err
		}
		n, err := sizeToInt(p.Size)
		if err != nil {
			return nil, err
		}
		sizeTLV, err := asn1.Marshal(n)
		if err != nil {
			return nil, err
		}
		partTLVs = append(partTLVs, wrapTag(0x30, concatAll(hashTLV, sizeTLV)))
	}
	partitionsSeq := wrapTag(0x30, concatAll(partTLVs...))

	scopeTLV, err := asn1.MarshalWithParams(idx.Scope, "ia5")
	if err != nil {
		return nil, err
	}
	timeTLV, err := asn1.MarshalWithParams(idx.IndexTime.UTC(), "generalized")
	if err != nil {
		return nil, err
	}
	hashAlgTLV, err := asn1.Marshal(SHA256OID)
	if err != nil {
		return nil, err
	}

	innerSeq := wrapTag(0x30, concatAll(scopeTLV, timeTLV, hashAlgTLV, partitionsSeq))

	octetTLV, err := asn1.Marshal(innerSeq)
	if err != nil {
		return nil, err
	}
	explicitTLV := wrapTag(0xA0, octetTLV)

	oidTLV, err := asn1.Marshal(ErikIndexOID)
	if err != nil {
		return nil, err
	}
	return wrapTag(0x30, concatAll(oidTLV, explicitTLV)), nil
}

// EncodePartition produces the canonical DER encoding of p. Manifest
// references are sorted ascending by digest before emission.
func EncodePartition(p Partition) ([]byte, error) {
	sorted := append([]ManifestRef(nil), p.Refs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Digest.Less(sorted[j].Digest) })

	var refTLVs [][]byte
	for _, r := range sorted {
		tlv, err := encodeManifestRef(r)
		if err != nil {
			return nil, err
		}
		refTLVs = append(refTLVs, tlv)
	}
	refsSeq := wrapTag(0x30, concatAll(refTLVs...))

	timeTLV, err := asn1.MarshalWithParams(p.PartitionTime.UTC(), "generalized")
	if err != nil {
		return nil, err
	}
	hashAlgTLV, err := asn1.Marshal(SHA256OID)
	if err != nil {
		return nil, err
	}
	return wrapTag(0x30, concatAll(timeTLV, hashAlgTLV, refsSeq)), nil
}

func encodeManifestRef(r ManifestRef) ([]byte, error) {
	if len(r.AKI) != 20 {
		return nil, ErrBadAKILength
	}
	hashTLV, err := asn1.Marshal(r.Digest[:])
	if err != nil {
		return nil, err
	}
	n, err := sizeToInt(r.Size)
	if err != nil {
		return nil, err
	}
	sizeTLV, err := asn1.Marshal(n)
	if err != nil {
		return nil, err
	}
	akiTLV, err := asn1.Marshal(r.AKI[:])
	if err != nil {
		return nil, err
	}
	manifestNumber := r.ManifestNumber
	if manifestNumber == nil {
		manifestNumber = big.NewInt(0)
	}
	numberTLV, err := asn1.Marshal(manifestNumber)
	if err != nil {
		return nil, err
	}
	thisUpdateTLV, err := asn1.MarshalWithParams(r.ThisUpdate.UTC(), "generalized")
	if err != nil {
		return nil, err
	}
	locationTLV, err := asn1.MarshalWithParams(r.Location, "ia5,tag:6")
	if err != nil {
		return nil, err
	}
	methodTLV, err := asn1.Marshal(signedObjectOID)
	if err != nil {
		return nil, err
	}
	accessDescription := wrapTag(0x30, concatAll(methodTLV, locationTLV))
	locations := wrapTag(0x30, accessDescription)

	content := concatAll(hashTLV, sizeTLV, akiTLV, numberTLV, thisUpdateTLV, locations)
	return wrapTag(0x30, content), nil
}

// --- decoding ---------------------------------------------------------

func children(der []byte) ([]asn1.RawValue, error) {
	var elems []asn1.RawValue
	rest, err := asn1.Unmarshal(der, &elems)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(rest) != 0 {
		return nil, ErrTrailingData
	}
	return elems, nil
}

// DecodeIndex parses and strictly validates a DER-encoded ErikIndex.
func DecodeIndex(der []byte) (*Index, error) {
	outer, err := children(der)
	if err != nil {
		return nil, err
	}
	if len(outer) != 2 {
		return nil, fmt.Errorf("%w: expected 2 outer elements, got %d", ErrMalformed, len(outer))
	}

	var oid asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(outer[0].FullBytes, &oid); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !oid.Equal(ErikIndexOID) {
		return nil, ErrWrongOID
	}

	explicit := outer[1]
	if explicit.Class != asn1.ClassContextSpecific || explicit.Tag != 0 {
		return nil, fmt.Errorf("%w: missing [0] EXPLICIT wrapper", ErrMalformed)
	}
	var innerDER []byte
	if _, err := asn1.Unmarshal(explicit.Bytes, &innerDER); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	inner, err := children(innerDER)
	if err != nil {
		return nil, err
	}

	idxField := 0
	if idxField < len(inner) && inner[idxField].Class == asn1.ClassContextSpecific && inner[idxField].Tag == 0 {
		// legacy/explicit version present; value is ignored beyond decoding.
		var version int
		if _, err := asn1.UnmarshalWithParams(inner[idxField].FullBytes, &version, "tag:0"); err != nil {
			return nil, fmt.Errorf("%w: version: %v", ErrMalformed, err)
		}
		idxField++
	}
	if idxField >= len(inner) {
		return nil, fmt.Errorf("%w: missing indexScope", ErrMalformed)
	}
	var scope string
	if _, err := asn1.UnmarshalWithParams(inner[idxField].FullBytes, &scope, "ia5"); err != nil {
		return nil, fmt.Errorf("%w: indexScope: %v", ErrMalformed, err)
	}
	idxField++

	if idxField >= len(inner) {
		return nil, fmt.Errorf("%w: missing indexTime", ErrMalformed)
	}
	var indexTime time.Time
	if _, err := asn1.UnmarshalWithParams(inner[idxField].FullBytes, &indexTime, "generalized"); err != nil {
		return nil, fmt.Errorf("%w: indexTime: %v", ErrMalformed, err)
	}
	idxField++

	if idxField >= len(inner) {
		return nil, fmt.Errorf("%w: missing hashAlg", ErrMalformed)
	}
	var hashAlg asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(inner[idxField].FullBytes, &hashAlg); err != nil {
		return nil, fmt.Errorf("%w: hashAlg: %v", ErrMalformed, err)
	}
	if !hashAlg.Equal(SHA256OID) {
		return nil, ErrWrongHashAlg
	}
	idxField++

	if idxField >= len(inner) {
		return nil, fmt.Errorf("%w: missing partitions", ErrMalformed)
	}
	partElems, err := children(inner[idxField].FullBytes)
	if err != nil {
		return nil, err
	}
	idxField++

	if idxField != len(inner) {
		return nil, ErrTrailingData
	}

	partitions := make([]PartitionRef, 0, len(partElems))
	for _, elem := range partElems {
		ref, err := decodePartitionRef(elem)
		if err != nil {
			return nil, err
		}
		partitions = append(partitions, ref)
	}

	return &Index{Scope: scope, IndexTime: indexTime.UTC(), Partitions: partitions}, nil
}

func decodePartitionRef(elem asn1.RawValue) (PartitionRef, error) {
	parts, err := children(elem.FullBytes)
	if err != nil {
		return PartitionRef{}, err
	}
	var hashElem, sizeElem asn1.RawValue
	switch len(parts) {
	case 2:
		hashElem, sizeElem = parts[0], parts[1]
	case 3:
		// legacy leading `identifier` INTEGER: accepted and ignored.
		hashElem, sizeElem = parts[1], parts[2]
	default:
		return PartitionRef{}, fmt.Errorf("%w: PartitionRef has %d elements", ErrMalformed, len(parts))
	}

	var hash []byte
	if _, err := asn1.Unmarshal(hashElem.FullBytes, &hash); err != nil {
		return PartitionRef{}, fmt.Errorf("%w: hash: %v", ErrMalformed, err)
	}
	if len(hash) != 32 {
		return PartitionRef{}, ErrBadHashLength
	}
	size, err := decodeSize(sizeElem)
	if err != nil {
		return PartitionRef{}, err
	}

	var d Digest
	copy(d[:], hash)
	return PartitionRef{Digest: d, Size: size}, nil
}

func decodeSize(elem asn1.RawValue) (uint32, error) {
	var n *big.Int
	if _, err := asn1.Unmarshal(elem.FullBytes, &n); err != nil {
		return 0, fmt.Errorf("%w: size: %v", ErrMalformed, err)
	}
	if n.Sign() < 0 || !n.IsUint64() || n.Uint64() > math.MaxUint32 {
		return 0, ErrSizeOverflow
	}
	return uint32(n.Uint64()), nil
}

// DecodePartition parses and strictly validates a DER-encoded ErikPartition.
func DecodePartition(der []byte) (*Partition, error) {
	top, err := children(der)
	if err != nil {
		return nil, err
	}

	field := 0
	if field < len(top) && top[field].Class == asn1.ClassContextSpecific && top[field].Tag == 0 {
		var version int
		if _, err := asn1.UnmarshalWithParams(top[field].FullBytes, &version, "tag:0"); err != nil {
			return nil, fmt.Errorf("%w: version: %v", ErrMalformed, err)
		}
		field++
	}

	if field >= len(top) {
		return nil, fmt.Errorf("%w: missing partitionTime", ErrMalformed)
	}
	var partitionTime time.Time
	if _, err := asn1.UnmarshalWithParams(top[field].FullBytes, &partitionTime, "generalized"); err != nil {
		return nil, fmt.Errorf("%w: partitionTime: %v", ErrMalformed, err)
	}
	field++

	if field >= len(top) {
		return nil, fmt.Errorf("%w: missing hashAlg", ErrMalformed)
	}
	var hashAlg asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(top[field].FullBytes, &hashAlg); err != nil {
		return nil, fmt.Errorf("%w: hashAlg: %v", ErrMalformed, err)
	}
	if !hashAlg.Equal(SHA256OID) {
		return nil, ErrWrongHashAlg
	}
	field++

	if field >= len(top) {
		return nil, fmt.Errorf("%w: missing manifestRefs", ErrMalformed)
	}
	refElems, err := children(top[field].FullBytes)
	if err != nil {
		return nil, err
	}
	field++

	if field != len(top) {
		return nil, ErrTrailingData
	}

	refs := make([]ManifestRef, 0, len(refElems))
	for _, elem := range refElems {
		ref, err := decodeManifestRef(elem)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}

	return &Partition{PartitionTime: partitionTime.UTC(), Refs: refs}, nil
}

func decodeManifestRef(elem asn1.RawValue) (ManifestRef, error) {
	parts, err := children(elem.FullBytes)
	if err != nil {
		return ManifestRef{}, err
	}
	if len(parts) != 6 {
		return ManifestRef{}, fmt.Errorf("%w: ManifestRef has %d elements", ErrMalformed, len(parts))
	}

	var hash []byte
	if _, err := asn1.Unmarshal(parts[0].FullBytes, &hash); err != nil {
		return ManifestRef{}, fmt.Errorf("%w: hash: %v", ErrMalformed, err)
	}
	if len(hash) != 32 {
		return ManifestRef{}, ErrBadHashLength
	}

	size, err := decodeSize(parts[1])
	if err != nil {
		return ManifestRef{}, err
	}

	var aki []byte
	if _, err := asn1.Unmarshal(parts[2].FullBytes, &aki); err != nil {
		return ManifestRef{}, fmt.Errorf("%w: aki: %v", ErrMalformed, err)
	}
	if len(aki) != 20 {
		return ManifestRef{}, ErrBadAKILength
	}

	var manifestNumber *big.Int
	if _, err := asn1.Unmarshal(parts[3].FullBytes, &manifestNumber); err != nil {
		return ManifestRef{}, fmt.Errorf("%w: manifestNumber: %v", ErrMalformed, err)
	}

	var thisUpdate time.Time
	if _, err := asn1.UnmarshalWithParams(parts[4].FullBytes, &thisUpdate, "generalized"); err != nil {
		return ManifestRef{}, fmt.Errorf("%w: thisUpdate: %v", ErrMalformed, err)
	}

	locElems, err := children(parts[5].FullBytes)
	if err != nil {
		return ManifestRef{}, err
	}
	if len(locElems) != 1 {
		return ManifestRef{}, fmt.Errorf("%w: expected exactly one location, got %d", ErrMalformed, len(locElems))
	}
	adParts, err := children(locElems[0].FullBytes)
	if err != nil {
		return ManifestRef{}, err
	}
	if len(adParts) != 2 {
		return ManifestRef{}, fmt.Errorf("%w: AccessDescription has %d elements", ErrMalformed, len(adParts))
	}
	var method asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(adParts[0].FullBytes, &method); err != nil {
		return ManifestRef{}, fmt.Errorf("%w: accessMethod: %v", ErrMalformed, err)
	}
	if !method.Equal(signedObjectOID) {
		return ManifestRef{}, ErrWrongAccessMethod
	}
	var location string
	if _, err := asn1.UnmarshalWithParams(adParts[1].FullBytes, &location, "ia5,tag:6"); err != nil {
		return ManifestRef{}, fmt.Errorf("%w: accessLocation: %v", ErrMalformed, err)
	}

	var d Digest
	copy(d[:], hash)
	var akiArr [20]byte
	copy(akiArr[:], aki)

	return ManifestRef{
		Digest:         d,
		Size:           size,
		AKI:            akiArr,
		ManifestNumber: manifestNumber,
		ThisUpdate:     thisUpdate.UTC(),
		Location:       location,
	}, nil
}
