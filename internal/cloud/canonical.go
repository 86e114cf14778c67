package cloud

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical encodes v as canonical JSON: keys sorted by UTF-16 code
// units, strings NFC-normalized, no HTML escaping, no insignificant
// whitespace. Equal cloud objects always produce identical bytes.
func MarshalCanonical(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, v, true); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeString(s string, canonical bool) ([]byte, error) {
	if canonical {
		s = norm.NFC.String(s)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// fingerprintDomain separates cloud object fingerprints from any other
// sha256 use of the same bytes.
const fingerprintDomain = "cloudbridge/object/v1"

// Fingerprint is the hex sha256 of the canonical encoding of v, prefixed
// with a domain tag. Two objects with the same content share a fingerprint
// regardless of key order or Unicode normalization form.
func Fingerprint(v Value) (string, error) {
	data, err := MarshalCanonical(v)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(fingerprintDomain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
