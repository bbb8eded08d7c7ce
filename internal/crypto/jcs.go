package crypto

import (
	"bytes"
	"encoding/json"
	"math"

	"github.com/gowebpki/jcs"
)

// maxSafeInteger is the largest integer exactly representable as an
// IEEE-754 double (2^53 - 1). Larger numbers must travel as decimal
// strings; the canonicalizer refuses to emit them.
const maxSafeInteger = 1<<53 - 1

// Canonicalize renders v as RFC 8785 (JCS) canonical JSON bytes:
// keys sorted by UTF-16 code units, no insignificant whitespace,
// shortest round-trip numbers, minimal string escapes. The output is
// byte-identical across implementations for any value in the protocol
// data model.
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errf("jcs", "marshal: %v", err)
	}
	return CanonicalizeJSON(raw)
}

// CanonicalizeJSON canonicalizes already-encoded JSON bytes.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	if err := checkSafeNumbers(raw); err != nil {
		return nil, err
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, errf("jcs", "transform: %v", err)
	}
	return out, nil
}

// checkSafeNumbers walks the document and rejects any number outside
// the safe integer range or with a fractional part that does not
// round-trip. Protocol amounts travel as decimal strings, so a number
// this large in an envelope is always a producer bug.
func checkSafeNumbers(raw []byte) error {
	var v interface{}
	dec := jsonDecoder(raw)
	if err := dec.Decode(&v); err != nil {
		return errf("jcs", "invalid JSON: %v", err)
	}
	return walkNumbers(v)
}

func walkNumbers(v interface{}) error {
	switch t := v.(type) {
	case map[string]interface{}:
		for _, e := range t {
			if err := walkNumbers(e); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, e := range t {
			if err := walkNumbers(e); err != nil {
				return err
			}
		}
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return errf("jcs", "unparseable number %q", t.String())
		}
		if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > maxSafeInteger {
			return errf("jcs", "number %q outside safe range", t.String())
		}
	}
	return nil
}

func jsonDecoder(raw []byte) *json.Decoder {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec
}
