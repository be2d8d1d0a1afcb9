// Package fingerprint computes stable content hashes used as store keys.
//
// A fingerprint is SHA-256 over the canonical JSON form of a value, with
// domain separation so that hashes from different store classes can never
// collide. Canonical JSON here means: object keys sorted bytewise, strings
// NFC-normalized, no HTML escaping, shortest-form numbers.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// Domain prefixes for fingerprint identity.
// Version suffix enables future algorithm migration.
const (
	DomainQuery  = "liveset/query/v1"
	DomainEntity = "liveset/entitystore/v1"
	DomainMetric = "liveset/metric/v1"
)

// Hash computes the domain-separated fingerprint of a value.
// Format: SHA256(domain + 0x00 + canonical JSON). The null byte separator
// prevents domain/data boundary ambiguity.
func Hash(domain string, v any) (string, error) {
	canonical, err := Canonical(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MustHash is like Hash but panics on error.
// Use only in tests or when inputs are known to be marshalable.
func MustHash(domain string, v any) string {
	s, err := Hash(domain, v)
	if err != nil {
		panic(err)
	}
	return s
}

// Canonical produces the canonical JSON encoding of a value.
//
// Unlike strict RFC 8785, nulls and floats are permitted: query descriptors
// carry arbitrary caller-supplied filter values, and rejecting them would
// push validation into every caller. Floats encode in shortest round-trip
// form, which is deterministic for a given bit pattern.
func Canonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return writeCanonicalString(buf, val)
	case int:
		buf.WriteString(strconv.Itoa(val))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case float32:
		return writeCanonical(buf, float64(val))
	case float64:
		if val == float64(int64(val)) {
			buf.WriteString(strconv.FormatInt(int64(val), 10))
		} else {
			buf.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
		}
	case json.Number:
		buf.WriteString(val.String())
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case []string:
		arr := make([]any, len(val))
		for i, s := range val {
			arr[i] = s
		}
		return writeCanonical(buf, arr)
	case map[string]any:
		return writeCanonicalObject(buf, val)
	default:
		return fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
	return nil
}

// writeCanonicalString encodes a string with NFC normalization and HTML
// escaping disabled (< > & must survive untouched, or equivalent queries
// built from different sources hash differently).
func writeCanonicalString(buf *bytes.Buffer, s string) error {
	normalized := norm.NFC.String(s)

	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return err
	}

	// json.Encoder adds a trailing newline; drop it.
	out := tmp.Bytes()
	if n := len(out); n > 0 && out[n-1] == '\n' {
		out = out[:n-1]
	}
	buf.Write(out)
	return nil
}

func writeCanonicalObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonicalString(buf, k); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		buf.WriteByte(':')
		if err := writeCanonical(buf, obj[k]); err != nil {
			return fmt.Errorf("value for key %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}
