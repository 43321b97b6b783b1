package kernelcore

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonical produces the canonical JSON encoding of v: UTF-8, object keys
// sorted lexicographically at every nesting level, no insignificant
// whitespace. This is the encoding every hash and signature in the kernel
// is computed over, so that identical values always produce identical
// bytes regardless of map iteration order or field declaration order.
func Canonical(v any) ([]byte, error) {
	// Round-trip through json.Marshal to obtain a generic representation
	// (map[string]any, []any, plain scalars), then re-encode deterministically.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}

	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		buf.WriteString(val.String())
		return nil
	case string:
		encoded, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(encoded)
		return nil
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyEncoded, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyEncoded)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("canonical: unsupported type %T", v)
	}
}

// ContentHash returns the lowercase-hex SHA-256 digest of v's canonical
// encoding.
func ContentHash(v any) (string, error) {
	enc, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(enc)
	return hex.EncodeToString(sum[:]), nil
}

// InputHash computes the Decision.input_hash for a (StateSnapshot,
// Proposal) pair.
func InputHash(state StateSnapshot, proposal Proposal) (string, error) {
	return ContentHash(map[string]any{
		"state":    state,
		"proposal": proposal,
	})
}

// Sign computes an HMAC-SHA256 signature over a Decision's
// (input_hash, allowed, reason, approved_actions), using key as the
// process-scoped kernel signing key. The signature itself is excluded
// from the signed payload.
func Sign(key []byte, inputHash string, allowed bool, reason Reason, approved []Action) (string, error) {
	payload, err := Canonical(map[string]any{
		"input_hash":       inputHash,
		"allowed":          allowed,
		"reason":           reason,
		"approved_actions": approved,
	})
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifySignature reports whether d.Signature is a valid HMAC-SHA256 tag
// over d's signed fields under key.
func VerifySignature(key []byte, d Decision) bool {
	expected, err := Sign(key, d.InputHash, d.Allowed, d.Reason, d.ApprovedActions)
	if err != nil {
		return false
	}
	expectedBytes, err1 := hex.DecodeString(expected)
	actualBytes, err2 := hex.DecodeString(d.Signature)
	if err1 != nil || err2 != nil {
		return false
	}
	return hmac.Equal(expectedBytes, actualBytes)
}

// EntryHash computes the ledger entry hash per spec:
// SHA256(prev_hash || u64_be(seq) || u64_be(ts_micros) || utf8(event_type) || canonical_json(payload)).
func EntryHash(prevHash string, seq uint64, tsMicros int64, eventType EventType, payload map[string]any) (string, error) {
	prevBytes, err := hex.DecodeString(prevHash)
	if err != nil {
		return "", fmt.Errorf("entry hash: bad prev_hash: %w", err)
	}
	payloadJSON, err := Canonical(payload)
	if err != nil {
		return "", fmt.Errorf("entry hash: canonical payload: %w", err)
	}

	var seqBuf, tsBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	binary.BigEndian.PutUint64(tsBuf[:], uint64(tsMicros))

	h := sha256.New()
	h.Write(prevBytes)
	h.Write(seqBuf[:])
	h.Write(tsBuf[:])
	h.Write([]byte(eventType))
	h.Write(payloadJSON)
	return hex.EncodeToString(h.Sum(nil)), nil
}
