package stepflow

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// DefaultHMACKey keys the fingerprint HMAC when no key is configured.
const DefaultHMACKey = "072e77e426f92738a72fe23c4d1953b4"

// Hasher derives the idempotency fingerprint of a request.
type Hasher interface {
	Fingerprint(pipeline string, request any) (string, error)
}

// HMACHasher computes base64(HMAC-SHA256(key, pipeline + ":" + canonical request)).
type HMACHasher struct {
	Key []byte
}

// NewHMACHasher returns a hasher keyed with key, or DefaultHMACKey when key
// is empty.
func NewHMACHasher(key string) *HMACHasher {
	if key == "" {
		key = DefaultHMACKey
	}
	return &HMACHasher{Key: []byte(key)}
}

// Fingerprint implements Hasher.
func (h *HMACHasher) Fingerprint(pipeline string, request any) (string, error) {
	input, err := FingerprintInput(pipeline, request)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, h.Key)
	mac.Write(input)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// FingerprintInput returns the exact bytes a HMACHasher signs.
func FingerprintInput(pipeline string, request any) ([]byte, error) {
	canonical, err := CanonicalJSON(request)
	if err != nil {
		return nil, fmt.Errorf("fingerprint %q: %w", pipeline, err)
	}
	out := make([]byte, 0, len(pipeline)+1+len(canonical))
	out = append(out, pipeline...)
	out = append(out, ':')
	return append(out, canonical...), nil
}

// CanonicalJSON serialises v with sorted object keys, NFC-normalised strings
// and no HTML escaping. Numbers keep their literal form.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalize(tree)); err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

func normalize(v any) any {
	switch val := v.(type) {
	case string:
		return norm.NFC.String(val)
	case []any:
		for i := range val {
			val[i] = normalize(val[i])
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[norm.NFC.String(k)] = normalize(elem)
		}
		return out
	default:
		return v
	}
}
