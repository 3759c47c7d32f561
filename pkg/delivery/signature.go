package delivery

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// SignatureHeader carries the payload signature on webhook requests.
const SignatureHeader = "X-Webhook-Signature"

// Canonical serializes v as canonical JSON: object keys sorted, no
// whitespace, no HTML escaping. Consumers verify signatures against
// this exact serialization, so it is a wire contract.
func Canonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	// Round-trip through generic maps so keys come out sorted.
	// UseNumber keeps numbers in their original literal form.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sign computes the webhook signature: HMAC-SHA256 of the canonical
// body keyed with the base64-decoded project secret, base64-encoded.
func Sign(body []byte, base64Secret string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return "", fmt.Errorf("decoding webhook secret: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks a signature produced by Sign.
func Verify(body []byte, base64Secret, signature string) bool {
	expected, err := Sign(body, base64Secret)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}
