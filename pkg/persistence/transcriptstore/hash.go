package transcriptstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// ExchangeHashAlgorithmV1 identifies the canonical hash material: JSON over
// session id, user input, answer and the ordered tool names, with text
// trimmed of surrounding whitespace.
const ExchangeHashAlgorithmV1 = "sha256-canonical-json-v1"

type canonicalExchangeMaterial struct {
	SessionID *int64   `json:"session_id"`
	UserInput string   `json:"user_input"`
	Answer    string   `json:"answer"`
	Tools     []string `json:"tools"`
}

// CanonicalExchangeJSON returns the bytes hashed by ComputeExchangeHash.
func CanonicalExchangeJSON(e Exchange) ([]byte, error) {
	m := canonicalExchangeMaterial{
		SessionID: e.SessionID,
		UserInput: strings.TrimSpace(e.UserInput),
		Answer:    strings.TrimSpace(e.Answer),
		Tools:     make([]string, 0, len(e.Tools)),
	}
	for _, t := range e.Tools {
		m.Tools = append(m.Tools, t.Name)
	}
	return json.Marshal(m)
}

// ComputeExchangeHash is the lowercase-hex SHA-256 of the canonical material.
func ComputeExchangeHash(e Exchange) (string, error) {
	b, err := CanonicalExchangeJSON(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
