// Package integrity verifies module payloads against subresource-integrity
// style digest lists ("sha256-<base64> sha384-<base64>").
package integrity

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"hash"
	"strings"
)

// Algorithm describes a supported digest algorithm.
type Algorithm struct {
	Name     string
	Strength int
	New      func() hash.Hash
}

var algorithms = map[string]Algorithm{
	"sha256": {Name: "sha256", Strength: 1, New: sha256.New},
	"sha384": {Name: "sha384", Strength: 2, New: sha512.New384},
	"sha512": {Name: "sha512", Strength: 3, New: sha512.New},
}

// Supported reports whether alg is a known digest algorithm.
func Supported(alg string) bool {
	_, ok := algorithms[alg]
	return ok
}

// Result is the outcome of a verification. A mismatch is OK=false, never an error.
type Result struct {
	OK bool
	// Digest is the matching token when OK, otherwise the computed digest of
	// the strongest algorithm listed in the expectation (empty when none of
	// the listed algorithms is supported).
	Digest string
}

// Token is a single parsed "<alg>-<base64>" entry.
type Token struct {
	Algorithm string
	Sum       []byte
}

// String renders the token in canonical form (standard padded base64).
func (t Token) String() string {
	return t.Algorithm + "-" + base64.StdEncoding.EncodeToString(t.Sum)
}

// Parse splits an integrity attribute into tokens. Tokens with unknown
// algorithms or undecodable digests are skipped.
func Parse(expected string) []Token {
	fields := strings.Fields(expected)
	tokens := make([]Token, 0, len(fields))
	for _, field := range fields {
		// options after '?' are reserved by the SRI grammar and ignored
		if i := strings.IndexByte(field, '?'); i >= 0 {
			field = field[:i]
		}
		alg, encoded, ok := strings.Cut(field, "-")
		if !ok {
			continue
		}
		alg = strings.ToLower(alg)
		if !Supported(alg) {
			continue
		}
		sum, ok := decode(encoded)
		if !ok {
			continue
		}
		tokens = append(tokens, Token{Algorithm: alg, Sum: sum})
	}
	return tokens
}

// Verify computes the digests of payload required by expected and reports
// whether any of them matches.
func Verify(payload []byte, expected string) Result {
	tokens := Parse(expected)
	if len(tokens) == 0 {
		return Result{}
	}

	computed := make(map[string][]byte, len(algorithms))
	strongest := ""
	for _, tok := range tokens {
		sum, ok := computed[tok.Algorithm]
		if !ok {
			sum = Sum(tok.Algorithm, payload)
			computed[tok.Algorithm] = sum
		}
		if subtle.ConstantTimeCompare(sum, tok.Sum) == 1 {
			return Result{OK: true, Digest: tok.String()}
		}
		if strongest == "" || algorithms[tok.Algorithm].Strength > algorithms[strongest].Strength {
			strongest = tok.Algorithm
		}
	}

	return Result{Digest: Token{Algorithm: strongest, Sum: computed[strongest]}.String()}
}

// Sum returns the raw digest of payload for alg, or nil for unknown algorithms.
func Sum(alg string, payload []byte) []byte {
	a, ok := algorithms[alg]
	if !ok {
		return nil
	}
	h := a.New()
	h.Write(payload)
	return h.Sum(nil)
}

// Digest returns the canonical "<alg>-<base64>" string of payload.
func Digest(alg string, payload []byte) string {
	sum := Sum(alg, payload)
	if sum == nil {
		return ""
	}
	return Token{Algorithm: alg, Sum: sum}.String()
}

func decode(s string) ([]byte, bool) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, true
		}
	}
	return nil, false
}
