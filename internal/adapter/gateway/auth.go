package gateway

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"vcc-rpc/internal/domain"
)

// Operator identifies a caller of the gateway's REST endpoints.
type Operator struct {
	Name string
}

// Authenticator validates bearer tokens for the REST endpoints. Chat users
// authenticate through the login methods instead.
type Authenticator interface {
	Authenticate(token string) (*Operator, error)
}

// digestPrefix marks a configured token stored as an Argon2id digest:
// argon2id:<base64 salt>:<base64 key>.
const digestPrefix = "argon2id:"

const (
	argonTime    = 1
	argonMemory  = 19 * 1024
	argonThreads = 1
	argonKeyLen  = 32
)

type authEntry struct {
	token []byte // plain token, nil for digests
	salt  []byte
	key   []byte
	op    *Operator
}

func (e authEntry) matches(token []byte) bool {
	if e.token != nil {
		return subtle.ConstantTimeCompare(token, e.token) == 1
	}
	derived := argon2.IDKey(token, e.salt, argonTime, argonMemory, argonThreads, uint32(len(e.key)))
	return subtle.ConstantTimeCompare(derived, e.key) == 1
}

// StaticTokenAuth checks tokens against a fixed list using constant-time
// comparison. Entries are either plain tokens or Argon2id digests produced by
// HashToken.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from tokens. Operators are named
// by their position in the list. Empty entries are skipped.
func NewStaticTokenAuth(tokens []string) (*StaticTokenAuth, error) {
	a := &StaticTokenAuth{entries: make([]authEntry, 0, len(tokens))}
	for i, tok := range tokens {
		if tok == "" {
			continue
		}
		e := authEntry{op: &Operator{Name: fmt.Sprintf("admin-%d", i)}}
		if digest, ok := strings.CutPrefix(tok, digestPrefix); ok {
			salt, key, err := parseDigest(digest)
			if err != nil {
				return nil, fmt.Errorf("admin token %d: %w", i, err)
			}
			e.salt, e.key = salt, key
		} else {
			e.token = []byte(tok)
		}
		a.entries = append(a.entries, e)
	}
	return a, nil
}

// Authenticate returns the operator owning token.
func (s *StaticTokenAuth) Authenticate(token string) (*Operator, error) {
	tokenBytes := []byte(token)
	for _, e := range s.entries {
		if e.matches(tokenBytes) {
			return e.op, nil
		}
	}
	return nil, domain.ErrGatewayAuthFailed
}

// HashToken returns the Argon2id digest form of token for use in
// gateway.admin_tokens.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("token must not be empty")
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(token), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	enc := base64.RawStdEncoding
	return digestPrefix + enc.EncodeToString(salt) + ":" + enc.EncodeToString(key), nil
}

func parseDigest(digest string) (salt, key []byte, err error) {
	saltPart, keyPart, ok := strings.Cut(digest, ":")
	if !ok {
		return nil, nil, fmt.Errorf("malformed digest")
	}
	enc := base64.RawStdEncoding
	if salt, err = enc.DecodeString(saltPart); err != nil {
		return nil, nil, fmt.Errorf("decode salt: %w", err)
	}
	if key, err = enc.DecodeString(keyPart); err != nil {
		return nil, nil, fmt.Errorf("decode key: %w", err)
	}
	if len(salt) == 0 || len(key) == 0 {
		return nil, nil, fmt.Errorf("malformed digest")
	}
	return salt, key, nil
}
