package keypool

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
)

// DefaultMinLength rejects empty or placeholder env values such as "changeme".
const DefaultMinLength = 11

// ErrEmptyPool is returned by Select when no usable credential was configured.
var ErrEmptyPool = errors.New("no valid credentials configured")

// Credential is an opaque provider secret.
type Credential string

// Fingerprint returns a log-safe identifier: the first 12 hex chars of the SHA-256 digest.
func (c Credential) Fingerprint() string {
	h := sha256.Sum256([]byte(c))
	return fmt.Sprintf("%x", h[:6])
}

func (c Credential) String() string { return "cred:" + c.Fingerprint() }

// Pool holds the deduplicated credentials of one provider family.
// It is immutable after construction and safe for concurrent use.
type Pool struct {
	name  string
	creds []Credential
}

// New builds a pool named name from raw secrets, dropping duplicates and
// anything shorter than minLength after trimming.
func New(name string, minLength int, secrets ...string) *Pool {
	if minLength <= 0 {
		minLength = DefaultMinLength
	}
	seen := make(map[string]struct{}, len(secrets))
	p := &Pool{name: name}
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if len(s) < minLength {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		p.creds = append(p.creds, Credential(s))
	}
	return p
}

// FromEnv builds a pool from the named environment variables.
func FromEnv(name string, minLength int, envNames ...string) *Pool {
	secrets := make([]string, 0, len(envNames))
	for _, env := range envNames {
		secrets = append(secrets, os.Getenv(env))
	}
	return New(name, minLength, secrets...)
}

func (p *Pool) Name() string { return p.name }

func (p *Pool) Len() int { return len(p.creds) }

// Select picks a credential uniformly at random. Consecutive calls for the
// same request may return different credentials.
func (p *Pool) Select() (Credential, error) {
	if len(p.creds) == 0 {
		return "", fmt.Errorf("select %s credential: %w", p.name, ErrEmptyPool)
	}
	return p.creds[rand.IntN(len(p.creds))], nil
}

// Fingerprints lists the fingerprints of every credential in pool order.
func (p *Pool) Fingerprints() []string {
	out := make([]string, len(p.creds))
	for i, c := range p.creds {
		out[i] = c.Fingerprint()
	}
	return out
}
