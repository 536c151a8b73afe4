// ABOUTME: Credential kinds, verification requests and results, and the Verifier interface
// ABOUTME: Set holds one verifier per kind for the session manager to pick from

package verifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownKind is returned for a credential kind with no verifier.
	ErrUnknownKind = errors.New("unknown credential kind")

	// ErrUnknownRequest is returned when a submission names no outstanding
	// request.
	ErrUnknownRequest = errors.New("unknown verification request")

	// ErrNoCredential is returned when no secret is enrolled for a kind.
	ErrNoCredential = errors.New("no credential enrolled")
)

// Kind is a credential method.
type Kind string

const (
	KindBiometric Kind = "biometric"
	KindPIN       Kind = "pin"
	KindPattern   Kind = "pattern"
	KindPassword  Kind = "password"
)

// Kinds lists every credential kind.
var Kinds = []Kind{KindBiometric, KindPIN, KindPattern, KindPassword}

// ParseKind parses a credential kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// IsSecret reports whether the kind is checked against a stored secret.
func (k Kind) IsSecret() bool {
	return k == KindPIN || k == KindPattern || k == KindPassword
}

// Request asks a verifier to prove the user's identity for an application.
type Request struct {
	AppID     string
	RequestID string
	Token     string
}

// Result is a verifier's single answer to a Request.
type Result struct {
	AppID     string
	RequestID string
	Token     string
	Kind      Kind
	Success   bool

	// Err is set when verification could not be carried out at all.
	Err error
}

// Verifier proves identity for one credential kind.
type Verifier interface {
	Kind() Kind

	// Verify starts verification. It must not block on user input; the
	// outcome arrives later through the registered callback, exactly once
	// per request. An error means verification could not start.
	Verify(ctx context.Context, req Request) error

	RegisterResultCallback(fn func(Result))
	UnregisterResultCallback()
}

// Canceler is implemented by verifiers that can withdraw an outstanding
// prompt. A cancelled request produces no result.
type Canceler interface {
	Cancel(requestID string)
}

// Set holds one verifier per kind.
type Set struct {
	mu        sync.RWMutex
	verifiers map[Kind]Verifier
}

// NewSet creates a set holding vs.
func NewSet(vs ...Verifier) *Set {
	s := &Set{verifiers: make(map[Kind]Verifier)}
	for _, v := range vs {
		s.Register(v)
	}
	return s
}

// Register adds v, replacing any verifier of the same kind.
func (s *Set) Register(v Verifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifiers[v.Kind()] = v
}

// Get returns the verifier for kind.
func (s *Set) Get(kind Kind) (Verifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.verifiers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return v, nil
}

// All returns every verifier ordered by kind.
func (s *Set) All() []Verifier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Verifier, 0, len(s.verifiers))
	for _, v := range s.verifiers {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind() < out[j].Kind() })
	return out
}

// Prompt is what a prompt UI is asked to display.
type Prompt struct {
	AppID     string `json:"app_id"`
	RequestID string `json:"request_id"`
	Token     string `json:"token"`
	Kind      Kind   `json:"kind"`

	// Cancelled withdraws an earlier prompt with the same request ID.
	Cancelled bool `json:"cancelled,omitempty"`
}

// Prompter delivers prompts to the device UI.
type Prompter interface {
	Publish(p Prompt) error
}
