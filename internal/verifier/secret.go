// ABOUTME: PIN, pattern and password verification against bcrypt hashes
// ABOUTME: Publishes a prompt, then checks secrets submitted by the prompt UI

package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrWeakSecret is returned for a secret that does not meet its kind's rules.
var ErrWeakSecret = errors.New("secret does not meet requirements")

// DefaultMaxAttempts is how many wrong secrets a prompt accepts before it
// fails.
const DefaultMaxAttempts = 3

// CredentialStore returns the bcrypt hash enrolled for a credential kind, or
// an error when nothing is enrolled.
type CredentialStore interface {
	CredentialHash(ctx context.Context, kind string) (string, error)
}

// SecretVerifier verifies PIN, pattern or password credentials.
type SecretVerifier struct {
	promptVerifier
	creds       CredentialStore
	maxAttempts int
}

// SecretOptions configures a SecretVerifier.
type SecretOptions struct {
	Prompter    Prompter
	MaxAttempts int
	Logger      *slog.Logger
}

// NewSecretVerifier creates a verifier for a secret kind.
func NewSecretVerifier(kind Kind, creds CredentialStore, opts SecretOptions) (*SecretVerifier, error) {
	if !kind.IsSecret() {
		return nil, fmt.Errorf("%w: %q is not a secret kind", ErrUnknownKind, kind)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &SecretVerifier{
		promptVerifier: newPromptVerifier(kind, opts.Prompter, opts.Logger),
		creds:          creds,
		maxAttempts:    opts.MaxAttempts,
	}, nil
}

// Verify publishes a prompt for req. It fails without prompting when no
// secret is enrolled.
func (v *SecretVerifier) Verify(ctx context.Context, req Request) error {
	if _, err := v.creds.CredentialHash(ctx, string(v.kind)); err != nil {
		return fmt.Errorf("%w for %s: %v", ErrNoCredential, v.kind, err)
	}
	return v.start(req)
}

// Submit checks a secret entered for an outstanding prompt. A wrong secret
// leaves the prompt open until the attempts run out, at which point a
// failure result is delivered. It returns whether the secret matched and how
// many attempts remain.
func (v *SecretVerifier) Submit(ctx context.Context, requestID, token, secret string) (bool, int, error) {
	hash, err := v.creds.CredentialHash(ctx, string(v.kind))
	if err != nil {
		return false, 0, fmt.Errorf("%w for %s: %v", ErrNoCredential, v.kind, err)
	}

	v.mu.Lock()
	pr, err := v.lookupLocked(requestID, token)
	v.mu.Unlock()
	if err != nil {
		return false, 0, err
	}

	// bcrypt runs without mu held; the request is looked up again after.
	match := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil

	v.mu.Lock()
	if v.pending[requestID] != pr {
		v.mu.Unlock()
		return false, 0, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	if !match {
		pr.attempts++
	}
	remaining := v.maxAttempts - pr.attempts
	done := match || remaining <= 0
	if done {
		delete(v.pending, requestID)
	}
	req := pr.req
	v.mu.Unlock()

	switch {
	case match:
		v.deliver(req, true, nil)
	case done:
		v.logger.Info("verification failed, attempts exhausted", "app_id", req.AppID, "request_id", req.RequestID)
		v.deliver(req, false, nil)
	default:
		v.logger.Debug("wrong secret", "app_id", req.AppID, "remaining", remaining)
	}
	return match, remaining, nil
}

// Dismiss fails an outstanding prompt at the user's request.
func (v *SecretVerifier) Dismiss(requestID, token string) error {
	v.mu.Lock()
	pr, err := v.lookupLocked(requestID, token)
	v.mu.Unlock()
	if err != nil {
		return err
	}
	v.finish(pr.req, false, nil)
	return nil
}

// ValidateSecret checks a secret against its kind's rules: PINs are 4 to 16
// digits, patterns are 4 to 9 distinct grid cells numbered 1-9, passwords
// are at least 6 characters.
func ValidateSecret(kind Kind, secret string) error {
	switch kind {
	case KindPIN:
		if len(secret) < 4 || len(secret) > 16 || strings.Trim(secret, "0123456789") != "" {
			return fmt.Errorf("%w: PIN must be 4-16 digits", ErrWeakSecret)
		}
	case KindPattern:
		if len(secret) < 4 || len(secret) > 9 || strings.Trim(secret, "123456789") != "" {
			return fmt.Errorf("%w: pattern must be 4-9 cells numbered 1-9", ErrWeakSecret)
		}
		seen := make(map[rune]bool)
		for _, r := range secret {
			if seen[r] {
				return fmt.Errorf("%w: pattern cells must not repeat", ErrWeakSecret)
			}
			seen[r] = true
		}
	case KindPassword:
		if len([]rune(secret)) < 6 {
			return fmt.Errorf("%w: password must be at least 6 characters", ErrWeakSecret)
		}
	default:
		return fmt.Errorf("%w: %q has no secret", ErrUnknownKind, kind)
	}
	return nil
}

// HashSecret validates secret for kind and returns its bcrypt hash.
func HashSecret(kind Kind, secret string) (string, error) {
	return hashSecret(kind, secret, bcrypt.DefaultCost)
}

func hashSecret(kind Kind, secret string, cost int) (string, error) {
	if err := ValidateSecret(kind, secret); err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", fmt.Errorf("hashing secret: %w", err)
	}
	return string(hash), nil
}
