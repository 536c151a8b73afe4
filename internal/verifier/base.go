// ABOUTME: Shared bookkeeping for prompt-driven verifiers
// ABOUTME: Tracks outstanding requests, publishes prompts and delivers one result per request

package verifier

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// promptVerifier holds the state every prompt-driven verifier shares.
type promptVerifier struct {
	kind     Kind
	prompter Prompter
	logger   *slog.Logger

	mu       sync.Mutex
	pending  map[string]*pendingRequest
	callback func(Result)
}

type pendingRequest struct {
	req      Request
	attempts int
}

func newPromptVerifier(kind Kind, prompter Prompter, logger *slog.Logger) promptVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return promptVerifier{
		kind:     kind,
		prompter: prompter,
		logger:   logger.With("component", "verifier", "kind", string(kind)),
		pending:  make(map[string]*pendingRequest),
	}
}

// Kind returns the credential kind.
func (p *promptVerifier) Kind() Kind {
	return p.kind
}

// RegisterResultCallback sets the function results are delivered to.
func (p *promptVerifier) RegisterResultCallback(fn func(Result)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callback = fn
}

// UnregisterResultCallback drops the result callback. Results produced while
// no callback is registered are discarded.
func (p *promptVerifier) UnregisterResultCallback() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callback = nil
}

// start records req as outstanding and publishes its prompt.
func (p *promptVerifier) start(req Request) error {
	p.mu.Lock()
	if _, ok := p.pending[req.RequestID]; ok {
		p.mu.Unlock()
		return fmt.Errorf("request %s already outstanding", req.RequestID)
	}
	p.pending[req.RequestID] = &pendingRequest{req: req}
	p.mu.Unlock()

	if p.prompter == nil {
		return nil
	}
	err := p.prompter.Publish(Prompt{
		AppID:     req.AppID,
		RequestID: req.RequestID,
		Token:     req.Token,
		Kind:      p.kind,
	})
	if err != nil {
		p.mu.Lock()
		delete(p.pending, req.RequestID)
		p.mu.Unlock()
		return fmt.Errorf("publishing prompt: %w", err)
	}
	return nil
}

// lookupLocked returns the outstanding request matching requestID and token.
// Must be called with mu held.
func (p *promptVerifier) lookupLocked(requestID, token string) (*pendingRequest, error) {
	pr, ok := p.pending[requestID]
	if !ok || pr.req.Token != token {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	return pr, nil
}

// finish removes the request and delivers its result. Only the first finish
// for a request delivers anything.
func (p *promptVerifier) finish(req Request, success bool, err error) {
	p.mu.Lock()
	if _, ok := p.pending[req.RequestID]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.pending, req.RequestID)
	p.mu.Unlock()

	p.deliver(req, success, err)
}

// deliver hands a result for a request already removed from pending to the
// registered callback.
func (p *promptVerifier) deliver(req Request, success bool, err error) {
	p.mu.Lock()
	cb := p.callback
	p.mu.Unlock()

	res := Result{
		AppID:     req.AppID,
		RequestID: req.RequestID,
		Token:     req.Token,
		Kind:      p.kind,
		Success:   success,
		Err:       err,
	}
	if cb == nil {
		p.logger.Warn("dropping result, no callback registered", "app_id", req.AppID, "request_id", req.RequestID)
		return
	}
	cb(res)
}

// Cancel withdraws an outstanding prompt without producing a result.
func (p *promptVerifier) Cancel(requestID string) {
	p.mu.Lock()
	pr, ok := p.pending[requestID]
	if ok {
		delete(p.pending, requestID)
	}
	p.mu.Unlock()

	if !ok || p.prompter == nil {
		return
	}
	err := p.prompter.Publish(Prompt{
		AppID:     pr.req.AppID,
		RequestID: requestID,
		Kind:      p.kind,
		Cancelled: true,
	})
	if err != nil {
		p.logger.Debug("failed to publish prompt cancellation", "request_id", requestID, "error", err)
	}
}

// Pending returns the outstanding prompts ordered by application.
func (p *promptVerifier) Pending() []Prompt {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Prompt, 0, len(p.pending))
	for _, pr := range p.pending {
		out = append(out, Prompt{
			AppID:     pr.req.AppID,
			RequestID: pr.req.RequestID,
			Token:     pr.req.Token,
			Kind:      p.kind,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppID < out[j].AppID })
	return out
}
