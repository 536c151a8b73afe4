// ABOUTME: LockEngine gRPC server: focus ingestion, prompt fan-out and credential answers
// ABOUTME: Implements verifier.Prompter so verifiers publish prompts to connected prompt UIs

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/2389/applockd/internal/auth"
	"github.com/2389/applockd/internal/processor"
	"github.com/2389/applockd/internal/telemetry"
	"github.com/2389/applockd/internal/verifier"
)

// promptBufferSize is the channel buffer for each prompt watcher.
const promptBufferSize = 16

// Engine is the processor as seen by the server.
type Engine interface {
	Submit(ctx context.Context, ev processor.FocusEvent) error
	Logout()
	Status() processor.Status
}

// TransitionSource streams and replays engine records.
type TransitionSource interface {
	Subscribe(ctx context.Context, appID string) (<-chan telemetry.Record, string)
	History(appID string, limit int) []telemetry.Record
}

type secretVerifier interface {
	Submit(ctx context.Context, requestID, token, secret string) (bool, int, error)
	Dismiss(requestID, token string) error
}

type deviceVerifier interface {
	Report(requestID, token string, success bool, errMsg string) error
}

type pendingLister interface {
	Pending() []verifier.Prompt
}

// Policy returns the role policy for every LockEngine method.
func Policy() auth.Policy {
	prompter := []auth.Role{auth.RolePrompter}
	return auth.Policy{
		MethodReportFocus:      {auth.RoleObserver},
		MethodWatchPrompts:     prompter,
		MethodSubmitSecret:     prompter,
		MethodDismissPrompt:    prompter,
		MethodReportBiometric:  prompter,
		MethodLogout:           prompter,
		MethodWatchTransitions: {auth.RoleAdmin},
		MethodStatus:           {auth.RoleAdmin},
	}
}

// Server implements LockEngineServer and verifier.Prompter.
type Server struct {
	logger *slog.Logger

	mu          sync.RWMutex
	engine      Engine
	verifiers   *verifier.Set
	transitions TransitionSource
	watchers    map[string]chan verifier.Prompt
	closed      bool
	done        chan struct{}
}

// NewServer creates a server. The engine and verifiers are attached with
// Attach once they exist, since the verifiers need the server as their
// prompter.
func NewServer(transitions TransitionSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		transitions: transitions,
		logger:      logger.With("component", "rpc"),
		watchers:    make(map[string]chan verifier.Prompt),
		done:        make(chan struct{}),
	}
}

// Attach connects the server to the engine and the verifiers answering its
// prompts.
func (s *Server) Attach(engine Engine, verifiers *verifier.Set) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine = engine
	s.verifiers = verifiers
}

// Publish implements verifier.Prompter. Prompts are delivered to every
// connected watcher without blocking; a watcher whose buffer is full misses
// the prompt and sees it again on reconnect.
func (s *Server) Publish(p verifier.Prompt) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("prompt server closed")
	}
	if len(s.watchers) == 0 {
		s.logger.Debug("no prompt watcher connected", "app_id", p.AppID, "request_id", p.RequestID)
	}
	for id, ch := range s.watchers {
		select {
		case ch <- p:
		default:
			s.logger.Warn("dropped prompt for slow watcher", "watcher_id", id, "request_id", p.RequestID)
		}
	}
	return nil
}

// WatcherCount returns the number of connected prompt watchers.
func (s *Server) WatcherCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.watchers)
}

// Close ends every open stream. It is safe to call multiple times.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	for id, ch := range s.watchers {
		close(ch)
		delete(s.watchers, id)
	}
}

func (s *Server) attached() (Engine, *verifier.Set, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.engine == nil || s.verifiers == nil {
		return nil, nil, status.Error(codes.Unavailable, "engine not running")
	}
	return s.engine, s.verifiers, nil
}

// ReportFocus queues a focus change reported by the observer.
func (s *Server) ReportFocus(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	engine, _, err := s.attached()
	if err != nil {
		return nil, err
	}

	r := newRequest(req)
	ev := processor.FocusEvent{
		AppID:     r.id("app_id"),
		ClassName: r.str("class_name", false),
	}
	if ms := r.millis("timestamp_ms"); ms > 0 {
		ev.Timestamp = time.UnixMilli(ms)
	}
	if err := r.err(); err != nil {
		return nil, err
	}

	if err := engine.Submit(ctx, ev); err != nil {
		if errors.Is(err, processor.ErrClosed) {
			return nil, status.Error(codes.Unavailable, "engine shutting down")
		}
		return nil, status.FromContextError(err).Err()
	}
	return &emptypb.Empty{}, nil
}

// WatchPrompts streams prompts to a prompt UI, starting with every prompt
// still outstanding.
func (s *Server) WatchPrompts(_ *emptypb.Empty, stream StructStream) error {
	_, verifiers, err := s.attached()
	if err != nil {
		return err
	}

	id := uuid.New().String()
	ch := make(chan verifier.Prompt, promptBufferSize)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return status.Error(codes.Unavailable, "engine not running")
	}
	s.watchers[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if c, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(c)
		}
		s.mu.Unlock()
	}()

	subject := ""
	if a := auth.FromContext(stream.Context()); a != nil {
		subject = a.Subject
	}
	s.logger.Info("prompt watcher connected", "watcher_id", id, "subject", subject)
	defer s.logger.Info("prompt watcher disconnected", "watcher_id", id)

	for _, v := range verifiers.All() {
		lister, ok := v.(pendingLister)
		if !ok {
			continue
		}
		for _, p := range lister.Pending() {
			if err := stream.Send(promptToStruct(p)); err != nil {
				return err
			}
		}
	}

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case p, ok := <-ch:
			if !ok {
				return nil
			}
			if err := stream.Send(promptToStruct(p)); err != nil {
				return err
			}
		}
	}
}

// SubmitSecret checks a PIN, pattern or password for an outstanding prompt.
func (s *Server) SubmitSecret(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r := newRequest(req)
	requestID, token := r.id("request_id"), r.id("token")
	secret := r.str("secret", true)
	v, err := s.secretVerifier(r)
	if err != nil {
		return nil, err
	}

	matched, remaining, err := v.Submit(ctx, requestID, token, secret)
	if err != nil {
		return nil, verifierError(err)
	}
	if remaining < 0 {
		remaining = 0
	}
	return structpb.NewStruct(map[string]any{
		"matched":   matched,
		"remaining": remaining,
	})
}

// DismissPrompt fails an outstanding secret prompt at the user's request.
func (s *Server) DismissPrompt(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	r := newRequest(req)
	requestID, token := r.id("request_id"), r.id("token")
	v, err := s.secretVerifier(r)
	if err != nil {
		return nil, err
	}
	if err := v.Dismiss(requestID, token); err != nil {
		return nil, verifierError(err)
	}
	return &emptypb.Empty{}, nil
}

// ReportBiometric delivers the device's biometric outcome.
func (s *Server) ReportBiometric(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	_, verifiers, err := s.attached()
	if err != nil {
		return nil, err
	}
	r := newRequest(req)
	requestID, token := r.id("request_id"), r.id("token")
	success := r.boolean("success")
	errMsg := r.str("error", false)
	if err := r.err(); err != nil {
		return nil, err
	}

	v, err := verifiers.Get(verifier.KindBiometric)
	if err != nil {
		return nil, verifierError(err)
	}
	dv, ok := v.(deviceVerifier)
	if !ok {
		return nil, status.Error(codes.FailedPrecondition, "biometric verifier does not accept reports")
	}

	if err := dv.Report(requestID, token, success, errMsg); err != nil {
		return nil, verifierError(err)
	}
	return &emptypb.Empty{}, nil
}

// WatchTransitions streams engine records, optionally for one application.
// Recent history is replayed first.
func (s *Server) WatchTransitions(req *wrapperspb.StringValue, stream StructStream) error {
	if s.transitions == nil {
		return status.Error(codes.Unavailable, "transition stream not configured")
	}
	appID := req.GetValue()
	ctx := stream.Context()

	ch, _ := s.transitions.Subscribe(ctx, appID)
	for _, r := range s.transitions.History(appID, 0) {
		if err := stream.Send(recordToStruct(r)); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case r, ok := <-ch:
			if !ok {
				return nil
			}
			if err := stream.Send(recordToStruct(r)); err != nil {
				return err
			}
		}
	}
}

// Logout locks every application again.
func (s *Server) Logout(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	engine, _, err := s.attached()
	if err != nil {
		return nil, err
	}
	subject := ""
	if a := auth.FromContext(ctx); a != nil {
		subject = a.Subject
	}
	s.logger.Info("logout requested", "subject", subject)
	engine.Logout()
	return &emptypb.Empty{}, nil
}

// Status returns the engine snapshot.
func (s *Server) Status(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	engine, _, err := s.attached()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(engine.Status())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding status: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encoding status: %v", err)
	}
	return structpb.NewStruct(m)
}

// secretVerifier reports the request's first invalid field, or resolves
// its kind to a secret verifier.
func (s *Server) secretVerifier(r *request) (secretVerifier, error) {
	_, verifiers, err := s.attached()
	if err != nil {
		return nil, err
	}
	raw := r.id("kind")
	if err := r.err(); err != nil {
		return nil, err
	}
	kind, err := verifier.ParseKind(raw)
	if err != nil || !kind.IsSecret() {
		return nil, status.Errorf(codes.InvalidArgument, "kind must be one of pin, pattern, password")
	}
	v, err := verifiers.Get(kind)
	if err != nil {
		return nil, verifierError(err)
	}
	sv, ok := v.(secretVerifier)
	if !ok {
		return nil, status.Errorf(codes.FailedPrecondition, "%s verifier does not accept secrets", kind)
	}
	return sv, nil
}

// verifierError maps verifier errors to gRPC status errors.
func verifierError(err error) error {
	switch {
	case errors.Is(err, verifier.ErrUnknownRequest):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, verifier.ErrUnknownKind):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, verifier.ErrNoCredential):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Errorf(codes.Internal, "verification: %v", err)
	}
}
