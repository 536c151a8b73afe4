// ABOUTME: Client for the LockEngine service used by the CLI and the fake observer
// ABOUTME: Attaches a bearer token to every call and decodes Struct messages into engine types

package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/2389/applockd/internal/telemetry"
	"github.com/2389/applockd/internal/verifier"
)

// bearerCredentials attaches an authorization header to every call.
type bearerCredentials string

func (b bearerCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + string(b)}, nil
}

func (bearerCredentials) RequireTransportSecurity() bool { return false }

// Client calls a LockEngine server.
type Client struct {
	conn *grpc.ClientConn
	own  bool
}

// Dial connects to addr. An empty token sends no authorization header.
func Dial(addr, token string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	if token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCredentials(token)))
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &Client{conn: conn, own: true}, nil
}

// NewClient wraps an existing connection. Close leaves it open.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the connection if the client opened it.
func (c *Client) Close() error {
	if !c.own {
		return nil
	}
	return c.conn.Close()
}

// ReportFocus reports a foreground change. A zero at means now.
func (c *Client) ReportFocus(ctx context.Context, appID, className string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"app_id":       structpb.NewStringValue(appID),
		"class_name":   structpb.NewStringValue(className),
		"timestamp_ms": structpb.NewNumberValue(float64(at.UnixMilli())),
	}}
	return c.conn.Invoke(ctx, MethodReportFocus, req, new(emptypb.Empty))
}

// SubmitSecret answers a secret prompt. It returns whether the secret
// matched and how many attempts remain.
func (c *Client) SubmitSecret(ctx context.Context, kind verifier.Kind, requestID, token, secret string) (bool, int, error) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"kind":       structpb.NewStringValue(string(kind)),
		"request_id": structpb.NewStringValue(requestID),
		"token":      structpb.NewStringValue(token),
		"secret":     structpb.NewStringValue(secret),
	}}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, MethodSubmitSecret, req, resp); err != nil {
		return false, 0, err
	}
	return boolField(resp, "matched"), int(numberField(resp, "remaining")), nil
}

// DismissPrompt fails a secret prompt.
func (c *Client) DismissPrompt(ctx context.Context, kind verifier.Kind, requestID, token string) error {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"kind":       structpb.NewStringValue(string(kind)),
		"request_id": structpb.NewStringValue(requestID),
		"token":      structpb.NewStringValue(token),
	}}
	return c.conn.Invoke(ctx, MethodDismissPrompt, req, new(emptypb.Empty))
}

// ReportBiometric reports the outcome of a biometric prompt. A non-empty
// errMsg reports that the sensor could not be used.
func (c *Client) ReportBiometric(ctx context.Context, requestID, token string, success bool, errMsg string) error {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"request_id": structpb.NewStringValue(requestID),
		"token":      structpb.NewStringValue(token),
		"success":    structpb.NewBoolValue(success),
		"error":      structpb.NewStringValue(errMsg),
	}}
	return c.conn.Invoke(ctx, MethodReportBiometric, req, new(emptypb.Empty))
}

// Logout locks every application again.
func (c *Client) Logout(ctx context.Context) error {
	return c.conn.Invoke(ctx, MethodLogout, &emptypb.Empty{}, new(emptypb.Empty))
}

// Status returns the engine snapshot as decoded JSON.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, MethodStatus, &emptypb.Empty{}, resp); err != nil {
		return nil, err
	}
	return resp.AsMap(), nil
}

// WatchPrompts calls fn for every prompt until ctx is done, the server ends
// the stream or fn returns an error.
func (c *Client) WatchPrompts(ctx context.Context, fn func(verifier.Prompt) error) error {
	return c.watch(ctx, 0, MethodWatchPrompts, &emptypb.Empty{}, func(s *structpb.Struct) error {
		return fn(PromptFromStruct(s))
	})
}

// WatchTransitions calls fn for every engine record about appID (all
// applications when empty), starting with recent history.
func (c *Client) WatchTransitions(ctx context.Context, appID string, fn func(telemetry.Record) error) error {
	return c.watch(ctx, 1, MethodWatchTransitions, wrapperspb.String(appID), func(s *structpb.Struct) error {
		return fn(RecordFromStruct(s))
	})
}

func (c *Client) watch(ctx context.Context, idx int, method string, req any, fn func(*structpb.Struct) error) error {
	stream, err := c.conn.NewStream(ctx, &LockEngineServiceDesc.Streams[idx], method)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}
