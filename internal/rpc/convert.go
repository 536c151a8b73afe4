// ABOUTME: Conversions between engine types and protobuf Struct messages
// ABOUTME: Requests are decoded strictly; streamed server messages are decoded leniently

package rpc

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/applockd/internal/telemetry"
	"github.com/2389/applockd/internal/verifier"
)

// request reads typed fields out of a request Struct. The first missing or
// mistyped field is kept and reported by err as InvalidArgument.
type request struct {
	s       *structpb.Struct
	invalid string
}

func newRequest(s *structpb.Struct) *request {
	return &request{s: s}
}

func (r *request) fail(format string, args ...any) {
	if r.invalid == "" {
		r.invalid = fmt.Sprintf(format, args...)
	}
}

// value returns the field, treating an explicit null as absent.
func (r *request) value(key string) *structpb.Value {
	v, ok := r.s.GetFields()[key]
	if !ok {
		return nil
	}
	if _, null := v.GetKind().(*structpb.Value_NullValue); null {
		return nil
	}
	return v
}

// id returns a required non-empty string field.
func (r *request) id(key string) string {
	v := r.str(key, true)
	if v == "" {
		r.fail("%s required", key)
	}
	return v
}

// str returns a string field. A required field must be present but may be
// empty.
func (r *request) str(key string, required bool) string {
	v := r.value(key)
	if v == nil {
		if required {
			r.fail("%s required", key)
		}
		return ""
	}
	sv, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		r.fail("%s must be a string", key)
		return ""
	}
	return sv.StringValue
}

// boolean returns a required bool field.
func (r *request) boolean(key string) bool {
	v := r.value(key)
	if v == nil {
		r.fail("%s required", key)
		return false
	}
	bv, ok := v.GetKind().(*structpb.Value_BoolValue)
	if !ok {
		r.fail("%s must be a bool", key)
		return false
	}
	return bv.BoolValue
}

// millis returns an optional non-negative integral number field.
func (r *request) millis(key string) int64 {
	v := r.value(key)
	if v == nil {
		return 0
	}
	nv, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		r.fail("%s must be a number", key)
		return 0
	}
	n := nv.NumberValue
	if n < 0 || n != math.Trunc(n) || n > math.MaxInt64 {
		r.fail("%s must be a non-negative integer", key)
		return 0
	}
	return int64(n)
}

func (r *request) err() error {
	if r.invalid == "" {
		return nil
	}
	return status.Error(codes.InvalidArgument, r.invalid)
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func numberField(s *structpb.Struct, key string) float64 {
	return s.GetFields()[key].GetNumberValue()
}

func boolField(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

func promptToStruct(p verifier.Prompt) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"app_id":     structpb.NewStringValue(p.AppID),
		"request_id": structpb.NewStringValue(p.RequestID),
		"token":      structpb.NewStringValue(p.Token),
		"kind":       structpb.NewStringValue(string(p.Kind)),
		"cancelled":  structpb.NewBoolValue(p.Cancelled),
	}}
}

// PromptFromStruct decodes a WatchPrompts message.
func PromptFromStruct(s *structpb.Struct) verifier.Prompt {
	return verifier.Prompt{
		AppID:     stringField(s, "app_id"),
		RequestID: stringField(s, "request_id"),
		Token:     stringField(s, "token"),
		Kind:      verifier.Kind(stringField(s, "kind")),
		Cancelled: boolField(s, "cancelled"),
	}
}

func recordToStruct(r telemetry.Record) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"kind":   structpb.NewStringValue(string(r.Kind)),
		"app_id": structpb.NewStringValue(r.AppID),
		"from":   structpb.NewStringValue(r.From),
		"event":  structpb.NewStringValue(r.Event),
		"to":     structpb.NewStringValue(r.To),
		"reason": structpb.NewStringValue(r.Reason),
		"epoch":  structpb.NewNumberValue(float64(r.Epoch)),
		"at":     structpb.NewStringValue(r.At.UTC().Format(time.RFC3339Nano)),
	}}
}

// RecordFromStruct decodes a WatchTransitions message.
func RecordFromStruct(s *structpb.Struct) telemetry.Record {
	r := telemetry.Record{
		Kind:   telemetry.Kind(stringField(s, "kind")),
		AppID:  stringField(s, "app_id"),
		From:   stringField(s, "from"),
		Event:  stringField(s, "event"),
		To:     stringField(s, "to"),
		Reason: stringField(s, "reason"),
		Epoch:  uint64(numberField(s, "epoch")),
	}
	if at, err := time.Parse(time.RFC3339Nano, stringField(s, "at")); err == nil {
		r.At = at
	}
	return r
}
