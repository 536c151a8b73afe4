// Package rpc exposes the lock engine over gRPC.
//
// # Service
//
// applock.v1.LockEngine carries protobuf well-known types, so neither side
// needs generated code. proto/applock/v1/lock_engine.proto lists the
// fields each Struct carries:
//
//	ReportFocus(Struct{app_id, class_name, timestamp_ms}) -> Empty
//	WatchPrompts(Empty) -> stream Struct{app_id, request_id, token, kind, cancelled}
//	SubmitSecret(Struct{kind, request_id, token, secret}) -> Struct{matched, remaining}
//	DismissPrompt(Struct{kind, request_id, token}) -> Empty
//	ReportBiometric(Struct{request_id, token, success, error}) -> Empty
//	WatchTransitions(StringValue app_id) -> stream Struct{kind, app_id, from, event, to, reason, epoch, at}
//	Logout(Empty) -> Empty
//	Status(Empty) -> Struct
//
// The focus observer calls ReportFocus. The device's prompt UI keeps a
// WatchPrompts stream open, renders each prompt and answers with
// SubmitSecret, DismissPrompt or ReportBiometric, quoting the prompt's
// request ID and token. A new WatchPrompts stream first receives every
// prompt that is still outstanding.
//
// # Authentication
//
// Policy maps each method to the roles allowed to call it; the daemon
// installs it through the auth interceptors. Observers may only report
// focus, prompters may answer prompts, admins may do everything.
//
// # Errors
//
//   - InvalidArgument: a required field is missing or a field has the
//     wrong type, or the credential kind is unknown
//   - NotFound: the request ID and token match no outstanding prompt
//   - FailedPrecondition: no secret enrolled for the kind
//   - Unavailable: the engine is shutting down
package rpc
