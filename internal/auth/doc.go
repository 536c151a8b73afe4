// Package auth provides token-based authentication for applockd.
//
// # Tokens
//
// A TokenIssuer signs HS256 JWTs with the configured jwt_secret. It issues
// two kinds of token:
//
//   - Bearer tokens name a subject and a Role. Focus observers, prompt UIs
//     and the CLI present them on every gRPC call or HTTP API request.
//
//   - Request tokens bind one verification prompt to the application and
//     request ID that started it. A prompt UI must echo the token back with
//     its result, so a result can never be replayed against another prompt.
//
//	issuer, err := auth.NewTokenIssuer(secret)
//	token, err := issuer.Generate("pixel-observer", auth.RoleObserver, 24*time.Hour)
//	principal, err := issuer.Verify(token)
//
// # Roles
//
//   - observer: reports foreground focus changes
//   - prompter: watches prompts and submits credentials
//   - admin: everything, including logout and status reads
//
// # gRPC Interceptors
//
// UnaryInterceptor and StreamInterceptor authenticate the "authorization:
// Bearer <jwt>" metadata and enforce a Policy mapping full method names to
// allowed roles. When no secret is configured the NoAuth variants inject an
// anonymous admin context instead.
package auth
