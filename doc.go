// Package oidc is a multi-tenant OAuth 2.0 / OpenID Connect authorization
// server core: it authenticates clients, validates authorization and token
// requests against protocol and per-client policy, and issues signed tokens.
//
// The root package carries the protocol constant tables and error surface
// shared by every layer. The engine itself lives in the server package; store
// contracts and records in storage (with memory and redis backends); crypto
// primitives, auditing and rate limiting in security; signing credentials in
// signing; and OpenTelemetry wiring in instrumentation.
//
// HTTP routing, session establishment, UI and key management are out of
// scope: a hosting layer feeds raw request parameters in and serializes the
// structured success or (error, error_description) responses that come back.
package oidc
