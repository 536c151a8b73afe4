// Package verifier defines the credential verifiers the session manager
// drives, one per credential kind.
//
// A verifier is asked to Verify a Request and later reports exactly one
// Result through the callback registered with RegisterResultCallback. The
// request carries the application, a request ID and a signed request token;
// the result must echo all three so the session manager can correlate it.
//
// SecretVerifier handles PIN, pattern and password credentials: it publishes
// a prompt through a Prompter (the device UI) and checks the secret the UI
// submits against a bcrypt hash from a CredentialStore. DeviceVerifier handles
// biometrics, which the device checks itself and only reports the outcome of.
package verifier
