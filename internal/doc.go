// Package internal contains helpers private to govern: session identifier
// generation and client metadata hashing.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - config: viper-backed loader for governd
//   - flows: pure-function orchestrators for the credential lifecycle
//   - limiters: login lockout counter
//   - obs: zap logger, metrics HTTP server and trace pipeline
//   - security: configuration posture report
//   - userstore: user records for login (in-memory and PostgreSQL)
package internal
