// Package flows contains pure-function orchestrators for the credential
// lifecycle: issue, validate, refresh, logout and login.
//
// Each flow function accepts a typed dependency struct and returns a result
// carrying an explicit failure kind. The root package maps kinds onto its
// public error taxonomy.
//
// # Architecture boundaries
//
// Flow functions coordinate calls to the session store, revocation store,
// credential codec and lockout limiter. They do NOT own any of these
// resources; ownership stays with the Engine. Store writes go through
// [RunDetached] so a cancelled request never leaves half-applied state.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import govern (to avoid import cycles).
//   - Perform I/O directly; all I/O is mediated through dependency interfaces.
package flows
