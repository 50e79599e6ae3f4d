// Package limiters holds the login lockout limiter.
//
// [LockoutLimiter] counts failed logins per normalized identifier under
// "lo:<identifier>". The counter starts a fixed window on the first failure;
// the failure that reaches the threshold re-arms the key with the lock
// duration. While the count is at or above the threshold the identifier is
// locked.
//
// The limiter is nil-safe: calling any method on a nil receiver is a no-op.
//
// # What this package must NOT do
//
//   - Import govern.
//   - Make policy decisions beyond counting; the login flow decides consequences.
package limiters
