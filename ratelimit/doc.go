// Package ratelimit is the adaptive request limiter.
//
// Every (identifier, class) pair owns a fixed-window counter in Redis. A
// single Lua script increments the counter, arms the window on the first hit
// and reads any active penalty, so concurrent callers can never lose an
// increment.
//
// Authentication classes additionally carry a failure counter. Failures
// escalate a penalty key that blocks the pair for a multiple of the base
// delay once the failure count crosses a tier. Successes never feed the
// failure counter; a success clears it.
//
// # Key layout
//
//   - rl:<class>:<identifier>     fixed-window counter
//   - rl:<class>:<identifier>:f   failure counter (auth classes)
//   - rl:<class>:<identifier>:p   penalty block (auth classes)
//
// When Redis is unreachable every check is allowed and the error is returned
// alongside the decision so callers can record it.
package ratelimit
