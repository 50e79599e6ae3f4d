// Package jwt is the credential codec: it signs access and refresh claims and
// decodes them with strict validation, classifying every rejection into one of
// a fixed set of failure sentinels.
//
// The codec is stateless. Revocation, session records and rate limits live in
// other packages.
package jwt
