package govern

// Identity is an authenticated caller.
type Identity struct {
	Subject   string
	SessionID string
}

// Principal is the resolved caller of a request: either authenticated with
// an Identity or explicitly unauthenticated. The zero value is
// unauthenticated, and the Identity is only reachable through Authenticated.
type Principal struct {
	identity      Identity
	authenticated bool
}

// Unauthenticated returns the anonymous principal.
func Unauthenticated() Principal { return Principal{} }

// AuthenticatedAs returns a principal for id.
func AuthenticatedAs(id Identity) Principal {
	return Principal{identity: id, authenticated: true}
}

// Authenticated returns the caller identity and true, or a zero Identity and
// false for anonymous callers.
func (p Principal) Authenticated() (Identity, bool) {
	if !p.authenticated {
		return Identity{}, false
	}
	return p.identity, true
}

// IsAuthenticated reports whether the principal carries an identity.
func (p Principal) IsAuthenticated() bool { return p.authenticated }

func (p Principal) String() string {
	if !p.authenticated {
		return "unauthenticated"
	}
	return "subject:" + p.identity.Subject
}
