package govern

import (
	"context"
	"testing"
)

func TestPrincipalFromContextDefaultsToUnauthenticated(t *testing.T) {
	p := PrincipalFromContext(context.Background())
	if p.IsAuthenticated() {
		t.Fatal("expected unauthenticated principal")
	}
	if _, ok := p.Authenticated(); ok {
		t.Fatal("expected no identity")
	}
	if p.String() != "unauthenticated" {
		t.Fatalf("unexpected String(): %s", p)
	}
}

func TestPrincipalRoundTripThroughContext(t *testing.T) {
	ctx := WithPrincipal(context.Background(), AuthenticatedAs(Identity{Subject: "u1", SessionID: "s1"}))
	id, ok := PrincipalFromContext(ctx).Authenticated()
	if !ok || id.Subject != "u1" || id.SessionID != "s1" {
		t.Fatalf("unexpected identity %+v %v", id, ok)
	}
}

func TestClientMetaFromContext(t *testing.T) {
	ctx := WithUserAgent(WithClientIP(context.Background(), "203.0.113.7"), "curl/8")
	meta := clientMeta(ctx)
	if meta.IP != "203.0.113.7" || meta.UserAgent != "curl/8" {
		t.Fatalf("unexpected meta %+v", meta)
	}
	if ClientIPFromContext(context.Background()) != "" {
		t.Fatal("expected empty address without value")
	}
}
