// Package jwtauth provides a dispatch.Predicate that authorizes a call
// by validating a bearer token carried in the call's Meta map.
//
// Sourced from modelcontextprotocol-go-sdk's auth package
// (auth/client.go, auth/client_private.go), which depends on
// github.com/golang-jwt/jwt/v5 for its own bearer-token handling; reused
// here for the one concrete Authorization predicate this module ships.
package jwtauth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wirepeer/wirepeer/dispatch"
)

// MetaKey is the Message.Meta key a bearer token is expected under.
const MetaKey = "authorization"

// Claims is the minimal claim set this predicate checks beyond
// signature and expiry: callers needing more should parse cc.Meta[MetaKey]
// themselves with a richer claims type.
type Claims = jwt.RegisteredClaims

// RequireValidToken returns a dispatch.Predicate that rejects a call
// unless Meta[MetaKey] holds a JWT valid under keyFunc.
func RequireValidToken(keyFunc jwt.Keyfunc) dispatch.Predicate {
	return func(cc *dispatch.CallContext) error {
		raw, ok := cc.Meta[MetaKey]
		if !ok || raw == "" {
			return fmt.Errorf("jwtauth: missing %q metadata", MetaKey)
		}
		token, err := jwt.ParseWithClaims(raw, &Claims{}, keyFunc)
		if err != nil {
			return fmt.Errorf("jwtauth: %w", err)
		}
		if !token.Valid {
			return fmt.Errorf("jwtauth: token rejected")
		}
		return nil
	}
}

// RequireAudience additionally requires aud to appear in the token's
// audience claim.
func RequireAudience(keyFunc jwt.Keyfunc, aud string) dispatch.Predicate {
	base := RequireValidToken(keyFunc)
	return func(cc *dispatch.CallContext) error {
		if err := base(cc); err != nil {
			return err
		}
		token, _, err := jwt.NewParser().ParseUnverified(cc.Meta[MetaKey], &Claims{})
		if err != nil {
			return fmt.Errorf("jwtauth: %w", err)
		}
		claims := token.Claims.(*Claims)
		ok, err := claims.GetAudience()
		if err != nil {
			return fmt.Errorf("jwtauth: %w", err)
		}
		for _, a := range ok {
			if a == aud {
				return nil
			}
		}
		return fmt.Errorf("jwtauth: audience %q not present", aud)
	}
}
