// Package sso implements single sign-on for the gateway admin surface.
//
// Two providers are supported: SAML 2.0 (gosaml2) configured entirely from
// SAML_* environment variables, and generic OpenID Connect (go-oidc) for
// IdPs that speak OIDC discovery. Both paths end in the same place: the
// asserted identity is provisioned just-in-time into Postgres and a
// database-backed session is issued via an HttpOnly cookie.
//
// SAML settings are resolved lazily on the first SSO request, so a gateway
// deployed without SSO never touches these variables. A missing required
// variable fails the SSO routes with an error naming the variable; it never
// prevents the gateway from serving inference traffic.
package sso
