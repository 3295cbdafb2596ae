// Package auth authenticates realtime clients from bearer tokens and maps
// the identity they carry to an application user.
//
// An Authenticator validates a token string and returns a UserInfo whose
// UserID is the token's identity claim ("phonenumber" unless configured
// otherwise). A UserStore then resolves that claim to a User record.
//
// # Token Sources
//
// NewHMAC verifies tokens signed with a shared secret (HS256 by default),
// the scheme used by the application that issues access tokens to mobile
// clients. NewFromJWKS and NewFromDiscovery verify asymmetrically signed
// tokens against a published key set; NewFromDiscovery locates that key set
// through OpenID Connect discovery.
//
// Example:
//
//	authn, err := auth.NewHMAC(os.Getenv("JWT_SECRET_ACCESS_TOKEN"))
//	if err != nil { log.Fatal(err) }
//
//	ui, err := authn.CheckAuthentication(ctx, bearerToken)
//	if errors.Is(err, auth.ErrUnauthorized) { /* reject handshake */ }
//	user, err := users.FindUser(ctx, ui.UserID())
//
// # Errors
//
// ErrUnauthorized signals the token is invalid (signature, expiry, audience,
// missing identity claim).
package auth
