// Package auth identifies callers and decides what they may do.
//
// # Authentication
//
// Clients present an HS256-signed JWT as a bearer token. The "sub" claim is
// the caller's user ID and the optional "roles" claim carries role names:
//
//	verifier, err := NewJWTVerifier(secret)
//	token, err := verifier.Generate("alice", []string{"moderator"}, 24*time.Hour)
//
// HTTPMiddleware verifies the token and attaches a Caller to the request
// context together with the client's IP address and user agent, which end
// up in audit entries.
//
// # Authorization
//
// PolicyAuthorizer implements the access rules:
//
//   - moderators (role "moderator" or "admin", or listed in auth.moderators)
//     may perform every action
//   - thread and message actions require participation in the thread
//   - thread.create requires the caller to be one of the participants
//   - moderation.review and audit.read are moderator-only
//
// Denials wrap store.ErrForbidden so transports map them uniformly.
package auth
