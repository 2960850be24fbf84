// Package auth issues and verifies the bearer tokens that guard the
// gateway's management API.
//
// Tokens are HS256 JWTs signed with security.jwt.secret. Each carries a
// role, and each role maps to a fixed set of permissions:
//
//   - viewer: read configurations, links, connections and bindings
//   - operator: viewer plus attribute writes
//   - admin: operator plus configuration and link management
package auth
