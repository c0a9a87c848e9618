// Package auth provides authentication and authorisation for DCP Core.
//
// It implements a closed role vocabulary (root, admin, editor, viewer) with:
//   - Argon2id password hashing, with verification of legacy bcrypt digests
//   - Stateless HS256 access and refresh tokens
//   - A static role-permission mapping (compile-time, no database lookup)
//   - A user store whose methods run on a caller-supplied database.DBTX
//
// Authorisation decisions are pure functions over role sets. When an actor
// holds several roles, the union applies and the most permissive role wins.
// Admins cannot see or touch holders of admin or root; listings drop those
// users silently rather than failing.
//
// There is no server-side token revocation. Logout clears the client's
// cookies; an access token keeps working until it expires.
package auth
