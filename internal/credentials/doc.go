// Package credentials persists the tunnel's authentication material on local disk.
//
// A single JSON document holds the access token, refresh token, expiry and the
// authenticated user:
//
//	{
//	  "access_token": "...",
//	  "refresh_token": "...",
//	  "expires_at": "2026-01-01T12:00:00Z",
//	  "user": {"id": "u_123", "email": "dev@example.com", "tier": "free"}
//	}
//
// SECURITY: the file holds long-lived secrets. The following measures apply:
//   - The storage directory is created with 0700 permissions
//   - The file is written with 0600 permissions, re-applied after every write
//   - Token values are never logged, only lifecycle events and the file path
//   - Expiry checks include a 60-second buffer
//
// Load never fails. A missing, unreadable or structurally invalid file reads
// as "not logged in", which sends the user back through the device login.
package credentials
