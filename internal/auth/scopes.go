package auth

// Scopes understood by the sync agent API.
const (
	ScopeSessionWrite = "sessions:write"
	ScopeSyncAdmin    = "sync:admin"
)
