package auth

// Scopes accepted by the sync API.
const (
	ScopeSyncWrite      = "sync:write"
	ScopeActivitiesRead = "activities:read"
	ScopeSyncAdmin      = "sync:admin"
)
