package auth

// Known OAuth scopes used by the ingestion endpoints.
const (
	ScopeIngestWrite    = "ingest:write"
	ScopeActivitiesRead = "activities:read"
)
