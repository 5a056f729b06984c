package models

import "time"

// OpenAPISpec identifies one discovered API by its base URL. Re-discovery of
// the same base URL adds versions rather than new spec rows.
type OpenAPISpec struct {
	ID        int64  `db:"id" json:"id"`
	ProjectID *int64 `db:"project_id" json:"project_id,omitempty"`
	Title     string `db:"title" json:"title"`
	Version   string `db:"version" json:"version"`
	BaseURL   string `db:"base_url" json:"base_url"`
}

// OpenAPISpecVersion is one registered snapshot of a spec. Exactly one
// version per spec is active at a time.
type OpenAPISpecVersion struct {
	ID         int64     `db:"id" json:"id"`
	SpecID     int64     `db:"spec_id" json:"spec_id"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	CommitHash *string   `db:"commit_hash" json:"commit_hash,omitempty"`
	IsActive   bool      `db:"is_active" json:"is_active"`
}

// Endpoint is one path/method pair of a spec version.
type Endpoint struct {
	ID             int64  `db:"id" json:"id"`
	VersionID      int64  `db:"version_id" json:"version_id"`
	Path           string `db:"path" json:"path"`
	Method         string `db:"method" json:"method"`
	Summary        string `db:"summary" json:"summary,omitempty"`
	Description    string `db:"description" json:"description,omitempty"`
	TagName        string `db:"tag_name" json:"tag_name,omitempty"`
	TagDescription string `db:"tag_description" json:"tag_description,omitempty"`
}

// ParamKind is where an endpoint parameter lives.
type ParamKind = string

const (
	ParamPath        ParamKind = "path"
	ParamQuery       ParamKind = "query"
	ParamRequestBody ParamKind = "requestBody"
)

// Parameter describes one endpoint input. For requestBody parameters
// DefaultValue holds the fully inlined JSON schema.
type Parameter struct {
	ID           int64  `db:"id" json:"id"`
	EndpointID   int64  `db:"endpoint_id" json:"endpoint_id"`
	Kind         string `db:"kind" json:"kind"`
	Name         string `db:"name" json:"name"`
	Required     bool   `db:"required" json:"required"`
	ValueType    string `db:"value_type" json:"value_type,omitempty"`
	Title        string `db:"title" json:"title,omitempty"`
	Description  string `db:"description" json:"description,omitempty"`
	DefaultValue string `db:"default_value" json:"default_value,omitempty"`
}
