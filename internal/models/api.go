package models

// AcquireRequest asks for a grant. An empty TenantID selects the central pool.
type AcquireRequest struct {
	TenantID string `json:"tenant_id"`
	Model    string `json:"model"`
}

// GrantResponse is returned for a successful admission.
type GrantResponse struct {
	ID         string `json:"id"`
	KeyID      string `json:"key_id"`
	Model      string `json:"model"`
	Scope      string `json:"scope"`
	TenantID   string `json:"tenant_id,omitempty"`
	Credential string `json:"credential"`
	GrantedAt  int64  `json:"granted_at"`
}

// ReportRequest carries the outcome of a call made with a grant.
type ReportRequest struct {
	GrantID string `json:"grant_id"`
	KeyID   string `json:"key_id" binding:"required"`
	Model   string `json:"model" binding:"required"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// CreateKeyRequest registers a key through the admin API.
type CreateKeyRequest struct {
	Secret   string `json:"secret" binding:"required"`
	TenantID string `json:"tenant_id"`
	Priority int    `json:"priority"`
	Seed     bool   `json:"seed"`
}

// UpdateKeyRequest patches a key. Nil fields are left unchanged.
type UpdateKeyRequest struct {
	Active   *bool `json:"active"`
	Priority *int  `json:"priority"`
}

// CreateModelRequest adds a model under a key.
type CreateModelRequest struct {
	Model    string `json:"model" binding:"required"`
	Priority int    `json:"priority"`
	RPM      int64  `json:"rpm"`
	RPH      int64  `json:"rph"`
	RPD      int64  `json:"rpd"`
	Limit    int64  `json:"limit"`
	Disabled bool   `json:"disabled"`
}

// UpdateModelRequest patches a model. Window limits are only changed
// when all three are supplied.
type UpdateModelRequest struct {
	Enabled  *bool  `json:"enabled"`
	Priority *int   `json:"priority"`
	Limit    *int64 `json:"limit"`
	RPM      *int64 `json:"rpm"`
	RPH      *int64 `json:"rph"`
	RPD      *int64 `json:"rpd"`
}

// ErrorResponse is the error envelope of every endpoint.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes an error.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}
