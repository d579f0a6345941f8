package models

// KeyDocument is the persisted form of a key record and its models.
type KeyDocument struct {
	ID              string          `json:"id"`
	Secret          string          `json:"secret"`
	Scope           string          `json:"scope"`
	TenantID        string          `json:"tenantId,omitempty"`
	Active          bool            `json:"isActive"`
	Priority        int             `json:"priority"`
	Seq             uint64          `json:"seq"`
	Verified        bool            `json:"verified"`
	ValidationError string          `json:"validationError,omitempty"`
	CreatedAt       int64           `json:"createdAt"`
	Models          []ModelDocument `json:"models"`
}

// ModelDocument is the persisted form of one model quota record.
type ModelDocument struct {
	Model         string         `json:"model"`
	Enabled       bool           `json:"isEnabled"`
	Priority      int            `json:"priority"`
	Seq           uint64         `json:"seq"`
	RPM           WindowDocument `json:"rpm"`
	RPH           WindowDocument `json:"rph"`
	RPD           WindowDocument `json:"rpd"`
	Usage         UsageDocument  `json:"usage"`
	ErrorTracking *ErrorTracking `json:"errorTracking,omitempty"`
}

// WindowDocument is one usage window. WindowStart is unix milliseconds
// and absent until the window is first consumed.
type WindowDocument struct {
	Used        int64  `json:"used"`
	Limit       int64  `json:"limit"`
	WindowStart *int64 `json:"windowStart,omitempty"`
}

// UsageDocument is the aggregate reporting counter of a model.
type UsageDocument struct {
	Used  int64  `json:"used"`
	Limit int64  `json:"limit"`
	Since *int64 `json:"since,omitempty"`
}

// ErrorTracking tracks call outcomes reported against a model
type ErrorTracking struct {
	Successes           int64  `json:"successes"`
	Failures            int64  `json:"failures"`
	ConsecutiveFailures int64  `json:"consecutiveFailures"`
	LastError           string `json:"lastError,omitempty"`
	LastErrorTime       *int64 `json:"lastErrorTime,omitempty"`
	LastSuccessTime     *int64 `json:"lastSuccessTime,omitempty"`
}
