package server

import (
	"errors"
	"slices"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/antigravity/keypool/internal/models"
	"github.com/antigravity/keypool/internal/quota"
)

// acquire admits one call and hands out the credential to make it with.
func (s *Server) acquire(c *gin.Context) {
	var req models.AcquireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, 400, "Invalid request: "+err.Error(), "invalid_request_error", "")
		return
	}

	scope := quota.ParseScope(req.TenantID)
	grant, err := s.pool.Acquire(c.Request.Context(), scope, req.Model)
	if err != nil {
		var exhausted *quota.ExhaustedError
		if errors.As(err, &exhausted) {
			c.JSON(429, gin.H{"error": gin.H{
				"message":         "No key has capacity for this request",
				"type":            "pool_exhausted",
				"code":            exhausted.Reason(),
				"reason":          exhausted.Reason(),
				"keys_examined":   exhausted.KeysExamined,
				"keys_inactive":   exhausted.KeysInactive,
				"models_examined": exhausted.ModelsExamined,
				"models_disabled": exhausted.ModelsDisabled,
				"models_limited":  exhausted.ModelsLimited,
				"conflicts":       exhausted.Conflicts,
				"invalid_keys":    exhausted.InvalidKeys,
			}})
			return
		}
		s.handleError(c, err)
		return
	}

	if s.usage != nil {
		if err := s.usage.RecordGrant(grant.KeyID, grant.Model); err != nil {
			s.logger.Warn("Failed to record grant usage",
				zap.String("key_id", grant.KeyID),
				zap.Error(err))
		}
	}

	c.JSON(200, models.GrantResponse{
		ID:         grant.ID,
		KeyID:      grant.KeyID,
		Model:      grant.Model,
		Scope:      string(grant.Scope.Kind),
		TenantID:   grant.Scope.TenantID,
		Credential: grant.Credential,
		GrantedAt:  grant.GrantedAt.UnixMilli(),
	})
}

// report records the outcome of a call made with a grant.
func (s *Server) report(c *gin.Context) {
	var req models.ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, 400, "Invalid request: "+err.Error(), "invalid_request_error", "")
		return
	}

	var callErr error
	if !req.Success {
		msg := req.Error
		if msg == "" {
			msg = "upstream call failed"
		}
		callErr = errors.New(msg)
	}

	grant := quota.Grant{ID: req.GrantID, KeyID: req.KeyID, Model: req.Model}
	if err := s.pool.Report(c.Request.Context(), grant, callErr); err != nil {
		s.handleError(c, err)
		return
	}

	if s.usage != nil {
		if err := s.usage.RecordOutcome(req.KeyID, req.Model, req.Success); err != nil {
			s.logger.Warn("Failed to record call outcome",
				zap.String("key_id", req.KeyID),
				zap.Error(err))
		}
	}

	c.JSON(200, gin.H{"success": true})
}

// listModels lists the distinct models configured in a scope, with how
// many active keys can currently serve each.
func (s *Server) listModels(c *gin.Context) {
	scope := quota.ParseScope(c.Query("tenant_id"))
	if err := scope.Validate(); err != nil {
		s.handleError(c, err)
		return
	}

	type entry struct {
		ID        string `json:"id"`
		Object    string `json:"object"`
		Keys      int    `json:"keys"`
		Available int    `json:"available"`
	}
	byID := make(map[string]*entry)
	var order []string

	for _, key := range s.pool.Keys(c.Request.Context(), scope.Contains) {
		for _, m := range key.Models {
			e, ok := byID[m.ID]
			if !ok {
				e = &entry{ID: m.ID, Object: "model"}
				byID[m.ID] = e
				order = append(order, m.ID)
			}
			e.Keys++
			if key.Active && m.Enabled && hasCapacity(m) {
				e.Available++
			}
		}
	}
	slices.Sort(order)

	data := make([]entry, 0, len(order))
	for _, id := range order {
		data = append(data, *byID[id])
	}
	c.JSON(200, gin.H{
		"object": "list",
		"data":   data,
	})
}

// hasCapacity reports whether every window of a snapshot has room. The
// snapshot windows come from the ledger, already reset where due.
func hasCapacity(m quota.ModelSnapshot) bool {
	for _, w := range m.Windows {
		if w.Used >= w.Limit {
			return false
		}
	}
	return true
}

// handleError maps pool errors to HTTP responses.
func (s *Server) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, quota.ErrKeyNotFound), errors.Is(err, quota.ErrModelNotFound):
		writeError(c, 404, err.Error(), "not_found_error", "")
	case errors.Is(err, quota.ErrModelExists):
		writeError(c, 409, err.Error(), "conflict_error", "")
	case errors.Is(err, quota.ErrInvalidScope):
		writeError(c, 400, err.Error(), "invalid_request_error", "invalid_scope")
	case errors.Is(err, quota.ErrInvalidLimit),
		errors.Is(err, quota.ErrInvalidPriority),
		errors.Is(err, quota.ErrEmptySecret):
		writeError(c, 400, err.Error(), "invalid_request_error", "")
	default:
		s.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		writeError(c, 500, "Internal error", "server_error", "")
	}
}

func writeError(c *gin.Context, status int, message, typ, code string) {
	c.JSON(status, models.ErrorResponse{
		Error: models.ErrorDetail{Message: message, Type: typ, Code: code},
	})
}

func abortError(c *gin.Context, status int, message, typ, code string) {
	writeError(c, status, message, typ, code)
	c.Abort()
}
