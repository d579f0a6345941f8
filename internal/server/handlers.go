package server

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/antigravity/keypool/internal/models"
	"github.com/antigravity/keypool/internal/quota"
	"github.com/antigravity/keypool/internal/storage"
)

// ==================== Admin authentication ====================

func (s *Server) adminLogin(c *gin.Context) {
	var req struct {
		Password string `json:"password" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, 400, "Invalid request", "invalid_request_error", "")
		return
	}

	if !s.validAdminPassword(req.Password) {
		s.logger.Warn("Failed login attempt", zap.String("client_ip", c.ClientIP()))
		writeError(c, 401, "Invalid password", "authentication_error", "")
		return
	}

	s.logger.Info("Admin logged in successfully")
	c.JSON(200, gin.H{
		"success": true,
		"token":   generateToken(req.Password),
	})
}

func (s *Server) adminLogout(c *gin.Context) {
	c.JSON(200, gin.H{"success": true})
}

func (s *Server) adminVerify(c *gin.Context) {
	if !s.validAdminToken(c.GetHeader("X-Admin-Token")) {
		c.JSON(401, gin.H{"valid": false})
		return
	}
	c.JSON(200, gin.H{"valid": true})
}

// ==================== Keys ====================

// listKeys lists keys. ?tenant_id= narrows to one tenant, ?scope=central
// to the central pool.
func (s *Server) listKeys(c *gin.Context) {
	var filter func(quota.Scope) bool
	switch {
	case c.Query("tenant_id") != "":
		filter = quota.Tenant(c.Query("tenant_id")).Contains
	case c.Query("scope") == string(quota.ScopeCentral):
		filter = quota.Central().Contains
	}

	snaps := s.pool.Keys(c.Request.Context(), filter)
	docs := make([]models.KeyDocument, 0, len(snaps))
	for _, snap := range snaps {
		docs = append(docs, keyView(snap))
	}
	c.JSON(200, docs)
}

func (s *Server) getKey(c *gin.Context) {
	snap, err := s.pool.Key(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(200, keyView(snap))
}

func (s *Server) createKey(c *gin.Context) {
	var req models.CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, 400, "Invalid request: "+err.Error(), "invalid_request_error", "")
		return
	}

	ctx := c.Request.Context()
	snap, err := s.pool.AddKey(ctx, quota.KeySpec{
		Secret:   req.Secret,
		Scope:    quota.ParseScope(req.TenantID),
		Priority: req.Priority,
	})
	if err != nil {
		s.handleError(c, err)
		return
	}

	if req.Seed {
		if _, err := s.pool.SeedModels(ctx, snap.ID, s.catalog); err != nil {
			s.handleError(c, err)
			return
		}
		if snap, err = s.pool.Key(ctx, snap.ID); err != nil {
			s.handleError(c, err)
			return
		}
	}

	c.JSON(201, keyView(snap))
}

func (s *Server) updateKey(c *gin.Context) {
	var req models.UpdateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, 400, "Invalid request", "invalid_request_error", "")
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	if req.Active != nil {
		if err := s.pool.SetKeyActive(ctx, id, *req.Active); err != nil {
			s.handleError(c, err)
			return
		}
	}
	if req.Priority != nil {
		if err := s.pool.SetKeyPriority(ctx, id, *req.Priority); err != nil {
			s.handleError(c, err)
			return
		}
	}

	s.logger.Info("Key updated", zap.String("key_id", id))
	s.getKey(c)
}

func (s *Server) deleteKey(c *gin.Context) {
	id := c.Param("id")
	if err := s.pool.DeleteKey(c.Request.Context(), id); err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(200, gin.H{"success": true})
}

// ==================== Models ====================

func (s *Server) createModel(c *gin.Context) {
	var req models.CreateModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, 400, "Invalid request: "+err.Error(), "invalid_request_error", "")
		return
	}

	snap, err := s.pool.AddModel(c.Request.Context(), c.Param("id"), quota.ModelSpec{
		Model:          req.Model,
		Priority:       req.Priority,
		Limits:         quota.Limits{RPM: req.RPM, RPH: req.RPH, RPD: req.RPD},
		AggregateLimit: req.Limit,
		Disabled:       req.Disabled,
	})
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(201, storage.EncodeModel(snap))
}

func (s *Server) seedModels(c *gin.Context) {
	added, err := s.pool.SeedModels(c.Request.Context(), c.Param("id"), s.catalog)
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(200, gin.H{"added": added})
}

func (s *Server) updateModel(c *gin.Context) {
	var req models.UpdateModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, 400, "Invalid request", "invalid_request_error", "")
		return
	}

	windows := 0
	for _, v := range []*int64{req.RPM, req.RPH, req.RPD} {
		if v != nil {
			windows++
		}
	}
	if windows != 0 && windows != len(quota.Horizons) {
		writeError(c, 400, "rpm, rph and rpd must be set together", "invalid_request_error", "")
		return
	}

	ctx := c.Request.Context()
	id, model := c.Param("id"), c.Param("model")
	var err error
	if req.Enabled != nil && err == nil {
		err = s.pool.SetModelEnabled(ctx, id, model, *req.Enabled)
	}
	if req.Priority != nil && err == nil {
		err = s.pool.SetModelPriority(ctx, id, model, *req.Priority)
	}
	if req.Limit != nil && err == nil {
		err = s.pool.SetModelLimit(ctx, id, model, *req.Limit)
	}
	if windows != 0 && err == nil {
		err = s.pool.SetWindowLimits(ctx, id, model, quota.Limits{RPM: *req.RPM, RPH: *req.RPH, RPD: *req.RPD})
	}
	if err != nil {
		s.handleError(c, err)
		return
	}

	snap, err := s.pool.Key(ctx, id)
	if err != nil {
		s.handleError(c, err)
		return
	}
	for _, m := range snap.Models {
		if m.ID == model {
			c.JSON(200, storage.EncodeModel(m))
			return
		}
	}
	s.handleError(c, quota.ErrModelNotFound)
}

func (s *Server) deleteModel(c *gin.Context) {
	if err := s.pool.DeleteModel(c.Request.Context(), c.Param("id"), c.Param("model")); err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(200, gin.H{"success": true})
}

// ==================== Tenants ====================

func (s *Server) disableTenant(c *gin.Context) {
	n, err := s.pool.DisableTenant(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(200, gin.H{"success": true, "keys": n})
}

func (s *Server) enableTenant(c *gin.Context) {
	n, err := s.pool.EnableTenant(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(200, gin.H{"success": true, "keys": n})
}

// ==================== Stats and usage ====================

func (s *Server) getStats(c *gin.Context) {
	scope := quota.ParseScope(c.Query("tenant_id"))
	c.JSON(200, gin.H{
		"scope": scope.String(),
		"stats": s.pool.Stats(c.Request.Context(), scope),
	})
}

func (s *Server) getUsageHistory(c *gin.Context) {
	if s.usage == nil {
		c.JSON(200, gin.H{"data": []storage.UsageRecord{}})
		return
	}
	days, err := strconv.Atoi(c.DefaultQuery("days", "7"))
	if err != nil || days < 1 {
		writeError(c, 400, "Invalid days", "invalid_request_error", "")
		return
	}
	records, err := s.usage.GetUsageHistory(days)
	if err != nil {
		s.handleError(c, err)
		return
	}
	if records == nil {
		records = []storage.UsageRecord{}
	}
	c.JSON(200, gin.H{"data": records})
}

func (s *Server) flush(c *gin.Context) {
	if err := s.pool.Flush(c.Request.Context()); err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(200, gin.H{"success": true})
}

// ==================== Logs and monitoring ====================

func (s *Server) getLogs(c *gin.Context) {
	if s.logs == nil {
		c.JSON(200, gin.H{"logs": []any{}})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 1 {
		limit = 100
	}
	c.JSON(200, gin.H{"logs": s.logs.GetRecent(limit)})
}

func (s *Server) clearLogs(c *gin.Context) {
	if s.logs != nil {
		s.logs.Clear()
	}
	c.JSON(200, gin.H{"success": true})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	st := s.pool.Stats(c.Request.Context(), quota.Central())
	c.JSON(200, gin.H{
		"memoryAlloc":     fmt.Sprintf("%.2f MB", float64(m.Alloc)/1024/1024),
		"memorySys":       fmt.Sprintf("%.2f MB", float64(m.Sys)/1024/1024),
		"numGC":           m.NumGC,
		"goroutines":      runtime.NumGoroutine(),
		"uptime":          time.Since(s.startedAt).Round(time.Second).String(),
		"availableModels": st.AvailableModels,
		"systemStatus":    "active",
	})
}

// ==================== Settings ====================

func (s *Server) getSettings(c *gin.Context) {
	c.JSON(200, gin.H{
		"server":     s.cfg.Server,
		"logging":    s.cfg.Logging,
		"storage":    gin.H{"backend": s.cfg.Storage.Backend, "flush_interval": s.cfg.Storage.FlushInterval.String()},
		"ledger":     gin.H{"backend": s.cfg.Ledger.Backend},
		"validation": s.cfg.Validation,
		"catalog":    s.cfg.Catalog,
	})
}

// ==================== Helpers ====================

// keyView renders a key with its secret masked.
func keyView(snap quota.KeySnapshot) models.KeyDocument {
	doc := storage.EncodeKey(snap)
	doc.Secret = maskAPIKey(doc.Secret)
	return doc
}

func generateToken(password string) string {
	// Fixed salt so the token survives restarts
	h := sha256.New()
	h.Write([]byte("keypool-admin-" + password))
	return hex.EncodeToString(h.Sum(nil))
}
