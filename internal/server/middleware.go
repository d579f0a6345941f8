package server

import (
	"crypto/subtle"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// loggerMiddleware logs HTTP requests
func (s *Server) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		s.logger.Info("HTTP Request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// corsMiddleware handles CORS
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range s.cfg.Security.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin != "" {
				c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			} else {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			}
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Admin-Token")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// apiKeyAuthMiddleware guards the admission API with the configured API
// key. An empty key leaves the API open.
func (s *Server) apiKeyAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Security.APIKey == "" {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortError(c, 401, "Missing Authorization header", "invalid_request_error", "missing_api_key")
			return
		}

		apiKey := authHeader
		if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
			apiKey = authHeader[7:]
		}

		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(s.cfg.Security.APIKey)) != 1 {
			s.logger.Warn("Invalid API key attempt",
				zap.String("key_prefix", maskAPIKey(apiKey)),
				zap.String("client_ip", c.ClientIP()))
			abortError(c, 401, "Invalid API key", "invalid_request_error", "invalid_api_key")
			return
		}

		c.Next()
	}
}

// adminAuthMiddleware checks admin authentication
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("X-Admin-Token")

		if token == "" {
			abortError(c, 401, "Unauthorized", "authentication_error", "")
			return
		}

		if !s.validAdminToken(token) {
			s.logger.Warn("Invalid admin token attempt",
				zap.String("client_ip", c.ClientIP()))
			abortError(c, 401, "Unauthorized", "authentication_error", "")
			return
		}

		c.Next()
	}
}

func (s *Server) validAdminPassword(password string) bool {
	if s.cfg.Security.AdminPassword == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.Security.AdminPassword)) == 1
}

func (s *Server) validAdminToken(token string) bool {
	if s.cfg.Security.AdminPassword == "" {
		return false
	}
	expected := generateToken(s.cfg.Security.AdminPassword)
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

// maskAPIKey returns a masked version of the API key for logging
func maskAPIKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
