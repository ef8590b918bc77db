package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body,
// prefixed with "sha256=", computed with the shared webhook secret.
const SignatureHeader = "X-Rota-Signature"

func RequestLoggingMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method
		c.Next()
		latency := time.Since(start)
		status := c.Writer.Status()
		logger.Infof("Request: %s %s, Status: %d, Latency: %v", method, path, status, latency)
	}
}

// SignatureMiddleware rejects any request whose body does not verify against
// the shared secret. The body is re-buffered so downstream handlers can still
// read it. Nothing past this middleware runs for an unauthenticated request.
func SignatureMiddleware(secret string, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := io.ReadAll(c.Request.Body)
		if err != nil {
			logger.Errorf("Failed to read webhook body: %v", err)
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(payload))

		if !verifySignature(payload, c.GetHeader(SignatureHeader), secret) {
			logger.Warnf("Rejected webhook with invalid signature from %s", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
		c.Next()
	}
}

func verifySignature(payload []byte, signature, secret string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expectedMAC := mac.Sum(nil)

	receivedMAC, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(receivedMAC, expectedMAC) == 1
}

// Sign computes the signature header value for a payload. Exported for
// clients and tests; the scheduler-as-a-service caller does the same thing
// on its side.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
