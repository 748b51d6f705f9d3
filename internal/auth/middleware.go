// Package auth は API キーによる認証機能を提供します。
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// Credentials は照合に使う API キー設定です。
// KeyHash が設定されている場合は bcrypt 照合を優先します。
type Credentials struct {
	Key     string
	KeyHash string
}

// Enabled は認証が構成されているかどうかを返します。
func (c Credentials) Enabled() bool {
	return c.Key != "" || c.KeyHash != ""
}

// RequireAPIKey は Bearer トークンを検証するミドルウェアを返します。
// 認証が未構成の場合は素通しします（ローカル開発向け）。
func RequireAPIKey(creds Credentials) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !creds.Enabled() {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "MISSING_TOKEN",
				"message": "Authorization: Bearer ヘッダーを指定してください。",
			})
			return
		}

		token := strings.TrimSpace(header[len("Bearer "):])
		if !creds.verify(token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "INVALID_TOKEN",
				"message": "API キーが正しくありません。",
			})
			return
		}

		c.Next()
	}
}

func (c Credentials) verify(token string) bool {
	if token == "" {
		return false
	}
	if c.KeyHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(c.KeyHash), []byte(token)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(c.Key), []byte(token)) == 1
}
