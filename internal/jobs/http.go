package jobs

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yourusername/media-forge/internal/vault"
)

// Error は HTTP 境界で利用するコード付きエラーです。
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Enqueuer はジョブをキューへ投入できる実装です。
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string, req Request) error
}

// HandlerConfig はハンドラー共通の設定です。
type HandlerConfig struct {
	BasePublicURL  string
	AllowedDomains []string
	SignedURLTTL   time.Duration
}

// CreateJobHandler は POST /api/jobs のハンドラーを返します。
// URL 検証に失敗したリクエストはレコードを作らずに拒否します。
func CreateJobHandler(enqueuer Enqueuer, cfg HandlerConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req Request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "リクエストボディを JSON で送信してください。",
			})
			return
		}

		if err := ValidateURL(req.URL, cfg.AllowedDomains); err != nil {
			respondWithError(c, err)
			return
		}

		jobID := newJobID()
		if err := enqueuer.Enqueue(c.Request.Context(), jobID, req); err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"id":     jobID,
			"status": StatusQueued,
		})
	}
}

// JobStatusHandler は GET /api/jobs/:id のハンドラーを返します。
func JobStatusHandler(store *Store, cfg HandlerConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "ジョブ ID を指定してください。",
			})
			return
		}

		record, err := store.Get(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		if record == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}

		payload := gin.H{
			"id":       record.JobID,
			"status":   record.Status,
			"progress": record.Progress,
		}
		if record.Result != nil {
			payload["result"] = gin.H{
				"mime":         record.Result.Mime,
				"file_name":    record.Result.FileName,
				"size_bytes":   record.Result.SizeBytes,
				"download_url": fmt.Sprintf("%s/api/jobs/%s/result", cfg.BasePublicURL, record.JobID),
			}
		}
		if record.Error != "" {
			payload["error"] = record.Error
		}

		c.JSON(http.StatusOK, payload)
	}
}

// JobResultHandler は GET /api/jobs/:id/result のハンドラーを返します。
// 成功終了済みのジョブに対してワンタイムトークン入りの URL を発行します。
func JobResultHandler(store *Store, tokens *vault.Vault, cfg HandlerConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))

		record, err := store.Get(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		if record == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}
		if record.Status != StatusSucceeded || record.Result == nil {
			c.JSON(http.StatusConflict, gin.H{
				"code":    "JOB_NOT_READY",
				"message": "ジョブはまだ成功終了していません。",
			})
			return
		}
		if record.Result.StoragePath == "" {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "成果物の保存先情報が失われています。",
			})
			return
		}

		token, err := tokens.Issue(c.Request.Context(), vault.Descriptor{
			JobID:    record.JobID,
			FilePath: record.Result.StoragePath,
			FileName: record.Result.FileName,
			Mime:     record.Result.Mime,
		}, cfg.SignedURLTTL)
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"url":        fmt.Sprintf("%s/api/download/%s", cfg.BasePublicURL, token),
			"expires_in": int(cfg.SignedURLTTL.Seconds()),
		})
	}
}

// JobEventsHandler は GET /api/jobs/:id/events のハンドラーを返します。
// SSE で最初に snapshot を送り、以後は発行されたイベントをそのまま転送します。
// 購読はスナップショット読み出しより先に確立するため、間に発行された
// イベントが失われることはありません。
func JobEventsHandler(store *Store, events *Events) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "ジョブ ID を指定してください。",
			})
			return
		}

		sub, err := events.Subscribe(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer sub.Close()

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-store")
		c.Header("Connection", "keep-alive")

		if record, err := store.Get(c.Request.Context(), jobID); err == nil && record != nil {
			c.SSEvent(string(EventSnapshot), snapshotPayload(record))
			c.Writer.Flush()
		}

		clientGone := c.Request.Context().Done()
		keepAlive := time.NewTicker(time.Second)
		defer keepAlive.Stop()

		for {
			select {
			case <-clientGone:
				return
			case msg, ok := <-sub.Messages():
				if !ok {
					return
				}
				c.SSEvent("message", msg.Payload)
				c.Writer.Flush()
			case <-keepAlive.C:
				// 切断検知を定期的に回すための keep-alive コメント
				_, _ = c.Writer.WriteString(": keep-alive\n\n")
				c.Writer.Flush()
			}
		}
	}
}

// DownloadHandler は GET /api/download/:token のハンドラーを返します。
// トークンは読み取りと同時に消費されるため、成功するダウンロードは
// トークンにつき一度だけです。
func DownloadHandler(tokens *vault.Vault) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(c.Param("token"))

		desc, err := tokens.Consume(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, vault.ErrTokenNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "LINK_EXPIRED",
					"message": "ダウンロードリンクが無効または期限切れです。",
				})
				return
			}
			respondWithError(c, err)
			return
		}

		file, err := os.Open(desc.FilePath)
		if err != nil {
			if os.IsNotExist(err) {
				c.JSON(http.StatusGone, gin.H{
					"code":    "FILE_GONE",
					"message": "成果物は既に削除されています。",
				})
				return
			}
			respondWithError(c, err)
			return
		}
		defer file.Close()

		info, err := file.Stat()
		if err != nil {
			respondWithError(c, err)
			return
		}

		fileName := desc.FileName
		if fileName == "" {
			fileName = filepath.Base(desc.FilePath)
		}
		contentType := desc.Mime
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		encodedName := url.PathEscape(fileName)
		c.Header("Content-Type", contentType)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", fileName, encodedName))
		c.Header("Cache-Control", "no-store")
		c.Header("X-Job-Id", desc.JobID)
		c.DataFromReader(http.StatusOK, info.Size(), contentType, file, nil)
	}
}

// ValidateURL はダウンロード対象 URL を検証します。
// http(s) 以外のスキームを拒否し、許可リストが設定されていれば
// ホストがそこに含まれることを要求します。
func ValidateURL(rawURL string, allowedDomains []string) error {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return &Error{
			Code:    "INVALID_URL",
			Message: "http(s) の URL のみ指定できます。",
		}
	}
	if len(allowedDomains) == 0 {
		return nil
	}

	host := strings.ToLower(parsed.Hostname())
	for _, domain := range allowedDomains {
		if host == domain {
			return nil
		}
	}
	return &Error{
		Code:    "INVALID_URL",
		Message: "この URL のホストは許可されていません。",
	}
}

func snapshotPayload(record *Record) gin.H {
	payload := gin.H{
		"id":       record.JobID,
		"status":   record.Status,
		"progress": record.Progress,
	}
	if record.Result != nil {
		public := record.Result.Public()
		payload["result"] = public
	}
	if record.Error != "" {
		payload["error"] = record.Error
	}
	return payload
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusBadRequest
		switch apiErr.Code {
		case "JOB_NOT_FOUND", "LINK_EXPIRED":
			status = http.StatusNotFound
		case "JOB_NOT_READY":
			status = http.StatusConflict
		case "FILE_GONE":
			status = http.StatusGone
		case "INTERNAL_ERROR":
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

// newJobID は uuid4 の 32 桁 16 進表現を返します。
func newJobID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
