// Package vault は成果物ダウンロード用のワンタイムトークンを管理します。
package vault

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const tokenKeyPrefix = "download-token:"

// ErrTokenNotFound はトークンが未発行・期限切れ・消費済みのいずれかであることを示します。
var ErrTokenNotFound = errors.New("download token not found")

// Descriptor はトークンが指す成果物ファイルの情報です。
type Descriptor struct {
	JobID    string `json:"job_id"`
	FilePath string `json:"file_path"`
	FileName string `json:"file_name,omitempty"`
	Mime     string `json:"mime,omitempty"`
}

// Vault はワンタイムトークンを Redis に保存します。
// トークンは初回の Consume か TTL 満了のどちらか早い方で消滅します。
type Vault struct {
	rdb *redis.Client
}

// New は Vault を作成します。
func New(rdb *redis.Client) *Vault {
	return &Vault{rdb: rdb}
}

// Issue は推測不能なトークンを発行し、ファイル情報を TTL 付きで保存します。
func (v *Vault) Issue(ctx context.Context, desc Descriptor, ttl time.Duration) (string, error) {
	if desc.JobID == "" || desc.FilePath == "" {
		return "", fmt.Errorf("jobID and filePath are required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive")
	}

	payload, err := json.Marshal(desc)
	if err != nil {
		return "", err
	}

	token := newToken()
	if err := v.rdb.Set(ctx, tokenKey(token), payload, ttl).Err(); err != nil {
		return "", err
	}
	return token, nil
}

// Consume はトークンを読み取りと同時に削除します（GETDEL による単一操作）。
// 同一トークンへの並行リクエストがあっても、成功するのは高々一度です。
// トークンが指すファイルの実在確認は呼び出し側の責務です。
func (v *Vault) Consume(ctx context.Context, token string) (*Descriptor, error) {
	if token == "" {
		return nil, ErrTokenNotFound
	}
	data, err := v.rdb.GetDel(ctx, tokenKey(token)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	var desc Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

// newToken は uuid4 の 32 桁 16 進表現を返します。
func newToken() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

func tokenKey(token string) string {
	return tokenKeyPrefix + token
}
