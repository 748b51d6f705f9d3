// Package storage は完了した成果物を恒久ストレージへ配置する抽象化レイヤーを提供します。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Kind はストレージバックエンドの種別です。
type Kind string

const (
	KindLocal Kind = "local"
	KindS3    Kind = "s3"
)

// ErrNotImplemented は宣言済みだが未実装のバックエンドを選択したことを示します。
// 未実装のバックエンドは構築時点で失敗し、呼び出し時まで遅延しません。
var ErrNotImplemented = errors.New("storage backend not implemented")

// StoredFile は配置済み成果物の情報です。ジョブごとに一度だけ生成されます。
type StoredFile struct {
	JobID        string `json:"jobId"`
	FileName     string `json:"fileName"`
	AbsolutePath string `json:"absolutePath"`
	SizeBytes    int64  `json:"sizeBytes"`
	MimeType     string `json:"mimeType,omitempty"`
}

// Backend は成果物の配置と読み出しを提供します。
type Backend interface {
	// Place は sourcePath のファイルを衝突しない名前で配置先へ移動します。
	// 移動は最終名に対してアトミックであり、書きかけのファイルが
	// 最終名で見えることはありません。
	Place(ctx context.Context, jobID, sourcePath, preferredName, mimeType string) (*StoredFile, error)

	// Open は配置済み成果物の読み取りハンドルを返します。
	Open(stored *StoredFile) (io.ReadCloser, error)
}

// New は設定されたバックエンドを構築します。
func New(kind Kind, localRoot string) (Backend, error) {
	switch normalizeKind(kind) {
	case KindLocal:
		return NewLocal(localRoot)
	case KindS3:
		return nil, fmt.Errorf("s3: %w", ErrNotImplemented)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", kind)
	}
}

func normalizeKind(kind Kind) Kind {
	switch Kind(strings.ToLower(string(kind))) {
	case "filesystem", KindLocal:
		return KindLocal
	default:
		return Kind(strings.ToLower(string(kind)))
	}
}
