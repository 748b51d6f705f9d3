package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Local はローカルファイルシステムへのバックエンドです。
// 配置先は root/YYYY/MM/DD/<jobID>/ に日付とジョブ ID で分割され、
// ディレクトリの肥大化を抑えつつ保持期間での一括削除を容易にします。
type Local struct {
	root string
}

// NewLocal は Local を作成し、ルートディレクトリを用意します。
func NewLocal(root string) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Local{root: root}, nil
}

// Place は Backend.Place を実装します。
func (l *Local) Place(ctx context.Context, jobID, sourcePath, preferredName, mimeType string) (*StoredFile, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	if sourcePath == "" {
		return nil, fmt.Errorf("sourcePath is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	targetDir, err := l.targetDirectory(jobID)
	if err != nil {
		return nil, err
	}

	fileName := preferredName
	if fileName == "" {
		fileName = filepath.Base(sourcePath)
	}
	destination := resolveCollision(targetDir, fileName)

	if err := moveFile(sourcePath, destination); err != nil {
		return nil, fmt.Errorf("failed to place artifact: %w", err)
	}

	info, err := os.Stat(destination)
	if err != nil {
		return nil, err
	}

	return &StoredFile{
		JobID:        jobID,
		FileName:     filepath.Base(destination),
		AbsolutePath: destination,
		SizeBytes:    info.Size(),
		MimeType:     mimeType,
	}, nil
}

// Open は Backend.Open を実装します。
func (l *Local) Open(stored *StoredFile) (io.ReadCloser, error) {
	if stored == nil {
		return nil, fmt.Errorf("stored is nil")
	}
	return os.Open(stored.AbsolutePath)
}

func (l *Local) targetDirectory(jobID string) (string, error) {
	now := time.Now().UTC()
	dir := filepath.Join(
		l.root,
		fmt.Sprintf("%04d", now.Year()),
		fmt.Sprintf("%02d", now.Month()),
		fmt.Sprintf("%02d", now.Day()),
		jobID,
	)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create target directory: %w", err)
	}
	return dir, nil
}

// resolveCollision は既存ファイルと衝突しない配置名を返します。
// 衝突時は拡張子の前に連番サフィックスを付けます: name-1.ext, name-2.ext, ...
func resolveCollision(dir, fileName string) string {
	destination := filepath.Join(dir, fileName)
	if _, err := os.Stat(destination); os.IsNotExist(err) {
		return destination
	}

	ext := filepath.Ext(fileName)
	stem := strings.TrimSuffix(fileName, ext)
	for counter := 1; ; counter++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s-%d%s", stem, counter, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// moveFile はまず rename を試み、デバイスをまたぐ場合は
// 同一ディレクトリの一時ファイルへコピーしてから rename します。
// どちらの経路でも最終名への出現はアトミックです。
func moveFile(source, destination string) error {
	if err := os.Rename(source, destination); err == nil {
		return nil
	}

	src, err := os.Open(source)
	if err != nil {
		return err
	}
	defer src.Close()

	part := destination + ".part"
	dst, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = os.Remove(part)
		return err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		_ = os.Remove(part)
		return err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(part)
		return err
	}

	if err := os.Rename(part, destination); err != nil {
		_ = os.Remove(part)
		return err
	}
	return os.Remove(source)
}
