package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lrstanley/go-ytdlp"
)

const (
	defaultOutputTemplate = "%(title)s.%(ext)s"
	progressInterval      = 500 * time.Millisecond
)

// YTDLP は yt-dlp バイナリを介した Extractor 実装です。
type YTDLP struct{}

// NewYTDLP は YTDLP を作成します。
func NewYTDLP() *YTDLP {
	return &YTDLP{}
}

// Extract は Extractor を実装します。
func (y *YTDLP) Extract(ctx context.Context, req Request, scratchDir string, hooks Hooks) (string, error) {
	if req.URL == "" {
		return "", fmt.Errorf("%w: missing download URL", ErrExtraction)
	}

	outtmpl := req.Filename
	if outtmpl == "" {
		outtmpl = defaultOutputTemplate
	}

	format := req.Format
	if format == "" {
		if req.PreferAudio {
			format = "bestaudio/best"
		} else {
			format = "bestvideo+bestaudio/best"
		}
	}

	dl := ytdlp.New().
		Format(format).
		Output(filepath.Join(scratchDir, outtmpl))

	if req.Proxy != "" {
		dl = dl.Proxy(req.Proxy)
	}
	for field, value := range req.Headers {
		dl = dl.AddHeaders(fmt.Sprintf("%s:%s", field, value))
	}
	if req.Cookie != "" {
		cookieFile, err := writeCookieFile(scratchDir, req.Cookie)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrExtraction, err)
		}
		dl = dl.Cookies(cookieFile)
	}

	dl.ProgressFunc(progressInterval, func(update ytdlp.ProgressUpdate) {
		switch update.Status {
		case ytdlp.ProgressStatusDownloading:
			if hooks.OnProgress != nil {
				hooks.OnProgress(toProgress(update))
			}
		case ytdlp.ProgressStatusFinished:
			if hooks.OnFileFinished != nil {
				hooks.OnFileFinished(update.Filename)
			}
		}
	})

	result, err := dl.Run(ctx, req.URL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExtraction, err)
	}

	downloaded, err := resolveDownloadedFile(result)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	if _, err := os.Stat(downloaded); err != nil {
		return "", fmt.Errorf("%w: downloaded file missing: %v", ErrExtraction, err)
	}
	return downloaded, nil
}

func toProgress(update ytdlp.ProgressUpdate) Progress {
	progress := Progress{
		Percent:         update.PercentString(),
		DownloadedBytes: int64(update.DownloadedBytes),
		TotalBytes:      int64(update.TotalBytes),
	}

	if !update.Started.IsZero() {
		elapsed := time.Since(update.Started)
		if elapsed.Seconds() > 0 {
			progress.Speed = float64(update.DownloadedBytes) / elapsed.Seconds()
		}
	}
	if eta := update.ETA(); eta > 0 {
		progress.ETASeconds = int64(eta.Seconds())
	}
	return progress
}

func resolveDownloadedFile(result *ytdlp.Result) (string, error) {
	if result == nil {
		return "", fmt.Errorf("yt-dlp did not return a result")
	}
	info, err := result.GetExtractedInfo()
	if err != nil {
		return "", err
	}
	for _, entry := range info {
		if entry != nil && entry.Filename != nil && *entry.Filename != "" {
			return *entry.Filename, nil
		}
	}
	return "", fmt.Errorf("yt-dlp did not provide a filename")
}

func writeCookieFile(scratchDir, cookie string) (string, error) {
	path := filepath.Join(scratchDir, "cookies.txt")
	if err := os.WriteFile(path, []byte(cookie), 0o600); err != nil {
		return "", err
	}
	return path, nil
}

var _ Extractor = (*YTDLP)(nil)
