// Package fetch はメディア抽出ワーカーとの境界を提供します。
// 抽出アルゴリズム自体は外部ライブラリ（yt-dlp）に委譲します。
package fetch

import (
	"context"
	"errors"
)

// ErrExtraction は抽出・ダウンロード段階での失敗を示します。
var ErrExtraction = errors.New("extraction failed")

// Request は 1 回の抽出への指示です。
type Request struct {
	URL         string
	Format      string
	Cookie      string
	Headers     map[string]string
	Proxy       string
	PreferAudio bool
	Filename    string
}

// Progress は抽出ワーカーからの低レベル進捗通知です。
// Percent は "45.2%" のような生の表記のまま運び、正規化は受け手が行います。
type Progress struct {
	Percent         string
	DownloadedBytes int64
	TotalBytes      int64
	Speed           float64 // bytes/sec
	ETASeconds      int64
}

// Hooks は抽出中のコールバックです。nil のフックは呼ばれません。
type Hooks struct {
	// OnProgress はダウンロード進行中の通知ごとに呼ばれます。
	OnProgress func(Progress)

	// OnFileFinished は 1 ファイルのダウンロード完了ごとに呼ばれます。
	OnFileFinished func(filename string)
}

// Extractor は URL を解決してファイルを scratchDir 配下へ取得します。
// 戻り値は取得したファイルの絶対パスです。
type Extractor interface {
	Extract(ctx context.Context, req Request, scratchDir string, hooks Hooks) (string, error)
}
