package fetch

import (
	"strconv"
	"strings"
	"sync"
)

// NormalizePercent は進捗のパーセント表記を [0, 100] の数値へ正規化します。
// 末尾の '%' を除去して浮動小数として解釈し、解釈できない入力は 0 になります。
func NormalizePercent(value string) float64 {
	cleaned := strings.TrimSpace(strings.ReplaceAll(value, "%", ""))
	if cleaned == "" {
		return 0
	}
	parsed, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0
	}
	if parsed < 0 {
		return 0
	}
	if parsed > 100 {
		return 100
	}
	return parsed
}

// Pump は抽出コールバックと消費側を切り離す有界チャンネルです。
// 抽出側は Offer で通知を積み、消費側が Updates から取り出して
// ストア更新とイベント発行を行います。バッファが満杯のときは
// 最も古い未消費の通知を捨てます（進捗は欠落しても次で回復するため）。
type Pump struct {
	ch        chan Progress
	closeOnce sync.Once
}

// NewPump は容量 size の Pump を作成します。
func NewPump(size int) *Pump {
	if size <= 0 {
		size = 64
	}
	return &Pump{ch: make(chan Progress, size)}
}

// Offer は通知を積みます。抽出側をブロックしません。
func (p *Pump) Offer(update Progress) {
	select {
	case p.ch <- update:
		return
	default:
	}

	// 満杯: 最古を捨ててから入れ直す
	select {
	case <-p.ch:
	default:
	}
	select {
	case p.ch <- update:
	default:
	}
}

// Updates は消費側チャンネルを返します。Close 後はドレインして閉じます。
func (p *Pump) Updates() <-chan Progress {
	return p.ch
}

// Close は供給終了を消費側へ伝えます。
// 抽出が完了し Offer が呼ばれなくなってから呼びます。
func (p *Pump) Close() {
	p.closeOnce.Do(func() {
		close(p.ch)
	})
}
