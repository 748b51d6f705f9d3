package jobs

import "time"

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// IsTerminal は終端状態（成功または失敗）かどうかを返します。
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Result はジョブ成功時の成果物情報を保持します。
// StoragePath はサーバー内部のパスであり、公開レスポンスには含めません。
type Result struct {
	Mime        string `json:"mime,omitempty"`
	FileName    string `json:"file_name"`
	SizeBytes   int64  `json:"size_bytes"`
	StoragePath string `json:"storage_path,omitempty"`
}

// Public は公開用に StoragePath を除いたコピーを返します。
func (r Result) Public() Result {
	r.StoragePath = ""
	return r
}

// Request はジョブ作成時のダウンロード指示です。
type Request struct {
	URL         string            `json:"url"`
	Format      string            `json:"format,omitempty"`
	Cookie      string            `json:"cookie,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Proxy       string            `json:"proxy,omitempty"`
	PreferAudio bool              `json:"prefer_audio,omitempty"`
	Filename    string            `json:"filename,omitempty"`
}

// Sanitized はログ・保存用に Cookie をマスクしたコピーを返します。
func (r Request) Sanitized() Request {
	if r.Cookie != "" {
		r.Cookie = "***"
	}
	return r
}

// Record はジョブの現在状態を表します。
//
// 状態遷移は queued → running → {succeeded | failed} の一方向のみです。
// Result は succeeded のときだけ、Error は failed のときだけ意味を持ちます。
type Record struct {
	JobID     string    `json:"jobId"`
	Status    Status    `json:"status"`
	Progress  float64   `json:"progress"`
	Result    *Result   `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Request   *Request  `json:"request,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
