package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventKind はイベントの種別を表します。
type EventKind string

const (
	// EventSnapshot は購読開始時に現在のレコードから合成されるイベントです。
	// Redis には発行されず、配信層が最初のフレームとして送出します。
	EventSnapshot EventKind = "snapshot"

	EventStarted      EventKind = "started"
	EventProgress     EventKind = "progress"
	EventFileFinished EventKind = "file_finished"
	EventCompleted    EventKind = "completed"
	EventError        EventKind = "error"
)

// Event はジョブチャンネルに発行される構造化イベントです。
// Kind ごとに意味を持つフィールドだけを設定します。
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      EventKind `json:"event"`

	// progress イベント用
	Progress        *float64 `json:"progress,omitempty"`
	DownloadedBytes int64    `json:"downloaded_bytes,omitempty"`
	TotalBytes      int64    `json:"total_bytes,omitempty"`
	Speed           float64  `json:"speed,omitempty"`
	ETASeconds      int64    `json:"eta,omitempty"`

	// file_finished イベント用
	Filename string `json:"filename,omitempty"`

	// completed イベント用（StoragePath は除去済みであること）
	Result *Result `json:"result,omitempty"`

	// error イベント用
	Message string `json:"message,omitempty"`
}

// Events はジョブ単位の pub/sub イベントチャンネルです。
// ジョブ ID からチャンネル名が一意に決まります。配信保証はなく、
// 発行時点の購読者だけがイベントを受け取ります。
type Events struct {
	rdb *redis.Client
}

// NewEvents は Events を作成します。
func NewEvents(rdb *redis.Client) *Events {
	return &Events{rdb: rdb}
}

// Publish はイベントへ発行時刻を刻印し、ジョブのチャンネルへ流します。
// fire-and-forget であり、購読者の有無は関知しません。
func (e *Events) Publish(ctx context.Context, jobID string, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return e.rdb.Publish(ctx, eventsChannel(jobID), payload).Err()
}

// Subscribe はジョブのイベント購読を開始します。
// 購読の確立を Redis の応答で確認してから返すため、呼び出し側が
// この後に読むスナップショットと購読開始の間に発行されたイベントは
// 購読側へ配信されます（取りこぼしは起きません）。
func (e *Events) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	pubsub := e.rdb.Subscribe(ctx, eventsChannel(jobID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	return &Subscription{pubsub: pubsub}, nil
}

// Subscription は単一ジョブのイベント購読です。
// 利用後は必ず Close してチャンネル資源を解放します。
type Subscription struct {
	pubsub *redis.PubSub
}

// Messages は発行されたイベントの生ペイロードを運ぶチャンネルを返します。
func (s *Subscription) Messages() <-chan *redis.Message {
	return s.pubsub.Channel()
}

// Close は購読を解除します。複数回呼んでも安全です。
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

func eventsChannel(jobID string) string {
	return jobKey(jobID) + ":events"
}
