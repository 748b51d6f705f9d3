package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/hibiken/asynq"

	"github.com/yourusername/media-forge/internal/fetch"
	"github.com/yourusername/media-forge/internal/storage"
)

const (
	taskTypeFetch = "media:fetch"
	queueName     = "media"

	progressBuffer = 64
)

// TaskPayload はメディア取得ジョブのペイロードです。
type TaskPayload struct {
	JobID   string  `json:"jobId"`
	Request Request `json:"request"`
}

// Manager はジョブの投入とワーカー実行を担います。
// 取得処理そのもののリトライはキュー（asynq）の設定に委ね、
// ここでは結果の記録とイベント発行だけを行います。
type Manager struct {
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	store     *Store
	events    *Events
	backend   storage.Backend
	extractor fetch.Extractor
	logger    *log.Logger
}

// NewManager は Manager を初期化します。
func NewManager(redisURL string, concurrency int, store *Store, events *Events, backend storage.Backend, extractor fetch.Extractor, logger *log.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if events == nil {
		return nil, errors.New("events is nil")
	}
	if backend == nil {
		return nil, errors.New("backend is nil")
	}
	if extractor == nil {
		return nil, errors.New("extractor is nil")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueName: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		client:    client,
		server:    server,
		mux:       mux,
		store:     store,
		events:    events,
		backend:   backend,
		extractor: extractor,
		logger:    logger,
	}
	mux.HandleFunc(taskTypeFetch, manager.handleFetchTask)
	return manager, nil
}

// StartWorkers は asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			m.logf("asynq server stopped with error: %v", err)
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	return m.client.Close()
}

// Enqueue はレコードを queued で初期化し、ジョブをキューに投入します。
// 保存するリクエストは Cookie をマスクし、ワーカーへは元の内容を渡します。
func (m *Manager) Enqueue(ctx context.Context, jobID string, req Request) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}

	if err := m.store.Init(ctx, jobID, req.Sanitized()); err != nil {
		return err
	}

	body, err := json.Marshal(&TaskPayload{JobID: jobID, Request: req})
	if err != nil {
		return err
	}

	task := asynq.NewTask(taskTypeFetch, body, asynq.Queue(queueName))
	_, err = m.client.EnqueueContext(ctx, task, asynq.TaskID(jobID), asynq.MaxRetry(1))
	return err
}

// handleFetchTask はワーカー側のエントリーポイントです。
// 失敗はレコードへ記録しイベントを発行したうえで再度返し、
// 再試行の判断はキューに委ねます。
func (m *Manager) handleFetchTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload")
	}
	jobID := payload.JobID

	// queued → running の CAS。再配送で既に実行中・完了済みの場合は
	// レコードに触れず黙って成功扱いにする。
	if err := m.store.MarkRunning(ctx, jobID); err != nil {
		if errors.Is(err, ErrNotQueued) || errors.Is(err, ErrJobNotFound) {
			m.logf("skipping redelivered job %s: %v", jobID, err)
			return nil
		}
		return err
	}
	m.publish(ctx, jobID, Event{Kind: EventStarted})

	result, err := m.runFetch(ctx, jobID, payload.Request)
	if err != nil {
		message := err.Error()
		if storeErr := m.store.SetError(ctx, jobID, message); storeErr != nil {
			m.logf("failed to record error for job %s: %v", jobID, storeErr)
		}
		m.publish(ctx, jobID, Event{Kind: EventError, Message: message})
		return err
	}

	if err := m.store.SetResult(ctx, jobID, *result); err != nil {
		return err
	}
	public := result.Public()
	m.publish(ctx, jobID, Event{Kind: EventCompleted, Result: &public})
	return nil
}

// runFetch は抽出から配置までを実行します。作業ディレクトリは
// どの経路で抜けても削除されます。
func (m *Manager) runFetch(ctx context.Context, jobID string, req Request) (*Result, error) {
	scratchDir, err := os.MkdirTemp("", "media-forge-"+jobID+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer func() {
		if removeErr := os.RemoveAll(scratchDir); removeErr != nil {
			m.logf("failed to remove scratch dir for job %s: %v", jobID, removeErr)
		}
	}()

	pump := fetch.NewPump(progressBuffer)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.consumeProgress(ctx, jobID, pump)
	}()

	hooks := fetch.Hooks{
		OnProgress: pump.Offer,
		OnFileFinished: func(filename string) {
			m.publish(ctx, jobID, Event{Kind: EventFileFinished, Filename: filename})
		},
	}

	downloaded, err := m.extractor.Extract(ctx, fetchRequest(req), scratchDir, hooks)
	pump.Close()
	wg.Wait()
	if err != nil {
		return nil, err
	}

	var mime string
	if mtype, err := mimetype.DetectFile(downloaded); err == nil {
		mime = mtype.String()
	}

	stored, err := m.backend.Place(ctx, jobID, downloaded, req.Filename, mime)
	if err != nil {
		return nil, fmt.Errorf("artifact placement failed: %w", err)
	}

	return &Result{
		Mime:        stored.MimeType,
		FileName:    stored.FileName,
		SizeBytes:   stored.SizeBytes,
		StoragePath: stored.AbsolutePath,
	}, nil
}

// consumeProgress は有界チャンネルから進捗を取り出し、
// ストア更新と progress イベント発行を行います。
func (m *Manager) consumeProgress(ctx context.Context, jobID string, pump *fetch.Pump) {
	for update := range pump.Updates() {
		progress := fetch.NormalizePercent(update.Percent)
		if err := m.store.SetStatus(ctx, jobID, StatusRunning, progress); err != nil {
			m.logf("failed to update progress for job %s: %v", jobID, err)
			continue
		}
		m.publish(ctx, jobID, Event{
			Kind:            EventProgress,
			Progress:        &progress,
			DownloadedBytes: update.DownloadedBytes,
			TotalBytes:      update.TotalBytes,
			Speed:           update.Speed,
			ETASeconds:      update.ETASeconds,
		})
	}
}

func (m *Manager) publish(ctx context.Context, jobID string, event Event) {
	if err := m.events.Publish(ctx, jobID, event); err != nil {
		m.logf("failed to publish %s event for job %s: %v", event.Kind, jobID, err)
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func fetchRequest(req Request) fetch.Request {
	return fetch.Request{
		URL:         req.URL,
		Format:      req.Format,
		Cookie:      req.Cookie,
		Headers:     req.Headers,
		Proxy:       req.Proxy,
		PreferAudio: req.PreferAudio,
		Filename:    req.Filename,
	}
}
