package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "job:"

	// WATCH 競合時の再試行上限
	maxTxRetries = 16
)

var (
	// ErrJobNotFound は対象ジョブのレコードが存在しない（または期限切れ）ことを示します。
	ErrJobNotFound = errors.New("job not found")

	// ErrTerminalState は終端状態のレコードへ非終端の書き込みを試みたことを示します。
	ErrTerminalState = errors.New("job already in terminal state")

	// ErrNotQueued は queued → running の遷移が成立しなかったことを示します。
	// キューの再配送で同一ジョブが二重に処理されそうな場合に返ります。
	ErrNotQueued = errors.New("job is not in queued state")
)

// Store はジョブ状態を Redis に保存します。
// すべての書き込みはレコードの TTL を保持期間いっぱいへ更新します。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
	}
}

// Init はジョブを queued・進捗 0 で初期化します。
// 同一 ID の既存レコードは上書きします（ジョブ ID は毎回新規発行される前提）。
func (s *Store) Init(ctx context.Context, jobID string, request Request) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	now := time.Now().UTC()
	record := &Record{
		JobID:     jobID,
		Status:    StatusQueued,
		Progress:  0,
		Request:   &request,
		CreatedAt: now,
		UpdatedAt: now,
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, jobKey(jobID), payload, s.ttl).Err()
}

// Get はジョブ情報を取得します。存在しない場合は nil を返します。
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// SetStatus は状態と進捗を更新します。終端状態からの巻き戻しは拒否します。
func (s *Store) SetStatus(ctx context.Context, jobID string, status Status, progress float64) error {
	return s.updatePartial(ctx, jobID, func(record *Record) error {
		if record.Status.IsTerminal() && !status.IsTerminal() {
			return ErrTerminalState
		}
		record.Status = status
		record.Progress = clampProgress(progress)
		return nil
	})
}

// MarkRunning は queued → running の遷移を compare-and-set で行います。
// レコードが queued でない場合は ErrNotQueued を返し、状態は変更しません。
// 既に running のレコードに対する進捗更新は SetStatus を使います。
func (s *Store) MarkRunning(ctx context.Context, jobID string) error {
	return s.updatePartial(ctx, jobID, func(record *Record) error {
		if record.Status != StatusQueued {
			return ErrNotQueued
		}
		record.Status = StatusRunning
		record.Progress = 0
		return nil
	})
}

// SetResult はジョブを succeeded にし、成果物情報を保存します。
// 進捗は 100 に固定し、エラーはクリアします。
func (s *Store) SetResult(ctx context.Context, jobID string, result Result) error {
	return s.updatePartial(ctx, jobID, func(record *Record) error {
		record.Status = StatusSucceeded
		record.Progress = 100
		record.Result = &result
		record.Error = ""
		return nil
	})
}

// SetError はジョブを failed にし、エラーメッセージを保存します。成果物はクリアします。
func (s *Store) SetError(ctx context.Context, jobID string, message string) error {
	return s.updatePartial(ctx, jobID, func(record *Record) error {
		record.Status = StatusFailed
		record.Error = message
		record.Result = nil
		return nil
	})
}

// updatePartial はレコードを WATCH トランザクションで読み書きします。
// 競合した場合は読み直して再試行します。
func (s *Store) updatePartial(ctx context.Context, jobID string, mutate func(*Record) error) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	key := jobKey(jobID)

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if err == redis.Nil {
					return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
				}
				return err
			}

			var record Record
			if err := json.Unmarshal(data, &record); err != nil {
				return err
			}
			if err := mutate(&record); err != nil {
				return err
			}
			record.UpdatedAt = time.Now().UTC()

			payload, err := json.Marshal(&record)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, s.ttl)
				return nil
			})
			return err
		}, key)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return fmt.Errorf("update conflict on job %s: %w", jobID, redis.TxFailedErr)
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
