package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const inboxKeyPrefix = "inbox:"

// Inbox は会社ごとの通知を Redis のリストに保存します。新しい通知が先頭です。
type Inbox struct {
	rdb   *redis.Client
	ttl   time.Duration
	limit int64
}

// NewInbox は Inbox を作成します。limit は会社ごとに保持する件数です。
func NewInbox(rdb *redis.Client, ttl time.Duration, limit int) *Inbox {
	if limit <= 0 {
		limit = 100
	}
	return &Inbox{rdb: rdb, ttl: ttl, limit: int64(limit)}
}

// Push は通知を追加し、古い通知を切り詰めて有効期限を延長します。
func (s *Inbox) Push(ctx context.Context, companyID string, notifications ...Notification) error {
	if companyID == "" {
		return fmt.Errorf("companyID is required")
	}
	if len(notifications) == 0 {
		return nil
	}
	values := make([]any, 0, len(notifications))
	for _, n := range notifications {
		payload, err := json.Marshal(n)
		if err != nil {
			return err
		}
		values = append(values, payload)
	}

	key := inboxKey(companyID)
	tx := s.rdb.TxPipeline()
	tx.LPush(ctx, key, values...)
	tx.LTrim(ctx, key, 0, s.limit-1)
	if s.ttl > 0 {
		tx.Expire(ctx, key, s.ttl)
	}
	_, err := tx.Exec(ctx)
	return err
}

// List は新しい順に最大 limit 件の通知を返します。
func (s *Inbox) List(ctx context.Context, companyID string, limit int) ([]Notification, error) {
	if limit <= 0 || int64(limit) > s.limit {
		limit = int(s.limit)
	}
	raw, err := s.rdb.LRange(ctx, inboxKey(companyID), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Notification, 0, len(raw))
	for _, item := range raw {
		var n Notification
		if err := json.Unmarshal([]byte(item), &n); err != nil {
			return nil, fmt.Errorf("decode notification: %w", err)
		}
		out = append(out, n)
	}
	return out, nil
}

// Clear は会社の通知をすべて削除します。
func (s *Inbox) Clear(ctx context.Context, companyID string) error {
	return s.rdb.Del(ctx, inboxKey(companyID)).Err()
}

func inboxKey(companyID string) string {
	return inboxKeyPrefix + companyID
}
