// Package queue は入札結果の通知と定期処理を Asynq で非同期に実行します。
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/yourusername/bid-forge/internal/config"
	"github.com/yourusername/bid-forge/internal/market"
)

// deliveryRetention は配信済みタスクIDを保持する期間です。この間は同じ配信が再投入されません。
const deliveryRetention = 24 * time.Hour

// ListingSweeper は締め切りを過ぎた案件・契約をクローズします。
type ListingSweeper interface {
	CloseExpiredListings(ctx context.Context, now time.Time) ([]market.Resolution, error)
}

type notificationSink interface {
	Push(ctx context.Context, companyID string, notifications ...Notification) error
}

type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Manager はタスクの投入・ワーカー・スケジューラーを管理します。
type Manager struct {
	cfg       *config.Config
	client    *asynq.Client
	enqueuer  taskEnqueuer
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	inbox     notificationSink
	logger    *zap.SugaredLogger
	now       func() time.Time
}

var _ market.Notifier = (*Manager)(nil)

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, inbox *Inbox, logger *zap.SugaredLogger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if inbox == nil {
		return nil, errors.New("inbox is nil")
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	concurrency := cfg.QueueConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	queueLogger := logger.Named("queue")

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueNotifications: 3,
				queueMaintenance:   1,
			},
			Logger: queueLogger,
		},
	)
	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{Logger: queueLogger})

	mux := asynq.NewServeMux()
	manager := &Manager{
		cfg:       cfg,
		client:    client,
		enqueuer:  client,
		server:    server,
		scheduler: scheduler,
		mux:       mux,
		inbox:     inbox,
		logger:    queueLogger,
		now:       time.Now,
	}
	mux.HandleFunc(TypeBidResolved, manager.handleResolved)
	mux.HandleFunc(TypeNotificationDeliver, manager.handleDeliver)
	return manager, nil
}

// RegisterSweeper は締め切り処理のハンドラーとスケジュールを登録します。StartWorkers より前に呼びます。
func (m *Manager) RegisterSweeper(sweeper ListingSweeper) error {
	if sweeper == nil {
		return errors.New("sweeper is nil")
	}
	m.mux.HandleFunc(TypeListingSweep, func(ctx context.Context, task *asynq.Task) error {
		return m.handleSweep(ctx, sweeper)
	})
	if m.cfg.ListingSweepCron == "" {
		return nil
	}
	task := asynq.NewTask(TypeListingSweep, nil, asynq.Queue(queueMaintenance), asynq.MaxRetry(0))
	if _, err := m.scheduler.Register(m.cfg.ListingSweepCron, task); err != nil {
		return fmt.Errorf("register listing sweep: %w", err)
	}
	return nil
}

// StartWorkers は Asynq サーバーとスケジューラーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			m.logger.Errorw("asynq server stopped with error", "error", err)
		}
	}()
	if err := m.scheduler.Start(); err != nil {
		m.logger.Errorw("failed to start asynq scheduler", "error", err)
	}
}

// Shutdown はスケジューラー・サーバー・クライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.scheduler.Shutdown()
	m.server.Shutdown()
	return m.client.Close()
}

// NotifyResolution は確定結果の通知タスクを投入します。
func (m *Manager) NotifyResolution(ctx context.Context, res *market.Resolution) error {
	_, err := m.EnqueueResolution(ctx, res)
	return err
}

// EnqueueResolution は bid:resolved タスクを投入し、タスクIDを返します。
func (m *Manager) EnqueueResolution(ctx context.Context, res *market.Resolution) (string, error) {
	if res == nil {
		return "", fmt.Errorf("resolution is nil")
	}
	if res.TargetID == "" {
		return "", fmt.Errorf("resolution.TargetID is required")
	}
	body, err := json.Marshal(res)
	if err != nil {
		return "", err
	}

	task := asynq.NewTask(TypeBidResolved, body, asynq.Queue(queueNotifications))
	info, err := m.enqueuer.EnqueueContext(ctx, task, asynq.MaxRetry(5))
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

// handleResolved は確定結果を会社ごとの notification:deliver タスクに分けて投入します。
// タスクIDはペイロードと会社から決まるため、再試行しても配信済みの会社へは再投入されません。
func (m *Manager) handleResolved(ctx context.Context, task *asynq.Task) error {
	var res market.Resolution
	if err := json.Unmarshal(task.Payload(), &res); err != nil {
		return fmt.Errorf("decode resolution: %v: %w", err, asynq.SkipRetry)
	}
	if res.TargetID == "" {
		return fmt.Errorf("missing targetId in payload: %w", asynq.SkipRetry)
	}

	byCompany := make(map[string][]Notification)
	var order []string
	for _, n := range buildNotifications(&res, m.now().UTC()) {
		if _, seen := byCompany[n.CompanyID]; !seen {
			order = append(order, n.CompanyID)
		}
		byCompany[n.CompanyID] = append(byCompany[n.CompanyID], n)
	}

	sum := sha256.Sum256(task.Payload())
	resolutionKey := hex.EncodeToString(sum[:16])
	enqueued := 0
	for _, companyID := range order {
		body, err := json.Marshal(delivery{CompanyID: companyID, Notifications: byCompany[companyID]})
		if err != nil {
			return err
		}
		_, err = m.enqueuer.EnqueueContext(ctx,
			asynq.NewTask(TypeNotificationDeliver, body),
			asynq.Queue(queueNotifications),
			asynq.TaskID(deliveryTaskID(resolutionKey, companyID)),
			asynq.MaxRetry(5),
			asynq.Retention(deliveryRetention),
		)
		switch {
		case errors.Is(err, asynq.ErrTaskIDConflict):
			continue
		case err != nil:
			return fmt.Errorf("enqueue delivery company=%s: %w", companyID, err)
		}
		enqueued++
	}
	m.logger.Debugw("bid notifications fanned out",
		"target", res.TargetType,
		"id", res.TargetID,
		"companies", len(order),
		"enqueued", enqueued,
	)
	return nil
}

// handleDeliver は1社分の通知を受信箱へ書き込みます。
func (m *Manager) handleDeliver(ctx context.Context, task *asynq.Task) error {
	var d delivery
	if err := json.Unmarshal(task.Payload(), &d); err != nil {
		return fmt.Errorf("decode delivery: %v: %w", err, asynq.SkipRetry)
	}
	if d.CompanyID == "" || len(d.Notifications) == 0 {
		return fmt.Errorf("empty delivery: %w", asynq.SkipRetry)
	}
	if err := m.inbox.Push(ctx, d.CompanyID, d.Notifications...); err != nil {
		return fmt.Errorf("push notifications company=%s: %w", d.CompanyID, err)
	}
	return nil
}

func deliveryTaskID(resolutionKey, companyID string) string {
	return "deliver:" + resolutionKey + ":" + companyID
}

func (m *Manager) handleSweep(ctx context.Context, sweeper ListingSweeper) error {
	resolutions, err := sweeper.CloseExpiredListings(ctx, m.now().UTC())
	if err != nil {
		return err
	}
	for i := range resolutions {
		res := &resolutions[i]
		if !res.HasNotifications() {
			continue
		}
		if _, err := m.EnqueueResolution(ctx, res); err != nil {
			m.logger.Errorw("failed to enqueue expiry notifications",
				"target", res.TargetType,
				"id", res.TargetID,
				"error", err,
			)
		}
	}
	return nil
}
