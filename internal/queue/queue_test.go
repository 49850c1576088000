package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/bid-forge/internal/logger"
	"github.com/yourusername/bid-forge/internal/market"
)

var testNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

type memorySink struct {
	pushed map[string][]Notification
	err    error

	// failOnce の会社への最初の Push だけ失敗させる
	failOnce map[string]bool
}

func (s *memorySink) Push(ctx context.Context, companyID string, notifications ...Notification) error {
	if s.err != nil {
		return s.err
	}
	if s.failOnce[companyID] {
		delete(s.failOnce, companyID)
		return errors.New("redis blip")
	}
	if s.pushed == nil {
		s.pushed = make(map[string][]Notification)
	}
	s.pushed[companyID] = append(s.pushed[companyID], notifications...)
	return nil
}

// recordingEnqueuer は asynq と同じくタスクIDの重複投入を ErrTaskIDConflict で拒否します。
type recordingEnqueuer struct {
	tasks []*asynq.Task
	ids   map[string]bool
}

func (e *recordingEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	id := "task-1"
	for _, opt := range opts {
		if opt.Type() == asynq.TaskIDOpt {
			id = opt.Value().(string)
			if e.ids[id] {
				return nil, asynq.ErrTaskIDConflict
			}
			if e.ids == nil {
				e.ids = make(map[string]bool)
			}
			e.ids[id] = true
		}
	}
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{ID: id}, nil
}

// runDeliveries は投入済みの notification:deliver を順に処理し、失敗したタスクを返します。
func runDeliveries(t *testing.T, m *Manager, tasks []*asynq.Task) []*asynq.Task {
	t.Helper()
	var failed []*asynq.Task
	for _, task := range tasks {
		if task.Type() != TypeNotificationDeliver {
			continue
		}
		if err := m.handleDeliver(context.Background(), task); err != nil {
			failed = append(failed, task)
		}
	}
	return failed
}

type stubSweeper struct {
	resolutions []market.Resolution
}

func (s *stubSweeper) CloseExpiredListings(ctx context.Context, now time.Time) ([]market.Resolution, error) {
	return s.resolutions, nil
}

func newTestManager(t *testing.T, sink notificationSink, enq taskEnqueuer) *Manager {
	t.Helper()
	return &Manager{
		enqueuer: enq,
		inbox:    sink,
		logger:   logger.Test(t),
		now:      func() time.Time { return testNow },
	}
}

func TestBuildNotifications(t *testing.T) {
	res := &market.Resolution{
		TargetType: market.TargetContract,
		TargetID:   "contract-1",
		Reason:     market.ReasonAccepted,
		Accepted:   &market.Bid{ID: "bid-win", BidderCompanyID: "winner"},
		Declined: []market.DeclinedBid{
			{BidID: "bid-lose", CompanyID: "loser"},
			{BidID: "bid-stray", CompanyID: "stray", JobID: strPtr("job-9")},
		},
	}

	got := buildNotifications(res, testNow)
	require.Len(t, got, 3)

	assert.Equal(t, KindBidAccepted, got[0].Kind)
	assert.Equal(t, "winner", got[0].CompanyID)
	assert.Equal(t, market.TargetContract, got[0].TargetType)

	assert.Equal(t, KindBidDeclined, got[1].Kind)
	assert.Equal(t, "contract-1", got[1].TargetID)

	assert.Equal(t, market.TargetJob, got[2].TargetType)
	assert.Equal(t, "job-9", got[2].TargetID)
	assert.Equal(t, testNow, got[2].CreatedAt)
}

func TestBuildNotificationsSkipsRepeatAcceptance(t *testing.T) {
	res := &market.Resolution{
		TargetType:      market.TargetJob,
		TargetID:        "job-1",
		Accepted:        &market.Bid{ID: "bid-win", BidderCompanyID: "winner"},
		AlreadyAccepted: true,
	}
	assert.Empty(t, buildNotifications(res, testNow))
}

func acceptedResolution(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(market.Resolution{
		TargetType: market.TargetJob,
		TargetID:   "job-1",
		Reason:     market.ReasonAccepted,
		Accepted:   &market.Bid{ID: "bid-1", BidderCompanyID: "acme"},
		Declined: []market.DeclinedBid{
			{BidID: "bid-2", CompanyID: "globex", JobID: strPtr("job-1")},
			{BidID: "bid-3", CompanyID: "globex", JobID: strPtr("job-1")},
		},
	})
	require.NoError(t, err)
	return body
}

func TestHandleResolvedFansOutPerCompany(t *testing.T) {
	sink := &memorySink{}
	enq := &recordingEnqueuer{}
	m := newTestManager(t, sink, enq)

	require.NoError(t, m.handleResolved(context.Background(), asynq.NewTask(TypeBidResolved, acceptedResolution(t))))
	require.Len(t, enq.tasks, 2)
	assert.Empty(t, runDeliveries(t, m, enq.tasks))

	assert.Len(t, sink.pushed["acme"], 1)
	require.Len(t, sink.pushed["globex"], 2)
	assert.Equal(t, "job-1", sink.pushed["globex"][0].TargetID)
	assert.Equal(t, market.TargetJob, sink.pushed["globex"][0].TargetType)
}

func TestResolvedRetryDoesNotDuplicateNotifications(t *testing.T) {
	sink := &memorySink{failOnce: map[string]bool{"globex": true}}
	enq := &recordingEnqueuer{}
	m := newTestManager(t, sink, enq)
	task := asynq.NewTask(TypeBidResolved, acceptedResolution(t))

	require.NoError(t, m.handleResolved(context.Background(), task))
	failed := runDeliveries(t, m, enq.tasks)
	require.Len(t, failed, 1)

	// 親タスクが再実行されても配信タスクは再投入されない
	require.NoError(t, m.handleResolved(context.Background(), task))
	assert.Len(t, enq.tasks, 2)

	// 失敗した会社の配信だけが再試行される
	assert.Empty(t, runDeliveries(t, m, failed))
	assert.Len(t, sink.pushed["acme"], 1)
	assert.Len(t, sink.pushed["globex"], 2)
}

func TestHandleResolvedRejectsBadPayload(t *testing.T) {
	m := newTestManager(t, &memorySink{}, &recordingEnqueuer{})
	err := m.handleResolved(context.Background(), asynq.NewTask(TypeBidResolved, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = m.handleDeliver(context.Background(), asynq.NewTask(TypeNotificationDeliver, []byte(`{"companyId":""}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleDeliverRetriesOnInboxFailure(t *testing.T) {
	m := newTestManager(t, &memorySink{err: errors.New("redis unavailable")}, nil)
	body, err := json.Marshal(delivery{
		CompanyID:     "c",
		Notifications: []Notification{{Kind: KindBidDeclined, CompanyID: "c", BidID: "b"}},
	})
	require.NoError(t, err)

	err = m.handleDeliver(context.Background(), asynq.NewTask(TypeNotificationDeliver, body))
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleSweepEnqueuesOnlyNotifiableResolutions(t *testing.T) {
	enq := &recordingEnqueuer{}
	m := newTestManager(t, &memorySink{}, enq)
	sweeper := &stubSweeper{resolutions: []market.Resolution{
		{TargetType: market.TargetJob, TargetID: "job-1", Reason: market.ReasonExpired},
		{
			TargetType: market.TargetJob,
			TargetID:   "job-2",
			Reason:     market.ReasonExpired,
			Declined:   []market.DeclinedBid{{BidID: "b", CompanyID: "c"}},
		},
	}}

	require.NoError(t, m.handleSweep(context.Background(), sweeper))
	require.Len(t, enq.tasks, 1)
	assert.Equal(t, TypeBidResolved, enq.tasks[0].Type())

	var payload market.Resolution
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	assert.Equal(t, "job-2", payload.TargetID)
}

func TestEnqueueResolutionValidates(t *testing.T) {
	m := newTestManager(t, &memorySink{}, &recordingEnqueuer{})
	_, err := m.EnqueueResolution(context.Background(), nil)
	assert.Error(t, err)
	_, err = m.EnqueueResolution(context.Background(), &market.Resolution{})
	assert.Error(t, err)

	id, err := m.EnqueueResolution(context.Background(), &market.Resolution{TargetID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, "task-1", id)
}

func TestInboxRoundTrip(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL is not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()
	inbox := NewInbox(rdb, time.Hour, 2)
	companyID := "test-" + testNow.Format("150405.000000000")
	t.Cleanup(func() { _ = inbox.Clear(ctx, companyID) })

	for _, bid := range []string{"b1", "b2", "b3"} {
		require.NoError(t, inbox.Push(ctx, companyID, Notification{Kind: KindBidDeclined, CompanyID: companyID, BidID: bid}))
	}

	got, err := inbox.List(ctx, companyID, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b3", got[0].BidID)
	assert.Equal(t, "b2", got[1].BidID)

	ttl, err := rdb.TTL(ctx, inboxKey(companyID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, inbox.Clear(ctx, companyID))
	got, err = inbox.List(ctx, companyID, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}
