package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/yourusername/bid-forge/internal/logger"
)

type recordingNotifier struct {
	calls []*Resolution
	err   error
}

func (n *recordingNotifier) NotifyResolution(ctx context.Context, res *Resolution) error {
	n.calls = append(n.calls, res)
	return n.err
}

func newMockService(t *testing.T, notifier Notifier) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	store, mock := newMockStore(t)
	svc := NewService(store, notifier, logger.Test(t))
	svc.now = func() time.Time { return fixedNow }
	return svc, mock
}

func expectJobAcceptance(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	expectLockJob(mock, targetRows(jobID, ownerID, nil, true))
	expectLockBid(mock, bidRows(bidID, jobID, nil, BidPending))
	expectAccept(mock).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q("SET status = 'declined'")).
		WillReturnRows(declinedRows([3]any{otherBidID, companyID, jobID}))
	mock.ExpectExec(q("UPDATE jobs SET is_active = false")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestServiceAcceptBidNotifiesAfterCommit(t *testing.T) {
	notifier := &recordingNotifier{}
	svc, mock := newMockService(t, notifier)
	expectJobAcceptance(mock)

	res, err := svc.AcceptBid(context.Background(), ownerID, TargetJob, jobID, bidID)
	if err != nil {
		t.Fatalf("AcceptBid returned error: %v", err)
	}
	if len(notifier.calls) != 1 || notifier.calls[0] != res {
		t.Fatalf("expected one notification for the resolution, got %d", len(notifier.calls))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestServiceAcceptBidSurvivesNotifierFailure(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("redis down")}
	svc, mock := newMockService(t, notifier)
	expectJobAcceptance(mock)

	if _, err := svc.AcceptBid(context.Background(), ownerID, TargetJob, jobID, bidID); err != nil {
		t.Fatalf("notifier failure must not fail acceptance: %v", err)
	}
	if len(notifier.calls) != 1 {
		t.Fatalf("expected notifier to be called once, got %d", len(notifier.calls))
	}
}

func TestServiceAcceptBidRepeatDoesNotNotify(t *testing.T) {
	notifier := &recordingNotifier{}
	svc, mock := newMockService(t, notifier)

	mock.ExpectBegin()
	expectLockJob(mock, targetRows(jobID, ownerID, nil, false))
	expectLockBid(mock, bidRows(bidID, jobID, nil, BidAccepted))
	mock.ExpectCommit()

	res, err := svc.AcceptBid(context.Background(), ownerID, TargetJob, jobID, bidID)
	if err != nil {
		t.Fatalf("AcceptBid returned error: %v", err)
	}
	if !res.AlreadyAccepted {
		t.Fatal("expected alreadyAccepted")
	}
	if len(notifier.calls) != 0 {
		t.Fatalf("expected no notification, got %d", len(notifier.calls))
	}
}

func TestServiceAcceptBidRejectsMalformedIDs(t *testing.T) {
	svc, mock := newMockService(t, nil)

	_, err := svc.AcceptBid(context.Background(), ownerID, TargetJob, "not-a-uuid", bidID)
	assertCode(t, err, CodeJobNotFound)

	_, err = svc.AcceptBid(context.Background(), ownerID, TargetContract, contractID, "42")
	assertCode(t, err, CodeBidNotFound)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no query expected for malformed IDs: %v", err)
	}
}

func TestServiceUpdateCompanyRequiresOwner(t *testing.T) {
	svc, mock := newMockService(t, nil)

	mock.ExpectQuery(q("FROM companies WHERE id = $1")).
		WithArgs(companyID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "owner_id", "name", "description", "phone", "email", "website", "created_at", "updated_at",
		}).AddRow(companyID, ownerID, "Acme", "", "", "", "", fixedNow, fixedNow))

	_, err := svc.UpdateCompany(context.Background(), strangerID, companyID, CompanyInput{Name: "Hijack"})
	assertCode(t, err, "FORBIDDEN")
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
