package market

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/bid-forge/internal/apperr"
	"github.com/yourusername/bid-forge/internal/metrics"
)

// Notifier は確定した入札結果を入札者へ通知します。
type Notifier interface {
	NotifyResolution(ctx context.Context, res *Resolution) error
}

// Service はマーケットの操作に権限確認と入力検証を加えます。
type Service struct {
	store    *Store
	notifier Notifier
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// NewService は Service を作成します。notifier は nil でも構いません。
func NewService(store *Store, notifier Notifier, logger *zap.SugaredLogger) *Service {
	return &Service{
		store:    store,
		notifier: notifier,
		logger:   logger.Named("market"),
		now:      time.Now,
	}
}

// --- Company ----------------------------------------------------------------

func (s *Service) CreateCompany(ctx context.Context, actorID string, in CompanyInput) (*Company, error) {
	if err := normalizeCompanyInput(&in); err != nil {
		return nil, err
	}
	c := &Company{
		OwnerID:     actorID,
		Name:        in.Name,
		Description: in.Description,
		Phone:       in.Phone,
		Email:       in.Email,
		Website:     in.Website,
	}
	if err := s.store.CreateCompany(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Infow("company created", "company", c.ID, "owner", actorID)
	return c, nil
}

func (s *Service) ListMyCompanies(ctx context.Context, actorID string) ([]Company, error) {
	return s.store.ListCompaniesByOwner(ctx, actorID)
}

func (s *Service) GetCompany(ctx context.Context, id string) (*Company, error) {
	if !validID(id) {
		return nil, errCompanyNotFound()
	}
	return s.store.GetCompany(ctx, id)
}

func (s *Service) UpdateCompany(ctx context.Context, actorID, id string, in CompanyInput) (*Company, error) {
	c, err := s.RequireCompanyOwner(ctx, actorID, id)
	if err != nil {
		return nil, err
	}
	if err := normalizeCompanyInput(&in); err != nil {
		return nil, err
	}
	c.Name = in.Name
	c.Description = in.Description
	c.Phone = in.Phone
	c.Email = in.Email
	c.Website = in.Website
	if err := s.store.UpdateCompany(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// RequireCompanyOwner は actorID が会社のオーナーであることを確認します。
func (s *Service) RequireCompanyOwner(ctx context.Context, actorID, companyID string) (*Company, error) {
	c, err := s.GetCompany(ctx, companyID)
	if err != nil {
		return nil, err
	}
	if c.OwnerID != actorID {
		return nil, errForbidden
	}
	return c, nil
}

// --- Job --------------------------------------------------------------------

func (s *Service) CreateJob(ctx context.Context, actorID string, in JobInput) (*Job, error) {
	if err := normalizeJobInput(&in, s.now()); err != nil {
		return nil, err
	}
	if _, err := s.RequireCompanyOwner(ctx, actorID, in.CompanyID); err != nil {
		return nil, err
	}
	j := &Job{CompanyID: in.CompanyID}
	applyJobInput(j, in)
	if err := s.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	s.logger.Infow("job created", "job", j.ID, "company", j.CompanyID)
	return j, nil
}

func (s *Service) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	return s.store.ListJobs(ctx, f)
}

func (s *Service) ListCompanyJobs(ctx context.Context, companyID string) ([]Job, error) {
	if !validID(companyID) {
		return nil, errCompanyNotFound()
	}
	return s.store.ListJobsByCompany(ctx, companyID)
}

func (s *Service) GetJob(ctx context.Context, id string) (*Job, error) {
	if !validID(id) {
		return nil, notFound(TargetJob)
	}
	return s.store.GetJob(ctx, id)
}

func (s *Service) UpdateJob(ctx context.Context, actorID, id string, in JobInput) (*Job, error) {
	j, err := s.requireJob(ctx, actorID, id)
	if err != nil {
		return nil, err
	}
	if !j.IsActive {
		return nil, errTargetClosed
	}
	if err := normalizeJobInput(&in, s.now()); err != nil {
		return nil, err
	}
	applyJobInput(j, in)
	if err := s.store.UpdateJob(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *Service) CloseJob(ctx context.Context, actorID, id string) (*Resolution, error) {
	return s.closeListing(ctx, actorID, TargetJob, id)
}

// RequireJobOwner は actorID が案件を掲載した会社のオーナーであることを確認します。
func (s *Service) RequireJobOwner(ctx context.Context, actorID, jobID string) error {
	_, err := s.requireJob(ctx, actorID, jobID)
	return err
}

func (s *Service) requireJob(ctx context.Context, actorID, jobID string) (*Job, error) {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if _, err := s.RequireCompanyOwner(ctx, actorID, j.CompanyID); err != nil {
		return nil, err
	}
	return j, nil
}

func applyJobInput(j *Job, in JobInput) {
	j.Title = in.Title
	j.Description = in.Description
	j.Category = in.Category
	j.Address = in.Address
	j.City = in.City
	j.State = in.State
	j.PostalCode = in.PostalCode
	j.BudgetCents = in.BudgetCents
	j.Deadline = in.Deadline
}

// --- Contract ---------------------------------------------------------------

func (s *Service) CreateContract(ctx context.Context, actorID string, in ContractInput) (*Contract, error) {
	if err := normalizeContractInput(&in, s.now()); err != nil {
		return nil, err
	}
	if !validID(in.CompanyID) {
		return nil, errCompanyNotFound()
	}
	c := &Contract{
		CompanyID:   in.CompanyID,
		Title:       in.Title,
		Description: in.Description,
		Deadline:    in.Deadline,
	}
	res, err := s.store.CreateContract(ctx, actorID, c, in.JobIDs)
	if err != nil {
		return nil, err
	}
	metrics.RecordBidTransition(metrics.OutcomeDeclined, len(res.Declined))
	s.logger.Infow("contract created",
		"contract", c.ID,
		"company", c.CompanyID,
		"jobs", len(c.Jobs),
		"declined", len(res.Declined),
	)
	s.notify(ctx, res)
	return c, nil
}

func (s *Service) GetContract(ctx context.Context, id string) (*Contract, error) {
	if !validID(id) {
		return nil, notFound(TargetContract)
	}
	c, err := s.store.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Jobs, err = s.store.ListJobsByContract(ctx, id); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) ListCompanyContracts(ctx context.Context, companyID string) ([]Contract, error) {
	if !validID(companyID) {
		return nil, errCompanyNotFound()
	}
	return s.store.ListContractsByCompany(ctx, companyID)
}

func (s *Service) CloseContract(ctx context.Context, actorID, id string) (*Resolution, error) {
	return s.closeListing(ctx, actorID, TargetContract, id)
}

func (s *Service) closeListing(ctx context.Context, actorID string, tt TargetType, id string) (*Resolution, error) {
	if !validID(id) {
		return nil, notFound(tt)
	}
	res, err := s.store.CloseTarget(ctx, actorID, tt, id)
	if err != nil {
		return nil, err
	}
	metrics.RecordListingClosed(string(tt), string(ReasonClosed))
	metrics.RecordBidTransition(metrics.OutcomeDeclined, len(res.Declined))
	s.logger.Infow("listing closed", "target", tt, "id", id, "declined", len(res.Declined))
	s.notify(ctx, res)
	return res, nil
}

// --- Bid --------------------------------------------------------------------

func (s *Service) PlaceBid(ctx context.Context, actorID string, in BidInput) (*Bid, error) {
	if err := normalizeBidInput(&in); err != nil {
		return nil, err
	}
	b := &Bid{
		BidderCompanyID: in.CompanyID,
		AmountCents:     in.AmountCents,
		Message:         in.Message,
	}
	targetID := in.TargetID
	if in.TargetType == TargetContract {
		b.ContractID = &targetID
	} else {
		b.JobID = &targetID
	}
	if err := s.store.PlaceBid(ctx, actorID, b); err != nil {
		return nil, err
	}
	metrics.RecordBidPlaced()
	s.logger.Infow("bid placed", "bid", b.ID, "company", b.BidderCompanyID, "target", in.TargetType, "id", targetID)
	return b, nil
}

// ListTargetBids は対象への入札一覧を返します。対象のオーナーのみ閲覧できます。
func (s *Service) ListTargetBids(ctx context.Context, actorID string, tt TargetType, targetID string) ([]Bid, error) {
	var companyID string
	switch tt {
	case TargetJob:
		j, err := s.GetJob(ctx, targetID)
		if err != nil {
			return nil, err
		}
		companyID = j.CompanyID
	case TargetContract:
		if !validID(targetID) {
			return nil, notFound(tt)
		}
		c, err := s.store.GetContract(ctx, targetID)
		if err != nil {
			return nil, err
		}
		companyID = c.CompanyID
	default:
		return nil, apperr.Invalid("入札対象の種別が正しくありません。")
	}
	if _, err := s.RequireCompanyOwner(ctx, actorID, companyID); err != nil {
		return nil, err
	}
	return s.store.ListBidsByTarget(ctx, tt, targetID)
}

// ListCompanyBids は会社が行った入札の一覧を返します。会社のオーナーのみ閲覧できます。
func (s *Service) ListCompanyBids(ctx context.Context, actorID, companyID string) ([]Bid, error) {
	if _, err := s.RequireCompanyOwner(ctx, actorID, companyID); err != nil {
		return nil, err
	}
	return s.store.ListBidsByCompany(ctx, companyID)
}

func (s *Service) WithdrawBid(ctx context.Context, actorID, bidID string) (*Bid, error) {
	if !validID(bidID) {
		return nil, errBidNotFound()
	}
	b, err := s.store.WithdrawBid(ctx, actorID, bidID)
	if err != nil {
		return nil, err
	}
	metrics.RecordBidTransition(metrics.OutcomeWithdrawn, 1)
	s.logger.Infow("bid withdrawn", "bid", b.ID, "company", b.BidderCompanyID)
	return b, nil
}

func (s *Service) DeclineBid(ctx context.Context, actorID string, tt TargetType, targetID, bidID string) (*Resolution, error) {
	if err := checkBidPath(tt, targetID, bidID); err != nil {
		return nil, err
	}
	res, err := s.store.DeclineBid(ctx, actorID, tt, targetID, bidID)
	if err != nil {
		return nil, err
	}
	metrics.RecordBidTransition(metrics.OutcomeDeclined, 1)
	s.logger.Infow("bid declined", "bid", bidID, "target", tt, "id", targetID)
	s.notify(ctx, res)
	return res, nil
}

// AcceptBid は入札を承認します。対象の他の入札は辞退になり、対象は受付終了になります。
func (s *Service) AcceptBid(ctx context.Context, actorID string, tt TargetType, targetID, bidID string) (*Resolution, error) {
	if err := checkBidPath(tt, targetID, bidID); err != nil {
		return nil, err
	}
	res, err := s.store.AcceptBid(ctx, actorID, tt, targetID, bidID)
	if err != nil {
		switch apperr.CodeOf(err) {
		case CodeTargetClosed, CodeBidNotPending:
			metrics.RecordBidTransition(metrics.OutcomeConflict, 1)
			s.logger.Warnw("bid acceptance rejected", "bid", bidID, "target", tt, "id", targetID, "error", err)
		}
		return nil, err
	}
	if res.AlreadyAccepted {
		s.logger.Infow("bid already accepted", "bid", bidID, "target", tt, "id", targetID)
		return res, nil
	}

	metrics.RecordBidTransition(metrics.OutcomeAccepted, 1)
	metrics.RecordBidTransition(metrics.OutcomeDeclined, len(res.Declined))
	metrics.RecordListingClosed(string(tt), string(ReasonAccepted))
	s.logger.Infow("bid accepted",
		"bid", bidID,
		"target", tt,
		"id", targetID,
		"declined", len(res.Declined),
		"deactivatedJobs", len(res.DeactivatedJobIDs),
	)
	s.notify(ctx, res)
	return res, nil
}

// CloseExpiredListings は締め切りを過ぎた案件と契約を受付終了にします。
// 通知は呼び出し側が行います。
func (s *Service) CloseExpiredListings(ctx context.Context, now time.Time) ([]Resolution, error) {
	resolutions, err := s.store.CloseExpired(ctx, now)
	if err != nil {
		return nil, err
	}
	for _, res := range resolutions {
		metrics.RecordListingClosed(string(res.TargetType), string(ReasonExpired))
		metrics.RecordBidTransition(metrics.OutcomeExpired, len(res.Declined))
	}
	if len(resolutions) > 0 {
		s.logger.Infow("expired listings closed", "count", len(resolutions))
	}
	return resolutions, nil
}

func checkBidPath(tt TargetType, targetID, bidID string) error {
	if _, ok := targetTables[tt]; !ok {
		return apperr.Invalid("入札対象の種別が正しくありません。")
	}
	if !validID(targetID) {
		return notFound(tt)
	}
	if !validID(bidID) {
		return errBidNotFound()
	}
	return nil
}

// notify はコミット後に通知を依頼します。失敗してもコミット済みの変更は取り消しません。
func (s *Service) notify(ctx context.Context, res *Resolution) {
	if s.notifier == nil || !res.HasNotifications() {
		return
	}
	if err := s.notifier.NotifyResolution(context.WithoutCancel(ctx), res); err != nil {
		s.logger.Errorw("failed to enqueue bid notifications",
			"target", res.TargetType,
			"id", res.TargetID,
			"error", err,
		)
	}
}
