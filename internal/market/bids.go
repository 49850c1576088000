package market

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/yourusername/bid-forge/internal/database"
)

// expireBatchSize は1回の期限切れ処理で閉じる件数の上限です。
const expireBatchSize = 100

// targetTable は入札対象の種別ごとのテーブルと bids の参照列です。
type targetTable struct {
	table     string
	bidColumn string
}

var targetTables = map[TargetType]targetTable{
	TargetJob:      {table: "jobs", bidColumn: "job_id"},
	TargetContract: {table: "contracts", bidColumn: "contract_id"},
}

func tableFor(tt TargetType) (targetTable, error) {
	tbl, ok := targetTables[tt]
	if !ok {
		return targetTable{}, fmt.Errorf("unknown target type %q", tt)
	}
	return tbl, nil
}

// lockedTarget はロック済みの案件または契約です。契約の場合 ContractID は常に nil です。
type lockedTarget struct {
	ID         string  `db:"id"`
	CompanyID  string  `db:"company_id"`
	OwnerID    string  `db:"owner_id"`
	ContractID *string `db:"contract_id"`
	IsActive   bool    `db:"is_active"`
}

type lockMode string

const (
	lockUpdate lockMode = "UPDATE"
	lockShare  lockMode = "SHARE"
)

// lockTarget は対象の行をロックして取得します。
// 承認は lockUpdate で直列化され、入札は lockShare でクローズと競合します。
func lockTarget(ctx context.Context, tx *sqlx.Tx, tt TargetType, id string, mode lockMode) (*lockedTarget, error) {
	tbl, err := tableFor(tt)
	if err != nil {
		return nil, err
	}
	contractExpr := "t.contract_id"
	if tt == TargetContract {
		contractExpr = "NULL::uuid AS contract_id"
	}
	query := fmt.Sprintf(`
		SELECT t.id, t.company_id, c.owner_id, %s, t.is_active
		FROM %s t
		JOIN companies c ON c.id = t.company_id
		WHERE t.id = $1
		FOR %s OF t
	`, contractExpr, tbl.table, mode)

	var target lockedTarget
	if err := tx.GetContext(ctx, &target, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(tt)
		}
		return nil, fmt.Errorf("lock %s: %w", tt, err)
	}
	return &target, nil
}

func getBidForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*Bid, error) {
	var b Bid
	err := tx.GetContext(ctx, &b, `SELECT `+bidColumns+` FROM bids WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errBidNotFound()
	}
	if err != nil {
		return nil, fmt.Errorf("lock bid: %w", err)
	}
	return &b, nil
}

// declinePending は対象の保留中の入札を辞退にします。exceptBidID が空でなければ除外します。
func declinePending(ctx context.Context, tx *sqlx.Tx, column, targetID, exceptBidID string, now time.Time) ([]DeclinedBid, error) {
	query := `
		UPDATE bids
		SET status = 'declined', is_active = false, decided_at = $2, updated_at = $2
		WHERE ` + column + ` = $1 AND status = 'pending'`
	args := []any{targetID, now}
	if exceptBidID != "" {
		query += ` AND id <> $3`
		args = append(args, exceptBidID)
	}
	query += ` RETURNING id, bidder_company_id, job_id`

	declined := []DeclinedBid{}
	if err := tx.SelectContext(ctx, &declined, query, args...); err != nil {
		return nil, fmt.Errorf("decline pending bids: %w", err)
	}
	return declined, nil
}

// closeTarget は対象を受付終了にし、保留中の入札を辞退にします。
// 契約の場合は含まれる案件も受付終了にし、それらに残った入札も辞退にします。
func closeTarget(ctx context.Context, tx *sqlx.Tx, res *Resolution, exceptBidID string, now time.Time) error {
	tbl, err := tableFor(res.TargetType)
	if err != nil {
		return err
	}

	declined, err := declinePending(ctx, tx, tbl.bidColumn, res.TargetID, exceptBidID, now)
	if err != nil {
		return err
	}
	res.Declined = append(res.Declined, declined...)

	if _, err := tx.ExecContext(ctx,
		`UPDATE `+tbl.table+` SET is_active = false, updated_at = $2 WHERE id = $1`,
		res.TargetID, now,
	); err != nil {
		return fmt.Errorf("deactivate %s: %w", res.TargetType, err)
	}

	if res.TargetType != TargetContract {
		return nil
	}

	jobIDs := []string{}
	if err := tx.SelectContext(ctx, &jobIDs, `
		UPDATE jobs
		SET is_active = false, updated_at = $2
		WHERE contract_id = $1 AND is_active
		RETURNING id
	`, res.TargetID, now); err != nil {
		return fmt.Errorf("deactivate contract jobs: %w", err)
	}
	res.DeactivatedJobIDs = jobIDs
	if len(jobIDs) == 0 {
		return nil
	}

	stray := []DeclinedBid{}
	if err := tx.SelectContext(ctx, &stray, `
		UPDATE bids
		SET status = 'declined', is_active = false, decided_at = $2, updated_at = $2
		WHERE job_id = ANY($1) AND status = 'pending'
		RETURNING id, bidder_company_id, job_id
	`, pq.Array(jobIDs), now); err != nil {
		return fmt.Errorf("decline contract job bids: %w", err)
	}
	res.Declined = append(res.Declined, stray...)
	return nil
}

// AcceptBid は入札を承認し、同じ対象への他の入札を辞退にして対象を受付終了にします。
// 対象の行を最初にロックするため、同じ対象への承認は直列に処理されます。
// 既に承認済みの入札を再度承認した場合は何も変更せず AlreadyAccepted を返します。
func (s *Store) AcceptBid(ctx context.Context, actorID string, tt TargetType, targetID, bidID string) (*Resolution, error) {
	var res *Resolution
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		target, err := lockTarget(ctx, tx, tt, targetID, lockUpdate)
		if err != nil {
			return err
		}
		if target.OwnerID != actorID {
			return errForbidden
		}

		bid, err := getBidForUpdate(ctx, tx, bidID)
		if err != nil {
			return err
		}
		if bt, bidTarget := bid.Target(); bt != tt || bidTarget != targetID {
			return errBidMismatch
		}

		res = &Resolution{TargetType: tt, TargetID: targetID, Reason: ReasonAccepted, Declined: []DeclinedBid{}}
		if bid.Status == BidAccepted {
			res.Accepted = bid
			res.AlreadyAccepted = true
			return nil
		}
		if !target.IsActive {
			return errTargetClosed
		}
		if bid.Status != BidPending {
			return errBidNotPending
		}

		now := s.now().UTC()
		result, err := tx.ExecContext(ctx, `
			UPDATE bids
			SET status = 'accepted', is_active = false, decided_at = $2, updated_at = $2
			WHERE id = $1 AND status = 'pending'
		`, bidID, now)
		if err != nil {
			if database.IsUniqueViolation(err, "") {
				return errTargetClosed
			}
			return fmt.Errorf("accept bid: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows != 1 {
			return errBidNotPending
		}
		bid.Status = BidAccepted
		bid.IsActive = false
		bid.DecidedAt = &now
		bid.UpdatedAt = now
		res.Accepted = bid

		return closeTarget(ctx, tx, res, bidID, now)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// DeclineBid は保留中の入札を1件だけ辞退にします。対象は受付中のままです。
func (s *Store) DeclineBid(ctx context.Context, actorID string, tt TargetType, targetID, bidID string) (*Resolution, error) {
	var res *Resolution
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		target, err := lockTarget(ctx, tx, tt, targetID, lockUpdate)
		if err != nil {
			return err
		}
		if target.OwnerID != actorID {
			return errForbidden
		}
		bid, err := getBidForUpdate(ctx, tx, bidID)
		if err != nil {
			return err
		}
		if bt, bidTarget := bid.Target(); bt != tt || bidTarget != targetID {
			return errBidMismatch
		}
		if bid.Status != BidPending {
			return errBidNotPending
		}

		now := s.now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE bids
			SET status = 'declined', is_active = false, decided_at = $2, updated_at = $2
			WHERE id = $1
		`, bidID, now); err != nil {
			return fmt.Errorf("decline bid: %w", err)
		}
		res = &Resolution{
			TargetType: tt,
			TargetID:   targetID,
			Reason:     ReasonDeclined,
			Declined:   []DeclinedBid{{BidID: bid.ID, CompanyID: bid.BidderCompanyID, JobID: bid.JobID}},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// WithdrawBid は入札した会社のオーナーが保留中の入札を取り下げます。
func (s *Store) WithdrawBid(ctx context.Context, actorID, bidID string) (*Bid, error) {
	var bid Bid
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var row struct {
			Bid
			OwnerID string `db:"owner_id"`
		}
		err := tx.GetContext(ctx, &row, `
			SELECT `+qualify("b", bidColumns)+`, c.owner_id
			FROM bids b
			JOIN companies c ON c.id = b.bidder_company_id
			WHERE b.id = $1
			FOR UPDATE OF b
		`, bidID)
		if errors.Is(err, sql.ErrNoRows) {
			return errBidNotFound()
		}
		if err != nil {
			return fmt.Errorf("lock bid: %w", err)
		}
		if row.OwnerID != actorID {
			return errForbidden
		}
		if row.Status != BidPending {
			return errBidNotPending
		}

		now := s.now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE bids
			SET status = 'withdrawn', is_active = false, decided_at = $2, updated_at = $2
			WHERE id = $1
		`, bidID, now); err != nil {
			return fmt.Errorf("withdraw bid: %w", err)
		}
		bid = row.Bid
		bid.Status = BidWithdrawn
		bid.IsActive = false
		bid.DecidedAt = &now
		bid.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &bid, nil
}

// PlaceBid は受付中の対象に入札を登録します。
func (s *Store) PlaceBid(ctx context.Context, actorID string, b *Bid) error {
	tt, targetID := b.Target()
	return database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var ownerID string
		err := tx.GetContext(ctx, &ownerID, `SELECT owner_id FROM companies WHERE id = $1`, b.BidderCompanyID)
		if errors.Is(err, sql.ErrNoRows) {
			return errCompanyNotFound()
		}
		if err != nil {
			return fmt.Errorf("get bidder company: %w", err)
		}
		if ownerID != actorID {
			return errForbidden
		}

		target, err := lockTarget(ctx, tx, tt, targetID, lockShare)
		if err != nil {
			return err
		}
		if target.CompanyID == b.BidderCompanyID || target.OwnerID == actorID {
			return errOwnTarget
		}
		if target.ContractID != nil {
			return errJobInContract
		}
		if !target.IsActive {
			return errTargetClosed
		}

		tbl, err := tableFor(tt)
		if err != nil {
			return err
		}
		var exists bool
		if err := tx.GetContext(ctx, &exists, `
			SELECT EXISTS (
				SELECT 1 FROM bids WHERE `+tbl.bidColumn+` = $1 AND bidder_company_id = $2 AND is_active
			)
		`, targetID, b.BidderCompanyID); err != nil {
			return fmt.Errorf("check duplicate bid: %w", err)
		}
		if exists {
			return errDuplicateBid
		}

		now := s.now().UTC()
		if b.ID == "" {
			b.ID = uuid.NewString()
		}
		b.Status = BidPending
		b.IsActive = true
		b.DecidedAt = nil
		b.CreatedAt = now
		b.UpdatedAt = now

		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO bids (id, bidder_company_id, job_id, contract_id, amount_cents, message, status,
			                  is_active, created_at, updated_at)
			VALUES (:id, :bidder_company_id, :job_id, :contract_id, :amount_cents, :message, :status,
			        :is_active, :created_at, :updated_at)
		`, b); err != nil {
			if database.IsUniqueViolation(err, "") {
				return errDuplicateBid
			}
			return fmt.Errorf("insert bid: %w", err)
		}
		return nil
	})
}

// CloseTarget はオーナーが対象の受付を終了します。
func (s *Store) CloseTarget(ctx context.Context, actorID string, tt TargetType, targetID string) (*Resolution, error) {
	var res *Resolution
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		target, err := lockTarget(ctx, tx, tt, targetID, lockUpdate)
		if err != nil {
			return err
		}
		if target.OwnerID != actorID {
			return errForbidden
		}
		if target.ContractID != nil {
			return errJobInContract
		}
		if !target.IsActive {
			return errTargetClosed
		}
		res = &Resolution{TargetType: tt, TargetID: targetID, Reason: ReasonClosed, Declined: []DeclinedBid{}}
		return closeTarget(ctx, tx, res, "", s.now().UTC())
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CloseExpired は締め切りを過ぎた契約と案件を受付終了にします。
// 他のトランザクションがロック中の行は飛ばし、次回の実行で処理します。
func (s *Store) CloseExpired(ctx context.Context, now time.Time) ([]Resolution, error) {
	var resolutions []Resolution
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		resolutions = nil

		contractIDs := []string{}
		if err := tx.SelectContext(ctx, &contractIDs, `
			SELECT id FROM contracts
			WHERE is_active AND deadline IS NOT NULL AND deadline <= $1
			ORDER BY deadline
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		`, now, expireBatchSize); err != nil {
			return fmt.Errorf("select expired contracts: %w", err)
		}
		for _, id := range contractIDs {
			res := Resolution{TargetType: TargetContract, TargetID: id, Reason: ReasonExpired, Declined: []DeclinedBid{}}
			if err := closeTarget(ctx, tx, &res, "", now); err != nil {
				return err
			}
			resolutions = append(resolutions, res)
		}

		jobIDs := []string{}
		if err := tx.SelectContext(ctx, &jobIDs, `
			SELECT id FROM jobs
			WHERE is_active AND contract_id IS NULL AND deadline IS NOT NULL AND deadline <= $1
			ORDER BY deadline
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		`, now, expireBatchSize); err != nil {
			return fmt.Errorf("select expired jobs: %w", err)
		}
		for _, id := range jobIDs {
			res := Resolution{TargetType: TargetJob, TargetID: id, Reason: ReasonExpired, Declined: []DeclinedBid{}}
			if err := closeTarget(ctx, tx, &res, "", now); err != nil {
				return err
			}
			resolutions = append(resolutions, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resolutions, nil
}

// CreateContract は案件をまとめて契約を作成し、それらの案件への個別の入札を辞退にします。
func (s *Store) CreateContract(ctx context.Context, actorID string, c *Contract, jobIDs []string) (*Resolution, error) {
	var res *Resolution
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var ownerID string
		err := tx.GetContext(ctx, &ownerID, `SELECT owner_id FROM companies WHERE id = $1`, c.CompanyID)
		if errors.Is(err, sql.ErrNoRows) {
			return errCompanyNotFound()
		}
		if err != nil {
			return fmt.Errorf("get company: %w", err)
		}
		if ownerID != actorID {
			return errForbidden
		}

		jobs := []Job{}
		if err := tx.SelectContext(ctx, &jobs, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE id = ANY($1)
			ORDER BY created_at
			FOR UPDATE
		`, pq.Array(jobIDs)); err != nil {
			return fmt.Errorf("lock contract jobs: %w", err)
		}
		if len(jobs) != len(jobIDs) {
			return notFound(TargetJob)
		}
		for _, j := range jobs {
			switch {
			case j.CompanyID != c.CompanyID:
				return errJobUnavailable("他社の案件は契約に含められません。")
			case j.ContractID != nil:
				return errJobUnavailable("既に契約に含まれている案件があります。")
			case !j.IsActive:
				return errJobUnavailable("受付を終了した案件は契約に含められません。")
			}
		}

		now := s.now().UTC()
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.IsActive = true
		c.CreatedAt = now
		c.UpdatedAt = now
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO contracts (id, company_id, title, description, deadline, is_active, created_at, updated_at)
			VALUES (:id, :company_id, :title, :description, :deadline, :is_active, :created_at, :updated_at)
		`, c); err != nil {
			return fmt.Errorf("insert contract: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET contract_id = $1, updated_at = $3 WHERE id = ANY($2)`,
			c.ID, pq.Array(jobIDs), now,
		); err != nil {
			return fmt.Errorf("attach contract jobs: %w", err)
		}

		declined := []DeclinedBid{}
		if err := tx.SelectContext(ctx, &declined, `
			UPDATE bids
			SET status = 'declined', is_active = false, decided_at = $2, updated_at = $2
			WHERE job_id = ANY($1) AND status = 'pending'
			RETURNING id, bidder_company_id, job_id
		`, pq.Array(jobIDs), now); err != nil {
			return fmt.Errorf("decline bundled job bids: %w", err)
		}

		for i := range jobs {
			jobs[i].ContractID = &c.ID
			jobs[i].UpdatedAt = now
		}
		c.Jobs = jobs
		res = &Resolution{TargetType: TargetContract, TargetID: c.ID, Reason: ReasonBundled, Declined: declined}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
