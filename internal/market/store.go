package market

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const (
	companyColumns  = `id, owner_id, name, description, phone, email, website, created_at, updated_at`
	jobColumns      = `id, company_id, contract_id, title, description, category, address, city, state, postal_code, budget_cents, deadline, is_active, created_at, updated_at`
	contractColumns = `id, company_id, title, description, deadline, is_active, created_at, updated_at`
	bidColumns      = `id, bidder_company_id, job_id, contract_id, amount_cents, message, status, is_active, decided_at, created_at, updated_at`

	defaultPageSize = 20
	maxPageSize     = 100
)

// Store は会社・案件・契約・入札を PostgreSQL に保存します。
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewStore は Store を作成します。
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// qualify は "a, b" 形式の列リストにテーブル別名を付けます。
func qualify(alias, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}

// --- Company ----------------------------------------------------------------

func (s *Store) CreateCompany(ctx context.Context, c *Company) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := s.now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO companies (id, owner_id, name, description, phone, email, website, created_at, updated_at)
		VALUES (:id, :owner_id, :name, :description, :phone, :email, :website, :created_at, :updated_at)
	`, c)
	if err != nil {
		return fmt.Errorf("insert company: %w", err)
	}
	return nil
}

func (s *Store) GetCompany(ctx context.Context, id string) (*Company, error) {
	var c Company
	err := s.db.GetContext(ctx, &c, `SELECT `+companyColumns+` FROM companies WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errCompanyNotFound()
	}
	if err != nil {
		return nil, fmt.Errorf("get company: %w", err)
	}
	return &c, nil
}

func (s *Store) ListCompaniesByOwner(ctx context.Context, ownerID string) ([]Company, error) {
	companies := []Company{}
	err := s.db.SelectContext(ctx, &companies, `
		SELECT `+companyColumns+`
		FROM companies
		WHERE owner_id = $1
		ORDER BY created_at
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list companies: %w", err)
	}
	return companies, nil
}

func (s *Store) UpdateCompany(ctx context.Context, c *Company) error {
	c.UpdatedAt = s.now().UTC()
	result, err := s.db.NamedExecContext(ctx, `
		UPDATE companies
		SET name = :name, description = :description, phone = :phone, email = :email,
		    website = :website, updated_at = :updated_at
		WHERE id = :id
	`, c)
	if err != nil {
		return fmt.Errorf("update company: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return errCompanyNotFound()
	}
	return nil
}

// --- Job --------------------------------------------------------------------

func (s *Store) CreateJob(ctx context.Context, j *Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := s.now().UTC()
	j.IsActive = true
	j.CreatedAt = now
	j.UpdatedAt = now

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO jobs (id, company_id, contract_id, title, description, category, address, city, state,
		                  postal_code, budget_cents, deadline, is_active, created_at, updated_at)
		VALUES (:id, :company_id, :contract_id, :title, :description, :category, :address, :city, :state,
		        :postal_code, :budget_cents, :deadline, :is_active, :created_at, :updated_at)
	`, j)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	err := s.db.GetContext(ctx, &j, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(TargetJob)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &j, nil
}

// ListJobs は入札受付中で契約に含まれていない案件を新しい順に返します。
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	var (
		b    strings.Builder
		args []any
	)
	b.WriteString(`SELECT ` + jobColumns + ` FROM jobs WHERE is_active AND contract_id IS NULL`)
	where := func(cond string, v any) {
		args = append(args, v)
		fmt.Fprintf(&b, " AND "+cond, len(args))
	}
	if f.Category != "" {
		where("lower(category) = lower($%d)", f.Category)
	}
	if f.City != "" {
		where("lower(city) = lower($%d)", f.City)
	}
	if f.State != "" {
		where("lower(state) = lower($%d)", f.State)
	}
	if f.Query != "" {
		args = append(args, "%"+escapeLike(f.Query)+"%")
		fmt.Fprintf(&b, " AND (title ILIKE $%d OR description ILIKE $%d)", len(args), len(args))
	}

	limit, offset := normalizePage(f.Limit, f.Offset)
	args = append(args, limit, offset)
	fmt.Fprintf(&b, " ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	jobs := []Job{}
	if err := s.db.SelectContext(ctx, &jobs, b.String(), args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (s *Store) ListJobsByCompany(ctx context.Context, companyID string) ([]Job, error) {
	jobs := []Job{}
	err := s.db.SelectContext(ctx, &jobs, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE company_id = $1
		ORDER BY created_at DESC
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("list company jobs: %w", err)
	}
	return jobs, nil
}

func (s *Store) ListJobsByContract(ctx context.Context, contractID string) ([]Job, error) {
	jobs := []Job{}
	err := s.db.SelectContext(ctx, &jobs, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE contract_id = $1
		ORDER BY created_at
	`, contractID)
	if err != nil {
		return nil, fmt.Errorf("list contract jobs: %w", err)
	}
	return jobs, nil
}

// UpdateJob は受付中の案件のみ更新します。
func (s *Store) UpdateJob(ctx context.Context, j *Job) error {
	j.UpdatedAt = s.now().UTC()
	result, err := s.db.NamedExecContext(ctx, `
		UPDATE jobs
		SET title = :title, description = :description, category = :category, address = :address,
		    city = :city, state = :state, postal_code = :postal_code, budget_cents = :budget_cents,
		    deadline = :deadline, updated_at = :updated_at
		WHERE id = :id AND is_active
	`, j)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return errTargetClosed
	}
	return nil
}

// --- Contract ---------------------------------------------------------------

func (s *Store) GetContract(ctx context.Context, id string) (*Contract, error) {
	var c Contract
	err := s.db.GetContext(ctx, &c, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(TargetContract)
	}
	if err != nil {
		return nil, fmt.Errorf("get contract: %w", err)
	}
	return &c, nil
}

func (s *Store) ListContractsByCompany(ctx context.Context, companyID string) ([]Contract, error) {
	contracts := []Contract{}
	err := s.db.SelectContext(ctx, &contracts, `
		SELECT `+contractColumns+`
		FROM contracts
		WHERE company_id = $1
		ORDER BY created_at DESC
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	return contracts, nil
}

// --- Bid --------------------------------------------------------------------

func (s *Store) GetBid(ctx context.Context, id string) (*Bid, error) {
	var b Bid
	err := s.db.GetContext(ctx, &b, `SELECT `+bidColumns+` FROM bids WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errBidNotFound()
	}
	if err != nil {
		return nil, fmt.Errorf("get bid: %w", err)
	}
	return &b, nil
}

func (s *Store) ListBidsByTarget(ctx context.Context, tt TargetType, targetID string) ([]Bid, error) {
	tbl, ok := targetTables[tt]
	if !ok {
		return nil, fmt.Errorf("unknown target type %q", tt)
	}
	bids := []Bid{}
	err := s.db.SelectContext(ctx, &bids, `
		SELECT `+bidColumns+`
		FROM bids
		WHERE `+tbl.bidColumn+` = $1
		ORDER BY amount_cents, created_at
	`, targetID)
	if err != nil {
		return nil, fmt.Errorf("list target bids: %w", err)
	}
	return bids, nil
}

func (s *Store) ListBidsByCompany(ctx context.Context, companyID string) ([]Bid, error) {
	bids := []Bid{}
	err := s.db.SelectContext(ctx, &bids, `
		SELECT `+bidColumns+`
		FROM bids
		WHERE bidder_company_id = $1
		ORDER BY created_at DESC
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("list company bids: %w", err)
	}
	return bids, nil
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
