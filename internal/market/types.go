// Package market は会社・案件・契約・入札と、入札承認のワークフローを提供します。
package market

import (
	"fmt"
	"strings"
	"time"
)

// TargetType は入札対象の種別を表します。
type TargetType string

const (
	TargetJob      TargetType = "job"
	TargetContract TargetType = "contract"
)

// ParseTargetType は文字列を TargetType に変換します。
func ParseTargetType(s string) (TargetType, error) {
	switch TargetType(strings.ToLower(strings.TrimSpace(s))) {
	case TargetJob:
		return TargetJob, nil
	case TargetContract:
		return TargetContract, nil
	default:
		return "", fmt.Errorf("unknown target type %q", s)
	}
}

// BidStatus は入札の状態を表します。
type BidStatus string

const (
	BidPending   BidStatus = "pending"
	BidAccepted  BidStatus = "accepted"
	BidDeclined  BidStatus = "declined"
	BidWithdrawn BidStatus = "withdrawn"
)

// CloseReason は案件・契約がクローズされた理由です。
type CloseReason string

const (
	ReasonAccepted CloseReason = "accepted"
	ReasonClosed   CloseReason = "closed"
	ReasonExpired  CloseReason = "expired"
	ReasonBundled  CloseReason = "bundled"
	ReasonDeclined CloseReason = "declined"
)

// Company は案件を掲載し、入札を行う会社です。
type Company struct {
	ID          string    `db:"id" json:"id"`
	OwnerID     string    `db:"owner_id" json:"ownerId"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	Phone       string    `db:"phone" json:"phone,omitempty"`
	Email       string    `db:"email" json:"email,omitempty"`
	Website     string    `db:"website" json:"website,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// Job は会社が掲載する作業案件です。ContractID が設定されている場合は契約の一部です。
type Job struct {
	ID          string     `db:"id" json:"id"`
	CompanyID   string     `db:"company_id" json:"companyId"`
	ContractID  *string    `db:"contract_id" json:"contractId,omitempty"`
	Title       string     `db:"title" json:"title"`
	Description string     `db:"description" json:"description"`
	Category    string     `db:"category" json:"category,omitempty"`
	Address     string     `db:"address" json:"address,omitempty"`
	City        string     `db:"city" json:"city,omitempty"`
	State       string     `db:"state" json:"state,omitempty"`
	PostalCode  string     `db:"postal_code" json:"postalCode,omitempty"`
	BudgetCents *int64     `db:"budget_cents" json:"budgetCents,omitempty"`
	Deadline    *time.Time `db:"deadline" json:"deadline,omitempty"`
	IsActive    bool       `db:"is_active" json:"isActive"`
	CreatedAt   time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updatedAt"`
}

// Contract は複数の案件をまとめて入札にかける単位です。
type Contract struct {
	ID          string     `db:"id" json:"id"`
	CompanyID   string     `db:"company_id" json:"companyId"`
	Title       string     `db:"title" json:"title"`
	Description string     `db:"description" json:"description"`
	Deadline    *time.Time `db:"deadline" json:"deadline,omitempty"`
	IsActive    bool       `db:"is_active" json:"isActive"`
	CreatedAt   time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updatedAt"`

	Jobs []Job `db:"-" json:"jobs,omitempty"`
}

// Bid は案件または契約に対する入札です。JobID と ContractID のどちらか一方のみが設定されます。
type Bid struct {
	ID              string     `db:"id" json:"id"`
	BidderCompanyID string     `db:"bidder_company_id" json:"companyId"`
	JobID           *string    `db:"job_id" json:"jobId,omitempty"`
	ContractID      *string    `db:"contract_id" json:"contractId,omitempty"`
	AmountCents     int64      `db:"amount_cents" json:"amountCents"`
	Message         string     `db:"message" json:"message"`
	Status          BidStatus  `db:"status" json:"status"`
	IsActive        bool       `db:"is_active" json:"isActive"`
	DecidedAt       *time.Time `db:"decided_at" json:"decidedAt,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updatedAt"`
}

// Target は入札対象の種別とIDを返します。
func (b *Bid) Target() (TargetType, string) {
	if b.ContractID != nil {
		return TargetContract, *b.ContractID
	}
	if b.JobID != nil {
		return TargetJob, *b.JobID
	}
	return "", ""
}

// DeclinedBid は辞退扱いになった入札と入札した会社です。
// 契約への取りまとめで辞退になった入札は JobID に元の案件を持ちます。
type DeclinedBid struct {
	BidID     string  `db:"id" json:"bidId"`
	CompanyID string  `db:"bidder_company_id" json:"companyId"`
	JobID     *string `db:"job_id" json:"jobId,omitempty"`
}

// Resolution は入札の承認や案件のクローズで確定した結果です。
type Resolution struct {
	TargetType        TargetType    `json:"targetType"`
	TargetID          string        `json:"targetId"`
	Reason            CloseReason   `json:"reason"`
	Accepted          *Bid          `json:"accepted,omitempty"`
	Declined          []DeclinedBid `json:"declined"`
	DeactivatedJobIDs []string      `json:"deactivatedJobIds,omitempty"`
	AlreadyAccepted   bool          `json:"alreadyAccepted"`
}

// HasNotifications は入札者へ通知すべき変化があるかを返します。
func (r *Resolution) HasNotifications() bool {
	if r == nil || r.AlreadyAccepted {
		return false
	}
	return r.Accepted != nil || len(r.Declined) > 0
}

// CompanyInput は会社の作成・更新リクエストです。
type CompanyInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Phone       string `json:"phone"`
	Email       string `json:"email"`
	Website     string `json:"website"`
}

// JobInput は案件の作成・更新リクエストです。更新時の CompanyID は無視されます。
type JobInput struct {
	CompanyID   string     `json:"companyId"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Category    string     `json:"category"`
	Address     string     `json:"address"`
	City        string     `json:"city"`
	State       string     `json:"state"`
	PostalCode  string     `json:"postalCode"`
	BudgetCents *int64     `json:"budgetCents"`
	Deadline    *time.Time `json:"deadline"`
}

// ContractInput は契約の作成リクエストです。
type ContractInput struct {
	CompanyID   string     `json:"companyId"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Deadline    *time.Time `json:"deadline"`
	JobIDs      []string   `json:"jobIds"`
}

// BidInput は入札リクエストです。
type BidInput struct {
	CompanyID   string     `json:"companyId"`
	TargetType  TargetType `json:"targetType"`
	TargetID    string     `json:"targetId"`
	AmountCents int64      `json:"amountCents"`
	Message     string     `json:"message"`
}

// JobFilter は公開中の案件一覧の絞り込み条件です。
type JobFilter struct {
	Category string
	City     string
	State    string
	Query    string
	Limit    int
	Offset   int
}
