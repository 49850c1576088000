package market

import (
	"net/mail"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/yourusername/bid-forge/internal/apperr"
)

const (
	maxNameLength        = 200
	maxTitleLength       = 200
	maxDescriptionLength = 10000
	maxMessageLength     = 5000
	maxContractJobs      = 50
)

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func tooLong(s string, max int) bool {
	return utf8.RuneCountInString(s) > max
}

func normalizeCompanyInput(in *CompanyInput) error {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	in.Phone = strings.TrimSpace(in.Phone)
	in.Email = strings.TrimSpace(in.Email)
	in.Website = strings.TrimSpace(in.Website)

	switch {
	case in.Name == "":
		return apperr.Invalid("会社名を入力してください。")
	case tooLong(in.Name, maxNameLength):
		return apperr.Invalid("会社名が長すぎます。")
	case tooLong(in.Description, maxDescriptionLength):
		return apperr.Invalid("会社の説明が長すぎます。")
	}
	if in.Email != "" {
		if _, err := mail.ParseAddress(in.Email); err != nil {
			return apperr.Invalid("メールアドレスの形式が正しくありません。")
		}
	}
	if in.Website != "" {
		u, err := url.Parse(in.Website)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return apperr.Invalid("Web サイトは http または https の URL で指定してください。")
		}
	}
	return nil
}

func normalizeJobInput(in *JobInput, now time.Time) error {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	in.Category = strings.TrimSpace(in.Category)
	in.Address = strings.TrimSpace(in.Address)
	in.City = strings.TrimSpace(in.City)
	in.State = strings.TrimSpace(in.State)
	in.PostalCode = strings.TrimSpace(in.PostalCode)

	switch {
	case in.Title == "":
		return apperr.Invalid("案件名を入力してください。")
	case tooLong(in.Title, maxTitleLength):
		return apperr.Invalid("案件名が長すぎます。")
	case tooLong(in.Description, maxDescriptionLength):
		return apperr.Invalid("案件の説明が長すぎます。")
	case in.BudgetCents != nil && *in.BudgetCents < 0:
		return apperr.Invalid("予算は0以上で指定してください。")
	case in.Deadline != nil && !in.Deadline.After(now):
		return apperr.Invalid("締め切りは未来の日時を指定してください。")
	}
	return nil
}

// normalizeContractInput は案件IDの重複を除きます。
func normalizeContractInput(in *ContractInput, now time.Time) error {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)

	switch {
	case in.Title == "":
		return apperr.Invalid("契約名を入力してください。")
	case tooLong(in.Title, maxTitleLength):
		return apperr.Invalid("契約名が長すぎます。")
	case tooLong(in.Description, maxDescriptionLength):
		return apperr.Invalid("契約の説明が長すぎます。")
	case in.Deadline != nil && !in.Deadline.After(now):
		return apperr.Invalid("締め切りは未来の日時を指定してください。")
	case len(in.JobIDs) == 0:
		return apperr.Invalid("契約には1件以上の案件が必要です。")
	}

	seen := make(map[string]struct{}, len(in.JobIDs))
	ids := make([]string, 0, len(in.JobIDs))
	for _, id := range in.JobIDs {
		if !validID(id) {
			return notFound(TargetJob)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) > maxContractJobs {
		return apperr.Invalid("1つの契約に含められる案件が多すぎます。")
	}
	in.JobIDs = ids
	return nil
}

func normalizeBidInput(in *BidInput) error {
	in.Message = strings.TrimSpace(in.Message)

	tt, err := ParseTargetType(string(in.TargetType))
	if err != nil {
		return apperr.Invalid("入札対象の種別は job または contract を指定してください。")
	}
	in.TargetType = tt

	switch {
	case !validID(in.CompanyID):
		return errCompanyNotFound()
	case !validID(in.TargetID):
		return notFound(tt)
	case in.AmountCents <= 0:
		return apperr.Invalid("入札金額は0より大きい値を指定してください。")
	case tooLong(in.Message, maxMessageLength):
		return apperr.Invalid("メッセージが長すぎます。")
	}
	return nil
}
