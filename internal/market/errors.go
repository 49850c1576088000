package market

import (
	"net/http"

	"github.com/yourusername/bid-forge/internal/apperr"
)

// エラーコード
const (
	CodeCompanyNotFound   = "COMPANY_NOT_FOUND"
	CodeJobNotFound       = "JOB_NOT_FOUND"
	CodeContractNotFound  = "CONTRACT_NOT_FOUND"
	CodeBidNotFound       = "BID_NOT_FOUND"
	CodeTargetClosed      = "TARGET_CLOSED"
	CodeBidNotPending     = "BID_NOT_PENDING"
	CodeBidTargetMismatch = "BID_TARGET_MISMATCH"
	CodeOwnTarget         = "OWN_TARGET"
	CodeJobInContract     = "JOB_IN_CONTRACT"
	CodeDuplicateBid      = "DUPLICATE_BID"
	CodeJobUnavailable    = "JOB_UNAVAILABLE"
)

var (
	errForbidden = apperr.Forbidden("この操作を行う権限がありません。")

	errTargetClosed  = apperr.Conflict(CodeTargetClosed, "この案件の受付は終了しています。")
	errBidNotPending = apperr.Conflict(CodeBidNotPending, "この入札は既に処理済みです。")
	errBidMismatch   = apperr.Conflict(CodeBidTargetMismatch, "入札が指定された案件に属していません。")
	errOwnTarget     = apperr.Conflict(CodeOwnTarget, "自社の案件には入札できません。")
	errJobInContract = apperr.Conflict(CodeJobInContract, "契約に含まれる案件には契約単位で入札してください。")
	errDuplicateBid  = apperr.Conflict(CodeDuplicateBid, "この案件には既に有効な入札があります。")
)

func notFound(tt TargetType) *apperr.Error {
	if tt == TargetContract {
		return apperr.NotFound(CodeContractNotFound, "指定された契約は存在しません。")
	}
	return apperr.NotFound(CodeJobNotFound, "指定された案件は存在しません。")
}

func errCompanyNotFound() *apperr.Error {
	return apperr.NotFound(CodeCompanyNotFound, "指定された会社は存在しません。")
}

func errBidNotFound() *apperr.Error {
	return apperr.NotFound(CodeBidNotFound, "指定された入札は存在しません。")
}

func errJobUnavailable(message string) *apperr.Error {
	return apperr.New(http.StatusConflict, CodeJobUnavailable, message, nil)
}
