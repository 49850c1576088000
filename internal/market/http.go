package market

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/bid-forge/internal/apperr"
	"github.com/yourusername/bid-forge/internal/auth"
)

// Marketplace は HTTP ハンドラーが利用するマーケットの操作です。
type Marketplace interface {
	CreateCompany(ctx context.Context, actorID string, in CompanyInput) (*Company, error)
	ListMyCompanies(ctx context.Context, actorID string) ([]Company, error)
	GetCompany(ctx context.Context, id string) (*Company, error)
	UpdateCompany(ctx context.Context, actorID, id string, in CompanyInput) (*Company, error)

	CreateJob(ctx context.Context, actorID string, in JobInput) (*Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]Job, error)
	ListCompanyJobs(ctx context.Context, companyID string) ([]Job, error)
	GetJob(ctx context.Context, id string) (*Job, error)
	UpdateJob(ctx context.Context, actorID, id string, in JobInput) (*Job, error)
	CloseJob(ctx context.Context, actorID, id string) (*Resolution, error)

	CreateContract(ctx context.Context, actorID string, in ContractInput) (*Contract, error)
	GetContract(ctx context.Context, id string) (*Contract, error)
	ListCompanyContracts(ctx context.Context, companyID string) ([]Contract, error)
	CloseContract(ctx context.Context, actorID, id string) (*Resolution, error)

	PlaceBid(ctx context.Context, actorID string, in BidInput) (*Bid, error)
	ListTargetBids(ctx context.Context, actorID string, tt TargetType, targetID string) ([]Bid, error)
	ListCompanyBids(ctx context.Context, actorID, companyID string) ([]Bid, error)
	WithdrawBid(ctx context.Context, actorID, bidID string) (*Bid, error)
	DeclineBid(ctx context.Context, actorID string, tt TargetType, targetID, bidID string) (*Resolution, error)
	AcceptBid(ctx context.Context, actorID string, tt TargetType, targetID, bidID string) (*Resolution, error)
}

// Handler はマーケットの HTTP ハンドラーです。
type Handler struct {
	svc Marketplace
}

func NewHandler(svc Marketplace) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes はログイン済みのルートグループにマーケットのルートを登録します。
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/companies", h.CreateCompany)
	rg.GET("/companies", h.ListMyCompanies)
	rg.GET("/companies/:id", h.GetCompany)
	rg.PUT("/companies/:id", h.UpdateCompany)
	rg.GET("/companies/:id/jobs", h.ListCompanyJobs)
	rg.GET("/companies/:id/contracts", h.ListCompanyContracts)
	rg.GET("/companies/:id/bids", h.ListCompanyBids)

	rg.POST("/jobs", h.CreateJob)
	rg.GET("/jobs", h.ListJobs)
	rg.GET("/jobs/:id", h.GetJob)
	rg.PUT("/jobs/:id", h.UpdateJob)
	rg.POST("/jobs/:id/close", h.Close(TargetJob))
	rg.GET("/jobs/:id/bids", h.ListTargetBids(TargetJob))
	rg.POST("/jobs/:id/bids/:bidId/accept", h.AcceptBid(TargetJob))
	rg.POST("/jobs/:id/bids/:bidId/decline", h.DeclineBid(TargetJob))

	rg.POST("/contracts", h.CreateContract)
	rg.GET("/contracts/:id", h.GetContract)
	rg.POST("/contracts/:id/close", h.Close(TargetContract))
	rg.GET("/contracts/:id/bids", h.ListTargetBids(TargetContract))
	rg.POST("/contracts/:id/bids/:bidId/accept", h.AcceptBid(TargetContract))
	rg.POST("/contracts/:id/bids/:bidId/decline", h.DeclineBid(TargetContract))

	rg.POST("/bids", h.PlaceBid)
	rg.POST("/bids/:id/withdraw", h.WithdrawBid)
}

// actor はログイン中のユーザーIDを返します。未ログインなら 401 を返して false になります。
func actor(c *gin.Context) (string, bool) {
	userID, ok := auth.CurrentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":    apperr.CodeUnauthorized,
			"message": "ログインが必要です",
		})
	}
	return userID, ok
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    apperr.CodeInvalidInput,
			"message": "リクエストの JSON が正しくありません。",
		})
		return false
	}
	return true
}

// --- Company ----------------------------------------------------------------

func (h *Handler) CreateCompany(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	var in CompanyInput
	if !bindJSON(c, &in) {
		return
	}
	company, err := h.svc.CreateCompany(c.Request.Context(), userID, in)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, company)
}

func (h *Handler) ListMyCompanies(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	companies, err := h.svc.ListMyCompanies(c.Request.Context(), userID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"companies": companies})
}

func (h *Handler) GetCompany(c *gin.Context) {
	company, err := h.svc.GetCompany(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, company)
}

func (h *Handler) UpdateCompany(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	var in CompanyInput
	if !bindJSON(c, &in) {
		return
	}
	company, err := h.svc.UpdateCompany(c.Request.Context(), userID, c.Param("id"), in)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, company)
}

func (h *Handler) ListCompanyJobs(c *gin.Context) {
	jobs, err := h.svc.ListCompanyJobs(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (h *Handler) ListCompanyContracts(c *gin.Context) {
	contracts, err := h.svc.ListCompanyContracts(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contracts": contracts})
}

func (h *Handler) ListCompanyBids(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	bids, err := h.svc.ListCompanyBids(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bids": bids})
}

// --- Job --------------------------------------------------------------------

func (h *Handler) CreateJob(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	var in JobInput
	if !bindJSON(c, &in) {
		return
	}
	job, err := h.svc.CreateJob(c.Request.Context(), userID, in)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

// ListJobs は GET /api/jobs?category=&city=&state=&q=&limit=&offset= のハンドラーです。
func (h *Handler) ListJobs(c *gin.Context) {
	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		apperr.Respond(c, apperr.Invalid("limit は整数で指定してください。"))
		return
	}
	offset, err := parseQueryInt(c, "offset")
	if err != nil {
		apperr.Respond(c, apperr.Invalid("offset は整数で指定してください。"))
		return
	}

	filter := JobFilter{
		Category: strings.TrimSpace(c.Query("category")),
		City:     strings.TrimSpace(c.Query("city")),
		State:    strings.TrimSpace(c.Query("state")),
		Query:    strings.TrimSpace(c.Query("q")),
		Limit:    limit,
		Offset:   offset,
	}
	jobs, err := h.svc.ListJobs(c.Request.Context(), filter)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	limit, offset = normalizePage(limit, offset)
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "limit": limit, "offset": offset})
}

func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.svc.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) UpdateJob(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	var in JobInput
	if !bindJSON(c, &in) {
		return
	}
	job, err := h.svc.UpdateJob(c.Request.Context(), userID, c.Param("id"), in)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// --- Contract ---------------------------------------------------------------

func (h *Handler) CreateContract(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	var in ContractInput
	if !bindJSON(c, &in) {
		return
	}
	contract, err := h.svc.CreateContract(c.Request.Context(), userID, in)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, contract)
}

func (h *Handler) GetContract(c *gin.Context) {
	contract, err := h.svc.GetContract(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

// --- Target -----------------------------------------------------------------

// Close は POST /api/{jobs|contracts}/:id/close のハンドラーを返します。
func (h *Handler) Close(tt TargetType) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := actor(c)
		if !ok {
			return
		}
		var (
			res *Resolution
			err error
		)
		if tt == TargetContract {
			res, err = h.svc.CloseContract(c.Request.Context(), userID, c.Param("id"))
		} else {
			res, err = h.svc.CloseJob(c.Request.Context(), userID, c.Param("id"))
		}
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func (h *Handler) ListTargetBids(tt TargetType) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := actor(c)
		if !ok {
			return
		}
		bids, err := h.svc.ListTargetBids(c.Request.Context(), userID, tt, c.Param("id"))
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"bids": bids})
	}
}

// AcceptBid は POST /api/{jobs|contracts}/:id/bids/:bidId/accept のハンドラーを返します。
func (h *Handler) AcceptBid(tt TargetType) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := actor(c)
		if !ok {
			return
		}
		res, err := h.svc.AcceptBid(c.Request.Context(), userID, tt, c.Param("id"), c.Param("bidId"))
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func (h *Handler) DeclineBid(tt TargetType) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := actor(c)
		if !ok {
			return
		}
		res, err := h.svc.DeclineBid(c.Request.Context(), userID, tt, c.Param("id"), c.Param("bidId"))
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// --- Bid --------------------------------------------------------------------

func (h *Handler) PlaceBid(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	var in BidInput
	if !bindJSON(c, &in) {
		return
	}
	bid, err := h.svc.PlaceBid(c.Request.Context(), userID, in)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, bid)
}

func (h *Handler) WithdrawBid(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	bid, err := h.svc.WithdrawBid(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, bid)
}

func parseQueryInt(c *gin.Context, key string) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
