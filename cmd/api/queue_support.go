package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/bid-forge/internal/apperr"
	"github.com/yourusername/bid-forge/internal/auth"
	"github.com/yourusername/bid-forge/internal/config"
	"github.com/yourusername/bid-forge/internal/market"
	"github.com/yourusername/bid-forge/internal/queue"
)

type companyAuthorizer interface {
	RequireCompanyOwner(ctx context.Context, actorID, companyID string) (*market.Company, error)
}

type notificationInbox interface {
	List(ctx context.Context, companyID string, limit int) ([]queue.Notification, error)
	Clear(ctx context.Context, companyID string) error
}

func setupQueue(cfg *config.Config, redisClient *redis.Client, log *zap.SugaredLogger) (*queue.Manager, *queue.Inbox, error) {
	ttlHours := cfg.NotificationTTLHours
	if ttlHours <= 0 {
		ttlHours = 24 * 14
	}
	inbox := queue.NewInbox(redisClient, time.Duration(ttlHours)*time.Hour, cfg.NotificationLimit)
	manager, err := queue.NewManager(cfg, inbox, log)
	if err != nil {
		return nil, nil, err
	}
	return manager, inbox, nil
}

// notificationsHandler は GET /api/companies/:id/notifications のハンドラーです。
func notificationsHandler(companies companyAuthorizer, inbox notificationInbox) gin.HandlerFunc {
	return func(c *gin.Context) {
		companyID, ok := requireOwnedCompany(c, companies)
		if !ok {
			return
		}

		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				apperr.Respond(c, apperr.Invalid("limit は0以上の整数で指定してください。"))
				return
			}
			limit = n
		}

		items, err := inbox.List(c.Request.Context(), companyID, limit)
		if err != nil {
			apperr.Respond(c, apperr.New(http.StatusInternalServerError, apperr.CodeInternal,
				"通知の取得に失敗しました。", err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"notifications": items})
	}
}

// clearNotificationsHandler は DELETE /api/companies/:id/notifications のハンドラーです。
func clearNotificationsHandler(companies companyAuthorizer, inbox notificationInbox) gin.HandlerFunc {
	return func(c *gin.Context) {
		companyID, ok := requireOwnedCompany(c, companies)
		if !ok {
			return
		}
		if err := inbox.Clear(c.Request.Context(), companyID); err != nil {
			apperr.Respond(c, apperr.New(http.StatusInternalServerError, apperr.CodeInternal,
				"通知の削除に失敗しました。", err))
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func requireOwnedCompany(c *gin.Context, companies companyAuthorizer) (string, bool) {
	userID, ok := auth.CurrentUserID(c)
	if !ok {
		apperr.Respond(c, apperr.New(http.StatusUnauthorized, apperr.CodeUnauthorized, "ログインが必要です", nil))
		return "", false
	}
	company, err := companies.RequireCompanyOwner(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return "", false
	}
	return company.ID, true
}
