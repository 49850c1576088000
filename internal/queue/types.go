package queue

import (
	"time"

	"github.com/yourusername/bid-forge/internal/market"
)

const (
	TypeBidResolved         = "bid:resolved"
	TypeNotificationDeliver = "notification:deliver"
	TypeListingSweep        = "listing:sweep"

	queueNotifications = "notifications"
	queueMaintenance   = "maintenance"
)

// Kind は通知の種類を表します。
type Kind string

const (
	KindBidAccepted Kind = "bid_accepted"
	KindBidDeclined Kind = "bid_declined"
)

// Notification は入札した会社の受信箱に届く通知です。
type Notification struct {
	Kind       Kind               `json:"kind"`
	CompanyID  string             `json:"companyId"`
	BidID      string             `json:"bidId"`
	TargetType market.TargetType  `json:"targetType"`
	TargetID   string             `json:"targetId"`
	Reason     market.CloseReason `json:"reason"`
	CreatedAt  time.Time          `json:"createdAt"`
}

// delivery は1社分の通知をまとめた notification:deliver のペイロードです。
type delivery struct {
	CompanyID     string         `json:"companyId"`
	Notifications []Notification `json:"notifications"`
}

// buildNotifications は確定結果から会社ごとの通知を組み立てます。
// 契約への取りまとめで辞退になった入札は元の案件を対象として通知します。
func buildNotifications(res *market.Resolution, now time.Time) []Notification {
	if !res.HasNotifications() {
		return nil
	}
	out := make([]Notification, 0, len(res.Declined)+1)
	if res.Accepted != nil {
		out = append(out, Notification{
			Kind:       KindBidAccepted,
			CompanyID:  res.Accepted.BidderCompanyID,
			BidID:      res.Accepted.ID,
			TargetType: res.TargetType,
			TargetID:   res.TargetID,
			Reason:     res.Reason,
			CreatedAt:  now,
		})
	}
	for _, d := range res.Declined {
		n := Notification{
			Kind:       KindBidDeclined,
			CompanyID:  d.CompanyID,
			BidID:      d.BidID,
			TargetType: res.TargetType,
			TargetID:   res.TargetID,
			Reason:     res.Reason,
			CreatedAt:  now,
		}
		if d.JobID != nil && (res.TargetType != market.TargetJob || *d.JobID != res.TargetID) {
			n.TargetType = market.TargetJob
			n.TargetID = *d.JobID
		}
		out = append(out, n)
	}
	return out
}
