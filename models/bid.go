package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bid 代表拍賣商品的出價紀錄
// Sequence 為商品內的出價序號，(AuctionItemID, Sequence) 唯一，重複寫入同一筆出價不會產生新紀錄
type Bid struct {
	AuctionItemID string          `gorm:"type:text;primaryKey;<-:create"`
	Sequence      uint64          `gorm:"primaryKey;autoIncrement:false;<-:create"`
	BidderID      string          `gorm:"type:text;not null;index;<-:create"`
	Amount        decimal.Decimal `gorm:"type:numeric(12,2);not null;<-:create"`
	IsBuyNow      bool            `gorm:"not null;default:false;<-:create"`
	AcceptedAt    time.Time       `gorm:"not null;<-:create"`
	CreatedAt     time.Time

	// 外鍵關聯
	AuctionItem *AuctionItem `gorm:"foreignKey:AuctionItemID"`
}
