package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuctionItem 代表拍賣系統中的商品
// 包含商品資訊、起標價、最低加價幅度、直購價、拍賣時間以及目前狀態
type AuctionItem struct {
	ID                  string              `gorm:"type:text;primaryKey;<-:create"`
	Title               string              `gorm:"type:varchar(255);not null"`
	StartingBid         decimal.Decimal     `gorm:"type:numeric(12,2);not null;<-:create"`
	MinimumBidIncrement decimal.Decimal     `gorm:"type:numeric(12,2);not null;<-:create"`
	BuyNowPrice         decimal.NullDecimal `gorm:"type:numeric(12,2);<-:create"`
	Status              string              `gorm:"type:varchar(16);not null;index"`
	Version             uint64              `gorm:"not null;default:1"` // 最後一次發布的快照版本
	AuctionStart        *time.Time
	AuctionEnd          *time.Time `gorm:"index"`
	PreviewMode         bool       `gorm:"not null;default:false"`
	CreatedAt           time.Time
	UpdatedAt           time.Time

	// 外鍵關聯
	BidRecords []Bid `gorm:"foreignKey:AuctionItemID"`
}
