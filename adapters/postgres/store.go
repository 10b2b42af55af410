package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"

	"silentauction/auction"
	"silentauction/models"
)

var ErrItemNotFound = errors.New("auction item not found")

// Open 建立資料庫連線，schema 不為空時所有資料表都會加上 schema 前綴
func Open(dsn, schemaName string) (*gorm.DB, error) {
	const op = "Open"
	config := &gorm.Config{TranslateError: true}
	if schemaName != "" {
		config.NamingStrategy = schema.NamingStrategy{TablePrefix: schemaName + "."}
	}
	db, err := gorm.Open(postgres.Open(dsn), config)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}
	return db, nil
}

// ItemRecord is an archived item together with its accepted bids in sequence order and the
// last snapshot version archived for it.
type ItemRecord struct {
	Item    auction.AuctionItem
	Bids    []auction.Bid
	Version uint64
}

// Store 負責將拍賣商品與出價紀錄寫入資料庫，並在啟動時讀回以重建記憶體中的帳本
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewStore(db *gorm.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		logger: logger.With(slog.String("caller", "PostgresStore")),
	}, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	const op = "Store.Migrate"
	if err := s.db.WithContext(ctx).AutoMigrate(&models.AuctionItem{}, &models.Bid{}); err != nil {
		return fmt.Errorf("[%s] Fail to migrate schema, err=%w", op, err)
	}
	return nil
}

// SaveItem inserts the item. Saving an item that already exists is a no-op.
func (s *Store) SaveItem(ctx context.Context, item auction.AuctionItem) error {
	const op = "Store.SaveItem"
	record := toItemModel(item)
	if result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record); result.Error != nil {
		return fmt.Errorf("[%s] Fail to create auction item, itemID=%s, err=%w", op, item.ID, result.Error)
	}
	return nil
}

// SaveBid inserts the bid. Bids are keyed by (item, sequence), so a redelivered bid is ignored.
func (s *Store) SaveBid(ctx context.Context, bid auction.Bid) error {
	return saveBid(s.db.WithContext(ctx), bid)
}

func saveBid(db *gorm.DB, bid auction.Bid) error {
	const op = "Store.SaveBid"
	record := toBidModel(bid)
	if result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&record); result.Error != nil {
		return fmt.Errorf("[%s] Fail to create bid, itemID=%s, sequence=%d, err=%w", op, bid.ItemID, bid.ID, result.Error)
	}
	return nil
}

// statusPredecessors lists the stored statuses each status may be reached from.
var statusPredecessors = map[auction.Status][]string{
	auction.StatusActive: {string(auction.StatusDraft)},
	auction.StatusSold:   {string(auction.StatusDraft), string(auction.StatusActive)},
	auction.StatusUnsold: {string(auction.StatusDraft), string(auction.StatusActive)},
}

// UpdateStatus moves the stored item forward to status. Updates that would move it backwards, such as
// a stale redelivery, leave the row unchanged.
func (s *Store) UpdateStatus(ctx context.Context, itemID string, status auction.Status) error {
	return updateStatus(s.db.WithContext(ctx), itemID, status)
}

func updateStatus(db *gorm.DB, itemID string, status auction.Status) error {
	const op = "Store.UpdateStatus"
	from, ok := statusPredecessors[status]
	if !ok {
		return fmt.Errorf("[%s] Fail to update status, itemID=%s, status=%s, err=%w", op, itemID, status, auction.ErrInvalidTransition)
	}
	result := db.Model(&models.AuctionItem{}).
		Where("id = ? AND status IN ?", itemID, from).
		Update("status", string(status))
	if result.Error != nil {
		return fmt.Errorf("[%s] Fail to update status, itemID=%s, err=%w", op, itemID, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if result := db.Model(&models.AuctionItem{}).Where("id = ?", itemID).Count(&count); result.Error != nil {
		return fmt.Errorf("[%s] Fail to find auction item, itemID=%s, err=%w", op, itemID, result.Error)
	}
	if count == 0 {
		return fmt.Errorf("[%s] itemID=%s, err=%w", op, itemID, ErrItemNotFound)
	}
	return nil
}

// updateVersion raises the stored snapshot version. Older versions from redeliveries are ignored.
func updateVersion(db *gorm.DB, itemID string, version uint64) error {
	const op = "Store.updateVersion"
	result := db.Model(&models.AuctionItem{}).
		Where("id = ? AND version < ?", itemID, version).
		Update("version", version)
	if result.Error != nil {
		return fmt.Errorf("[%s] Fail to update version, itemID=%s, err=%w", op, itemID, result.Error)
	}
	return nil
}

// ApplyEvent archives one auction event: the accepted bid, if any, and the item version and status after it.
func (s *Store) ApplyEvent(ctx context.Context, event auction.Event) error {
	const op = "Store.ApplyEvent"
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if event.Bid != nil {
			if err := saveBid(tx, *event.Bid); err != nil {
				return err
			}
		}
		if err := updateVersion(tx, event.ItemID, event.Snapshot.Version); err != nil {
			return err
		}
		if event.Snapshot.Status == auction.StatusDraft {
			return nil
		}
		if event.Kind == auction.EventBidAccepted && event.Snapshot.Status == auction.StatusActive {
			return nil
		}
		return updateStatus(tx, event.ItemID, event.Snapshot.Status)
	})
	if err != nil {
		return fmt.Errorf("[%s] Fail to apply event, eventID=%s, err=%w", op, event.EventID, err)
	}
	s.logger.Debug("event archived", slog.String("eventId", event.EventID), slog.String("kind", string(event.Kind)))
	return nil
}

// LoadItems returns every stored item with its bids, ready for auction.Ledger.Restore.
func (s *Store) LoadItems(ctx context.Context) ([]ItemRecord, error) {
	const op = "Store.LoadItems"
	var items []models.AuctionItem
	result := s.db.WithContext(ctx).
		Preload("BidRecords", func(db *gorm.DB) *gorm.DB {
			return db.Order(clause.OrderByColumn{Column: clause.Column{Name: "sequence"}})
		}).
		Order("created_at, id").
		Find(&items)
	if result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to list auction items, err=%w", op, result.Error)
	}

	records := make([]ItemRecord, len(items))
	for i, item := range items {
		bids := make([]auction.Bid, len(item.BidRecords))
		for j, bid := range item.BidRecords {
			bids[j] = toDomainBid(bid)
		}
		records[i] = ItemRecord{Item: toDomainItem(item), Bids: bids, Version: item.Version}
	}
	return records, nil
}

func toItemModel(item auction.AuctionItem) models.AuctionItem {
	record := models.AuctionItem{
		ID:                  item.ID,
		Title:               item.Title,
		StartingBid:         item.StartingBid,
		MinimumBidIncrement: item.MinimumBidIncrement,
		Status:              string(item.Status),
		AuctionStart:        item.AuctionStart,
		AuctionEnd:          item.AuctionEnd,
		PreviewMode:         item.PreviewMode,
	}
	if item.BuyNowPrice != nil {
		record.BuyNowPrice = decimal.NewNullDecimal(*item.BuyNowPrice)
	}
	return record
}

func toDomainItem(record models.AuctionItem) auction.AuctionItem {
	item := auction.AuctionItem{
		ID:                  record.ID,
		Title:               record.Title,
		StartingBid:         record.StartingBid,
		MinimumBidIncrement: record.MinimumBidIncrement,
		Status:              auction.Status(record.Status),
		AuctionStart:        record.AuctionStart,
		AuctionEnd:          record.AuctionEnd,
		PreviewMode:         record.PreviewMode,
	}
	if record.BuyNowPrice.Valid {
		price := record.BuyNowPrice.Decimal
		item.BuyNowPrice = &price
	}
	return item
}

func toBidModel(bid auction.Bid) models.Bid {
	return models.Bid{
		AuctionItemID: bid.ItemID,
		Sequence:      bid.ID,
		BidderID:      bid.BidderID,
		Amount:        bid.Amount,
		IsBuyNow:      bid.IsBuyNow,
		AcceptedAt:    bid.AcceptedAt,
	}
}

func toDomainBid(record models.Bid) auction.Bid {
	return auction.Bid{
		ID:         record.Sequence,
		ItemID:     record.AuctionItemID,
		BidderID:   record.BidderID,
		Amount:     record.Amount,
		IsBuyNow:   record.IsBuyNow,
		AcceptedAt: record.AcceptedAt,
	}
}
