package api

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"reflect"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"silentauction/auction"
)

const keepAliveInterval = 30 * time.Second

// newValidator 建立 request 驗證器，decimal 欄位以字串形式交給 money 規則檢查
func newValidator() (*validator.Validate, error) {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})
	if err := v.RegisterValidation("money", validateMoney); err != nil {
		return nil, err
	}
	return v, nil
}

// validateMoney accepts non-negative amounts in whole cents.
func validateMoney(fl validator.FieldLevel) bool {
	d, err := decimal.NewFromString(fl.Field().String())
	if err != nil {
		return false
	}
	return !d.IsNegative() && auction.HasCentPrecision(d)
}

type PostAuctionItemRequest struct {
	ID                  string           `json:"id" validate:"omitempty,max=64,excludesall=/?#"`
	Title               string           `json:"title" validate:"required,max=255"`
	StartingBid         decimal.Decimal  `json:"startingBid" validate:"money"`
	MinimumBidIncrement decimal.Decimal  `json:"minimumBidIncrement" validate:"money"`
	BuyNowPrice         *decimal.Decimal `json:"buyNowPrice" validate:"omitempty,money"`
	AuctionStart        *time.Time       `json:"auctionStart"`
	AuctionEnd          *time.Time       `json:"auctionEnd"`
	PreviewMode         bool             `json:"previewMode"`
	// Activate 為 true 時商品建立後立即開放出價
	Activate bool `json:"activate"`
}

// PostBidRequest leaves bidder and amount checks to the processor, so the rejection reasons stay in one place.
type PostBidRequest struct {
	BidderID string          `json:"bidderId" validate:"max=128"`
	Amount   decimal.Decimal `json:"amount"`
	IsBuyNow bool            `json:"isBuyNow"`
}

type ItemResponse struct {
	ID                  string           `json:"id"`
	Title               string           `json:"title"`
	StartingBid         decimal.Decimal  `json:"startingBid"`
	MinimumBidIncrement decimal.Decimal  `json:"minimumBidIncrement"`
	BuyNowPrice         *decimal.Decimal `json:"buyNowPrice,omitempty"`
	AuctionStart        *time.Time       `json:"auctionStart,omitempty"`
	AuctionEnd          *time.Time       `json:"auctionEnd,omitempty"`
	PreviewMode         bool             `json:"previewMode"`
	Snapshot            auction.Snapshot `json:"snapshot"`
}

type MinimumResponse struct {
	ItemID         string          `json:"itemId"`
	CurrentBid     decimal.Decimal `json:"currentBid"`
	MinimumNextBid decimal.Decimal `json:"minimumNextBid"`
}

type RejectionResponse struct {
	Reason      auction.Reason   `json:"reason"`
	Message     string           `json:"message"`
	Minimum     *decimal.Decimal `json:"minimum,omitempty"`
	BuyNowPrice *decimal.Decimal `json:"buyNowPrice,omitempty"`
	Retryable   bool             `json:"retryable"`
}

type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func toItemResponse(item auction.AuctionItem, snapshot auction.Snapshot) ItemResponse {
	return ItemResponse{
		ID:                  item.ID,
		Title:               item.Title,
		StartingBid:         item.StartingBid,
		MinimumBidIncrement: item.MinimumBidIncrement,
		BuyNowPrice:         item.BuyNowPrice,
		AuctionStart:        item.AuctionStart,
		AuctionEnd:          item.AuctionEnd,
		PreviewMode:         item.PreviewMode,
		Snapshot:            snapshot,
	}
}

// RegisterHandlers 註冊所有 API 路由
func (impl *ServerImpl) RegisterHandlers(router gin.IRouter) {
	router.GET("/health", impl.GetHealth)

	items := router.Group("/auction/items")
	items.POST("", impl.PostAuctionItem)
	items.GET("", impl.GetAuctionItems)
	items.GET("/:itemID", impl.GetAuctionItem)
	items.POST("/:itemID/activate", impl.PostAuctionItemActivate)
	items.POST("/:itemID/close", impl.PostAuctionItemClose)
	items.GET("/:itemID/minimum", impl.GetAuctionItemMinimum)
	items.POST("/:itemID/bids", impl.PostAuctionItemBids)
	items.GET("/:itemID/bids", impl.GetAuctionItemBids)
	items.GET("/:itemID/bidders/:bidderID", impl.GetAuctionItemBidder)
	items.GET("/:itemID/events", impl.GetAuctionItemEvents)
}

// bindAndValidate 解析 JSON body 並進行驗證，失敗時直接寫入 400 回應
func (impl *ServerImpl) bindAndValidate(c *gin.Context, out any) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request_body", Message: err.Error()})
		return false
	}
	if err := impl.validate.Struct(out); err != nil {
		fields := map[string]string{}
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			for _, fe := range ve {
				fields[fe.Field()] = fe.Tag()
			}
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_failed", Fields: fields})
		return false
	}
	return true
}

func rejectionStatus(reason auction.Reason) int {
	switch reason {
	case auction.ReasonUnknownItem:
		return http.StatusNotFound
	case auction.ReasonBusy:
		return http.StatusServiceUnavailable
	case auction.ReasonConcurrentModification:
		return http.StatusConflict
	case auction.ReasonItemNotBiddable, auction.ReasonAuctionInPreview, auction.ReasonAuctionNotStarted, auction.ReasonAuctionEnded:
		return http.StatusForbidden
	default:
		return http.StatusUnprocessableEntity
	}
}

// writeError 將錯誤轉換成對應的 HTTP 回應
func (impl *ServerImpl) writeError(c *gin.Context, op string, err error) {
	var rejection *auction.Rejection
	switch {
	case errors.As(err, &rejection):
		if rejection.Reason == auction.ReasonBusy {
			c.Header("Retry-After", "1")
		}
		c.JSON(rejectionStatus(rejection.Reason), RejectionResponse{
			Reason:      rejection.Reason,
			Message:     rejection.Message(),
			Minimum:     lo.Ternary(rejection.Context.Minimum.Valid, lo.ToPtr(rejection.Context.Minimum.Decimal), nil),
			BuyNowPrice: lo.Ternary(rejection.Context.BuyNowPrice.Valid, lo.ToPtr(rejection.Context.BuyNowPrice.Decimal), nil),
			Retryable:   rejection.Retryable(),
		})
	case errors.Is(err, auction.ErrInvalidItem):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_item", Message: err.Error()})
	case errors.Is(err, auction.ErrDuplicateItem):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "duplicate_item"})
	case errors.Is(err, auction.ErrInvalidTransition):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "invalid_transition", Message: err.Error()})
	case errors.Is(err, context.Canceled):
		// client went away, nobody reads the response
		c.Status(http.StatusRequestTimeout)
	default:
		impl.logger.Error("Request failed", slog.String("op", op), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error"})
	}
}

// Add a new auction item
// (POST /auction/items)
func (impl *ServerImpl) PostAuctionItem(c *gin.Context) {
	const op = "PostAuctionItem"
	var request PostAuctionItemRequest
	if !impl.bindAndValidate(c, &request) {
		return
	}
	// 處理預設值
	if request.ID == "" {
		request.ID = uuid.NewString()
	}
	// 標題只保留純文字
	title := impl.htmlChecker.Sanitize(request.Title)
	if title == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_failed", Fields: map[string]string{"Title": "required"}})
		return
	}
	item := auction.AuctionItem{
		ID:                  request.ID,
		Title:               title,
		StartingBid:         request.StartingBid,
		MinimumBidIncrement: request.MinimumBidIncrement,
		BuyNowPrice:         request.BuyNowPrice,
		Status:              lo.Ternary(request.Activate, auction.StatusActive, auction.StatusDraft),
		AuctionStart:        request.AuctionStart,
		AuctionEnd:          request.AuctionEnd,
		PreviewMode:         request.PreviewMode,
	}
	snapshot, err := impl.ledger.Register(item)
	if err != nil {
		impl.writeError(c, op, err)
		return
	}
	// 儲存拍賣物品
	registered, err := impl.ledger.Item(item.ID)
	if err != nil {
		impl.writeError(c, op, err)
		return
	}
	if impl.store != nil {
		if err := impl.store.SaveItem(c.Request.Context(), registered); err != nil {
			impl.writeError(c, op, err)
			return
		}
	}
	impl.logger.Info("Auction item registered", slog.String("itemId", item.ID), slog.String("status", string(snapshot.Status)))
	c.Header("Location", "/auction/items/"+item.ID)
	c.JSON(http.StatusCreated, toItemResponse(registered, snapshot))
}

// List auction items
// (GET /auction/items)
func (impl *ServerImpl) GetAuctionItems(c *gin.Context) {
	status := auction.Status(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_status"})
		return
	}
	views := impl.ledger.Items()
	if status != "" {
		views = lo.Filter(views, func(v auction.ItemView, _ int) bool { return v.Snapshot.Status == status })
	}
	c.JSON(http.StatusOK, lo.Map(views, func(v auction.ItemView, _ int) ItemResponse {
		return toItemResponse(v.Item, v.Snapshot)
	}))
}

// Get auction item details
// (GET /auction/items/{itemID})
func (impl *ServerImpl) GetAuctionItem(c *gin.Context) {
	const op = "GetAuctionItem"
	itemID := c.Param("itemID")
	item, err := impl.ledger.Item(itemID)
	if err != nil {
		impl.writeError(c, op, err)
		return
	}
	snapshot, err := impl.ledger.Snapshot(itemID)
	if err != nil {
		impl.writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, toItemResponse(item, snapshot))
}

// Open an auction item for bidding
// (POST /auction/items/{itemID}/activate)
func (impl *ServerImpl) PostAuctionItemActivate(c *gin.Context) {
	const op = "PostAuctionItemActivate"
	snapshot, err := impl.processor.Activate(c.Request.Context(), c.Param("itemID"))
	if err != nil {
		impl.writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// Close an auction item
// (POST /auction/items/{itemID}/close)
func (impl *ServerImpl) PostAuctionItemClose(c *gin.Context) {
	const op = "PostAuctionItemClose"
	snapshot, err := impl.processor.Close(c.Request.Context(), c.Param("itemID"))
	if err != nil {
		impl.writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// Get the lowest acceptable next bid
// (GET /auction/items/{itemID}/minimum)
func (impl *ServerImpl) GetAuctionItemMinimum(c *gin.Context) {
	const op = "GetAuctionItemMinimum"
	snapshot, err := impl.ledger.Snapshot(c.Param("itemID"))
	if err != nil {
		impl.writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, MinimumResponse{
		ItemID:         snapshot.ItemID,
		CurrentBid:     snapshot.CurrentBid,
		MinimumNextBid: snapshot.MinimumNextBid,
	})
}

// Place a bid on an auction item
// (POST /auction/items/{itemID}/bids)
func (impl *ServerImpl) PostAuctionItemBids(c *gin.Context) {
	const op = "PostAuctionItemBids"
	var request PostBidRequest
	if !impl.bindAndValidate(c, &request) {
		return
	}
	snapshot, err := impl.processor.SubmitBid(c.Request.Context(), auction.BidRequest{
		ItemID:   c.Param("itemID"),
		BidderID: request.BidderID,
		Amount:   request.Amount,
		IsBuyNow: request.IsBuyNow,
	})
	if err != nil {
		impl.writeError(c, op, err)
		return
	}
	c.JSON(http.StatusCreated, snapshot)
}

// List accepted bids
// (GET /auction/items/{itemID}/bids)
func (impl *ServerImpl) GetAuctionItemBids(c *gin.Context) {
	const op = "GetAuctionItemBids"
	itemID := c.Param("itemID")

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_limit"})
			return
		}
		limit = n
	}

	var (
		bids []auction.Bid
		err  error
	)
	switch c.DefaultQuery("order", "asc") {
	case "asc":
		bids, err = collect(impl.ledger.History(itemID))
	case "desc":
		bids, err = collect(impl.ledger.HistoryDesc(itemID))
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_order"})
		return
	}
	if err != nil {
		impl.writeError(c, op, err)
		return
	}
	if limit > 0 && len(bids) > limit {
		bids = bids[:limit]
	}
	if bids == nil {
		bids = []auction.Bid{}
	}
	c.JSON(http.StatusOK, bids)
}

func collect[T any](seq iter.Seq[T], err error) ([]T, error) {
	if err != nil {
		return nil, err
	}
	return slices.Collect(seq), nil
}

// Get where a bidder stands on an item
// (GET /auction/items/{itemID}/bidders/{bidderID})
func (impl *ServerImpl) GetAuctionItemBidder(c *gin.Context) {
	const op = "GetAuctionItemBidder"
	standing, err := impl.ledger.Standing(c.Param("itemID"), c.Param("bidderID"))
	if err != nil {
		impl.writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, standing)
}

// Track auction item events
// (GET /auction/items/{itemID}/events)
func (impl *ServerImpl) GetAuctionItemEvents(c *gin.Context) {
	const op = "GetAuctionItemEvents"
	itemID := c.Param("itemID")
	// 檢查拍賣物品是否存在
	snapshot, err := impl.ledger.Snapshot(itemID)
	if err != nil {
		impl.writeError(c, op, err)
		return
	}
	ch, err := impl.sseManager.Subscribe(itemID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "shutting_down"})
		return
	}
	defer impl.sseManager.Unsubscribe(itemID, ch)

	// SSE請求合法，開始初始化串流
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.SSEvent("snapshot", snapshot)
	w.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent(string(event.Kind), event)
			w.Flush()
		// 30秒沒有事件就發送一個註解行，確保瀏覽器和Cloudflare不會斷開連線
		case <-keepAlive.C:
			_, _ = w.WriteString(": keep-alive\n\n")
			w.Flush()
		}
	}
}

// Health check
// (GET /health)
func (impl *ServerImpl) GetHealth(c *gin.Context) {
	if impl.redisClient != nil {
		if err := impl.redisClient.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "redis": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "items": len(impl.ledger.Items())})
}
