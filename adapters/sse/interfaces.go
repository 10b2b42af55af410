package sse

// IChannel 定義了 SSE 頻道的介面，負責把單一主題的訊息分送給所有訂閱者
type IChannel[T any] interface {
	// Subscribe 註冊新的訂閱者並回傳接收用的通道。
	Subscribe() <-chan T
	// Unsubscribe 移除並關閉指定的通道。
	Unsubscribe(ch <-chan T)
	// UnsubscribeAll 關閉所有訂閱者。
	UnsubscribeAll()
	// Broadcast 將訊息送給所有緩衝區仍有空間的訂閱者。
	Broadcast(message T) int
	// IsIdle 回報是否已無任何訂閱者。
	IsIdle() bool
}

// IConnectionManager 定義了 SSE 連線管理員的介面，每個主題 (拍賣商品) 對應一個頻道
type IConnectionManager[T any] interface {
	// Subscribe 訂閱指定主題，主題不存在時會自動建立。
	Subscribe(topic string) (<-chan T, error)
	// Publish 將資料廣播給該主題目前的訂閱者。
	Publish(topic string, data T) error
	// Unsubscribe 取消訂閱指定主題，主題閒置後即移除。
	Unsubscribe(topic string, ch <-chan T)
	// Done 關閉所有訂閱者，之後的呼叫都會回傳錯誤。
	Done()
}
