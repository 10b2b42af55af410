package api

import "time"

type ServerConfig struct {
	// ID 為此實例的名稱，作為 consumer group 中的 consumer 名稱
	ID      string
	Auction AuctionConfig
	DB      DBConfig
	Redis   RedisConfig
	NATS    NATSConfig
}

type AuctionConfig struct {
	LockTimeout   time.Duration
	SweepInterval time.Duration
	PreviewMode   bool
}

// DBConfig 未設定 Host 時不啟用資料庫，商品與出價只保存在記憶體中
type DBConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	Database string
	Schema   string
}

func (c DBConfig) Enabled() bool {
	return c.Host != ""
}

// RedisConfig 未設定 Addr 時改用程序內的事件佇列
type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	KeyPrefix     string
	ConsumerGroup string
	// MaxLen 為事件串流的大約長度上限，啟用資料庫封存時不修剪串流，避免未封存的事件被刪除
	MaxLen int64
	// OwnerLeaseWait 為啟動時等待帳本擁有權的時間，同一時間只有一個實例能寫入帳本
	OwnerLeaseWait time.Duration

	StreamKeys RedisStreamKeys
}

func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

type RedisStreamKeys struct {
	Events string
}

type NATSConfig struct {
	URL           string
	SubjectPrefix string
	Stream        string
	MaxAge        time.Duration
}

func (c NATSConfig) Enabled() bool {
	return c.URL != ""
}
