package redis

// IProducer appends values to a stream without blocking the caller.
type IProducer[T any] interface {
	Start()
	Publish(data T) error
	Close()
}

// IConsumer tails a stream and delivers each decoded entry on the Subscribe channel.
type IConsumer[T any] interface {
	Start()
	Subscribe() <-chan T
	Close()
}

// IGroupConsumer reads a stream as a member of a consumer group. Every message must be
// settled with Done or Fail.
type IGroupConsumer[T any] interface {
	Start() error
	Subscribe() <-chan *Message[T]
	Close() error
}
