package member

type Option func(*Member)

func WithOutboxSize(size int) Option {
	return func(member *Member) {
		member.outbox = make(chan []byte, size)
	}
}
