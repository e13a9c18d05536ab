package registry

import "time"

type options struct {
	mailboxSize      int
	queueLen         int
	pageSize         int
	slowConsumer     time.Duration
	idleTimeout      time.Duration
	evictionInterval time.Duration
	now              func() time.Time
}

func defaultOptions() options {
	return options{
		mailboxSize:      256,
		queueLen:         1024,
		pageSize:         256,
		slowConsumer:     3 * time.Second,
		idleTimeout:      5 * time.Minute,
		evictionInterval: time.Minute,
		now:              time.Now,
	}
}

// Option defines a functional configuration type for the Hub.
type Option func(*options)

// WithMailboxSize sets the [BACKPRESSURE] threshold for each conversation
// cell's actor mailbox.
func WithMailboxSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.mailboxSize = n
		}
	}
}

// WithQueueLen sets the buffer capacity of each subscription's live
// delivery queue.
func WithQueueLen(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueLen = n
		}
	}
}

// WithReplayPageSize bounds how many envelopes a catch-up read pulls from
// the durable log per page.
func WithReplayPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithSlowConsumer defines how long a subscription may sit stalled with a
// full queue before the cell terminates it.
func WithSlowConsumer(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.slowConsumer = d
		}
	}
}

// WithIdleTimeout defines the [QUIET_PERIOD] after which a conversation
// cell without subscriptions is considered eligible for eviction.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.idleTimeout = d
		}
	}
}

// WithEvictionInterval configures how often the [JANITOR] process runs to
// reclaim memory from inactive conversations.
func WithEvictionInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.evictionInterval = d
		}
	}
}

// WithClock overrides the time source. Tests use it to age stalled
// subscriptions and idle cells without sleeping.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
