package market

import (
	"log/slog"
	"time"
)

const (
	DefaultUsageLimit = 100
	DefaultGrantTTL   = 30 * 24 * time.Hour
)

// Options are shared by every service in this package. Zero values fall
// back to the defaults above, time.Now and slog.Default.
type Options struct {
	Now               func() time.Time
	DefaultUsageLimit int
	GrantTTL          time.Duration
	Logger            *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.DefaultUsageLimit <= 0 {
		o.DefaultUsageLimit = DefaultUsageLimit
	}
	if o.GrantTTL <= 0 {
		o.GrantTTL = DefaultGrantTTL
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
