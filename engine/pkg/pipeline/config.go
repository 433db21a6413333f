package pipeline

import (
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/transmute/engine/pkg/sqlstore"
)

const defaultMaxConcurrency = 4

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Client sqlstore.Client

	// MigrationsEnable runs the catalog migrations on construction.
	MigrationsEnable bool

	LandingSchema    string
	TypedSchema      string
	ChunkSize        int
	SnapshotCacheTTL time.Duration
	// MaxConcurrency bounds how many entities RunAll processes at once.
	MaxConcurrency int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Client == nil {
		return errors.New("client is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = defaultMaxConcurrency
	}
	return nil
}
