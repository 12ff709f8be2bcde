package review

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sbs-integration-engine/internal/domain"
)

// Open returns the store selected by configuration, or nil when the review
// queue is disabled.
func Open(cfg domain.ReviewConfig, databaseURL string, logger *logrus.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = "data/review.db"
		}
		store, err := NewSQLiteStore(path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite review store: %w", err)
		}
		logger.WithField("path", path).Info("Review queue using SQLite")
		return store, nil

	case "postgres":
		if databaseURL == "" {
			return nil, domain.NewValidationError("review.driver", "postgres review store requires a database URL", cfg.Driver)
		}
		store, err := NewPostgresStoreFromURL(databaseURL)
		if err != nil {
			return nil, fmt.Errorf("opening postgres review store: %w", err)
		}
		logger.Info("Review queue using PostgreSQL")
		return store, nil

	case "none":
		logger.Info("Review queue disabled")
		return nil, nil

	default:
		return nil, domain.NewValidationError("review.driver", fmt.Sprintf("unknown review driver %q", cfg.Driver), cfg.Driver)
	}
}
