package db

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/zulandar/palaver/internal/config"
)

// Maintain runs store upkeep: it refreshes query planner statistics and
// truncates the sqlite write-ahead log. It is a no-op for mysql.
func (s *Store) Maintain(ctx context.Context) error {
	if s.Driver != config.DriverSQLite && s.Driver != "" {
		return nil
	}
	for _, stmt := range []string{"PRAGMA optimize", "PRAGMA wal_checkpoint(TRUNCATE)"} {
		if err := s.DB.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("db: maintain: %s: %w", stmt, err)
		}
	}
	return nil
}

// ScheduleMaintenance runs Maintain on the given cron schedule until the
// returned stop function is called. stop waits for a running pass to finish.
func (s *Store) ScheduleMaintenance(spec string, log zerolog.Logger) (stop func(), err error) {
	c := cron.New()
	_, err = c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		start := time.Now()
		if err := s.Maintain(ctx); err != nil {
			log.Warn().Err(err).Msg("store maintenance failed")
			return
		}
		log.Debug().Dur("took", time.Since(start)).Msg("store maintenance done")
	})
	if err != nil {
		return nil, fmt.Errorf("db: schedule maintenance %q: %w", spec, err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}
