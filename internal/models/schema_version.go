package models

import "time"

// SchemaVersion records one applied store schema version.
type SchemaVersion struct {
	Version   int `gorm:"primaryKey;autoIncrement:false"`
	AppliedAt time.Time
}
