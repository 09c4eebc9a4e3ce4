package taskstore

import "time"

// Task is the durable record of one application-building engagement. A task
// with LatestRound == 0 has no repository yet.
type Task struct {
	TaskID          string `gorm:"primaryKey;type:varchar(128)"`
	Email           string `gorm:"type:varchar(255)"`
	RepoName        string `gorm:"type:varchar(255)"`
	RepoURL         string `gorm:"type:varchar(512)"`
	LatestCommitSHA string `gorm:"type:varchar(64)"`
	PagesURL        string `gorm:"type:varchar(512)"`
	LatestRound     int    `gorm:"not null;default:0"`
	LastState       string `gorm:"type:varchar(32)"`
	LastError       string `gorm:"type:varchar(512)"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NonceRecord is one entry in the replay ledger. The unique index makes
// marking a nonce seen idempotent.
type NonceRecord struct {
	ID     uint   `gorm:"primaryKey"`
	TaskID string `gorm:"uniqueIndex:idx_task_nonce;type:varchar(128)"`
	Nonce  string `gorm:"uniqueIndex:idx_task_nonce;type:varchar(128)"`
	SeenAt time.Time
}

// TaskLock is the lease row backing per-task exclusion when no redis is
// configured. A crashed holder is reclaimed once ExpiresAt passes.
type TaskLock struct {
	TaskID     string `gorm:"primaryKey;type:varchar(128)"`
	Holder     string `gorm:"type:varchar(64)"`
	AcquiredAt time.Time
	ExpiresAt  time.Time
}
