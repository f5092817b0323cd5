package models

import "time"

// Backup archive formats.
const (
	FormatZip   = "zip"
	FormatTarGz = "tar.gz"
)

// BackupArtifact describes one archive written by the backup engine.
type BackupArtifact struct {
	SourcePath  string
	Destination string
	ArchivePath string
	Format      string
	CreatedAt   time.Time
	SizeBytes   int64
	FileCount   int
	Removed     []string // stale archives deleted by the retention sweep
	Duration    time.Duration
}
