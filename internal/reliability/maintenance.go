package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/wojtczak/sygnal/internal/database"
	"github.com/wojtczak/sygnal/internal/domain"
	"github.com/wojtczak/sygnal/internal/events"
)

// Database is the slice of database.DB the maintenance pass needs.
type Database interface {
	Name() string
	Conn() *sql.DB
	WALCheckpoint(mode string) error
}

var _ Database = (*database.DB)(nil)

// ExecutionPruner drops old schedule execution rows.
type ExecutionPruner interface {
	PruneExecutions(before time.Time) (int64, error)
}

// Config holds maintenance configuration.
type Config struct {
	DataDir string
	// Prefix names the archive series in the bucket.
	Prefix string
	// RetentionDays bounds backup rotation; 0 keeps everything.
	RetentionDays int
	// KeepMin backups survive rotation regardless of age.
	KeepMin int
	// ExecutionTTL bounds the executions audit table.
	ExecutionTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = "sygnal"
	}
	if c.KeepMin <= 0 {
		c.KeepMin = 3
	}
	if c.ExecutionTTL <= 0 {
		c.ExecutionTTL = 30 * 24 * time.Hour
	}
}

// Maintenance checkpoints the databases, prunes old execution rows, checks
// disk headroom, and ships a backup archive to the object store. It runs
// nightly off the maintenance schedule; a nil store skips the upload.
type Maintenance struct {
	cfg       Config
	store     ObjectStore
	databases []Database
	pruner    ExecutionPruner
	events    *events.Manager
	clock     domain.Clock
	log       zerolog.Logger
}

// NewMaintenance builds the nightly maintenance pass. store, pruner, and
// eventManager may be nil.
func NewMaintenance(
	cfg Config,
	store ObjectStore,
	databases []Database,
	pruner ExecutionPruner,
	eventManager *events.Manager,
	clock domain.Clock,
	log zerolog.Logger,
) *Maintenance {
	cfg.applyDefaults()
	if clock == nil {
		clock = domain.SystemClock()
	}
	return &Maintenance{
		cfg:       cfg,
		store:     store,
		databases: databases,
		pruner:    pruner,
		events:    eventManager,
		clock:     clock,
		log:       log.With().Str("service", "maintenance").Logger(),
	}
}

// Run executes one maintenance pass and returns the number of databases
// handled. The signature matches the scheduler's runner contract.
func (m *Maintenance) Run(ctx context.Context) (int, error) {
	m.log.Info().Msg("Starting maintenance pass")
	started := m.clock.Now()

	for _, db := range m.databases {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			m.log.Warn().Err(err).Str("database", db.Name()).Msg("WAL checkpoint failed")
		}
	}

	if m.pruner != nil {
		cutoff := m.clock.Now().UTC().Add(-m.cfg.ExecutionTTL)
		if _, err := m.pruner.PruneExecutions(cutoff); err != nil {
			m.log.Warn().Err(err).Msg("Failed to prune old executions")
		}
	}

	if err := m.checkDiskSpace(); err != nil {
		return 0, err
	}

	if m.store == nil {
		m.log.Debug().Msg("Object store not configured, skipping backup upload")
		return len(m.databases), nil
	}

	archived, bytes, err := m.uploadBackup(ctx)
	if err != nil {
		return 0, err
	}

	if err := m.rotateBackups(ctx); err != nil {
		m.log.Error().Err(err).Msg("Backup rotation failed")
	}

	elapsed := m.clock.Now().Sub(started)
	if m.events != nil {
		m.events.EmitTyped(events.BackupCompleted, "reliability", &events.BackupCompletedData{
			Databases: archived,
			Bytes:     bytes,
			Seconds:   elapsed.Seconds(),
			Bucket:    m.store.Bucket(),
		})
	}
	m.log.Info().
		Int("databases", archived).
		Int64("size_mb", bytes/1024/1024).
		Dur("duration_ms", elapsed).
		Msg("Backup uploaded")

	return archived, nil
}

// backupMetadata describes one archive for restore tooling.
type backupMetadata struct {
	Timestamp time.Time          `json:"timestamp"`
	Version   string             `json:"version"`
	Databases []databaseMetadata `json:"databases"`
}

type databaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

func (m *Maintenance) uploadBackup(ctx context.Context) (int, int64, error) {
	staging := filepath.Join(m.cfg.DataDir, "backup-staging")
	// A crashed run leaves stale staging files and VACUUM INTO refuses
	// to overwrite them.
	if err := os.RemoveAll(staging); err != nil {
		return 0, 0, fmt.Errorf("failed to clear staging directory: %w", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return 0, 0, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	meta := backupMetadata{
		Timestamp: m.clock.Now().UTC(),
		Version:   "1.0.0",
		Databases: make([]databaseMetadata, 0, len(m.databases)),
	}

	names := make([]string, 0, len(m.databases)+1)
	for _, db := range m.databases {
		filename := db.Name() + ".db"
		dst := filepath.Join(staging, filename)

		m.log.Debug().Str("database", db.Name()).Msg("Staging database copy")
		if _, err := db.Conn().Exec(fmt.Sprintf("VACUUM INTO '%s'", dst)); err != nil {
			return 0, 0, fmt.Errorf("failed to back up %s: %w", db.Name(), err)
		}

		info, err := os.Stat(dst)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to stat %s copy: %w", db.Name(), err)
		}
		checksum, err := fileChecksum(dst)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to checksum %s copy: %w", db.Name(), err)
		}

		meta.Databases = append(meta.Databases, databaseMetadata{
			Name:      db.Name(),
			Filename:  filename,
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
		names = append(names, filename)
	}

	metaPath := filepath.Join(staging, "backup-metadata.json")
	if err := writeMetadata(metaPath, meta); err != nil {
		return 0, 0, fmt.Errorf("failed to write metadata: %w", err)
	}
	names = append(names, "backup-metadata.json")

	key := m.archiveKey(meta.Timestamp)
	archivePath := filepath.Join(staging, key)
	if err := writeArchive(archivePath, staging, names); err != nil {
		return 0, 0, fmt.Errorf("failed to create archive: %w", err)
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to stat archive: %w", err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	if err := m.store.Upload(ctx, key, f); err != nil {
		return 0, 0, err
	}

	return len(meta.Databases), info.Size(), nil
}

func (m *Maintenance) archiveKey(ts time.Time) string {
	return fmt.Sprintf("%s-backup-%s.tar.gz", m.cfg.Prefix, ts.Format("2006-01-02-150405"))
}

// rotateBackups deletes archives older than the retention period, always
// keeping the newest KeepMin regardless of age.
func (m *Maintenance) rotateBackups(ctx context.Context) error {
	if m.cfg.RetentionDays <= 0 {
		return nil
	}

	backups, err := m.listBackups(ctx)
	if err != nil {
		return err
	}
	if len(backups) <= m.cfg.KeepMin {
		return nil
	}

	cutoff := m.clock.Now().UTC().AddDate(0, 0, -m.cfg.RetentionDays)
	deleted := 0
	for i, b := range backups {
		if i < m.cfg.KeepMin || !b.Timestamp.Before(cutoff) {
			continue
		}
		if err := m.store.Delete(ctx, b.Key); err != nil {
			m.log.Error().Err(err).Str("key", b.Key).Msg("Failed to delete old backup")
			continue
		}
		m.log.Info().Str("key", b.Key).Time("timestamp", b.Timestamp).Msg("Deleted old backup")
		deleted++
	}

	if deleted > 0 {
		m.log.Info().
			Int("deleted", deleted).
			Int("remaining", len(backups)-deleted).
			Msg("Backup rotation completed")
	}
	return nil
}

// backupEntry pairs an object key with the timestamp parsed from it.
type backupEntry struct {
	Key       string
	Timestamp time.Time
}

// listBackups returns the stored archives newest first.
func (m *Maintenance) listBackups(ctx context.Context) ([]backupEntry, error) {
	prefix := m.cfg.Prefix + "-backup-"
	objects, err := m.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	backups := make([]backupEntry, 0, len(objects))
	for _, obj := range objects {
		if !strings.HasPrefix(obj.Key, prefix) || !strings.HasSuffix(obj.Key, ".tar.gz") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(obj.Key, prefix), ".tar.gz")
		ts, err := time.Parse("2006-01-02-150405", stamp)
		if err != nil {
			m.log.Warn().Str("key", obj.Key).Msg("Skipping backup with unparseable timestamp")
			continue
		}
		backups = append(backups, backupEntry{Key: obj.Key, Timestamp: ts})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// checkDiskSpace fails the pass when free space is critically low so the
// schedule failure surfaces on the event bus.
func (m *Maintenance) checkDiskSpace() error {
	usage, err := disk.Usage(m.cfg.DataDir)
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to read disk usage")
		return nil
	}

	freeGB := float64(usage.Free) / 1e9
	switch {
	case freeGB < 0.5:
		return domain.NewTransientError("check disk space",
			fmt.Errorf("only %.2f GB free under %s", freeGB, m.cfg.DataDir))
	case freeGB < 5.0:
		m.log.Error().Float64("free_gb", freeGB).Msg("Low disk space, consider cleanup")
	case freeGB < 10.0:
		m.log.Warn().Float64("free_gb", freeGB).Msg("Disk space running low")
	}
	return nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeMetadata(path string, meta backupMetadata) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(meta)
}

func writeArchive(path, dir string, names []string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, name := range names {
		if err := addFileToArchive(tw, filepath.Join(dir, name), name); err != nil {
			f.Close()
			return fmt.Errorf("failed to add %s: %w", name, err)
		}
	}

	if err := tw.Close(); err != nil {
		f.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func addFileToArchive(tw *tar.Writer, path, nameInArchive string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
