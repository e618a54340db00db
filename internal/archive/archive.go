// Package archive implements the Archive & DLQ component (spec §4.10,
// C11): moving terminal input files out of the watched directory into
// dated processed/failed subtrees, and a retention cleaner that deletes
// anything older than retentionDays.
//
// Grounded on the teacher's os.Rename-based artifact handling in
// internal/attractor/engine/engine.go (run.tgz staging), generalized from a
// single hard-coded archive path to the spec's processed/YYYY-MM-DD and
// failed/YYYY-MM-DD layout.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aires-project/aires/internal/aerr"
	"github.com/aires-project/aires/internal/logging"
)

// Mover relocates terminal input files under <inputDir>/processed/ or
// <inputDir>/failed/ (spec §4.10, §9 archive layout).
type Mover struct {
	inputDir string
	log      *logging.Logger
}

// New constructs a Mover rooted at inputDir.
func New(inputDir string, log *logging.Logger) *Mover {
	return &Mover{inputDir: inputDir, log: log.With("component", "archive")}
}

// MoveProcessed relocates fileName into processed/YYYY-MM-DD/ on a
// Completed transition (spec §4.10).
func (m *Mover) MoveProcessed(ctx context.Context, fileName string) (string, error) {
	return m.move(fileName, "processed", "")
}

// MoveFailed relocates fileName into failed/YYYY-MM-DD/ on a Failed or
// DeadLettered transition, additionally writing a sibling .reason.txt file
// describing why (spec §4.10).
func (m *Mover) MoveFailed(ctx context.Context, fileName, reason string) (string, error) {
	return m.move(fileName, "failed", reason)
}

func (m *Mover) move(fileName, bucket, reason string) (string, error) {
	src := filepath.Join(m.inputDir, fileName)
	dateDir := filepath.Join(m.inputDir, bucket, time.Now().Format("2006-01-02"))
	if err := os.MkdirAll(dateDir, 0o755); err != nil {
		return "", aerr.Wrap(aerr.KindInfrastructure, "creating archive directory", err)
	}

	dst := filepath.Join(dateDir, filepath.Base(fileName))
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			// Already moved by a prior crash-recovery pass; treat as success
			// so the terminal transition is idempotent (spec §8 "start ->
			// stop -> start ... yields the same final set of booklets").
			m.log.Debug("archive source already absent, treating move as done", "file", fileName, "dst", dst)
			return dst, nil
		}
		return "", aerr.Wrap(aerr.KindInfrastructure, "moving input file to archive", err)
	}

	if reason != "" {
		reasonPath := dst + ".reason.txt"
		if err := os.WriteFile(reasonPath, []byte(reason+"\n"), 0o644); err != nil {
			m.log.Warn("failed to write archive reason file", "path", reasonPath, "error", err)
		}
	}

	m.log.Info("archived input file", "file", fileName, "bucket", bucket, "dst", dst)
	return dst, nil
}

// Cleaner deletes archived files older than retentionDays (spec §4.10: "a
// daily cleaner deletes older files").
type Cleaner struct {
	inputDir      string
	retentionDays int
	log           *logging.Logger
}

// NewCleaner constructs a Cleaner for inputDir's processed/ and failed/
// subtrees.
func NewCleaner(inputDir string, retentionDays int, log *logging.Logger) *Cleaner {
	return &Cleaner{inputDir: inputDir, retentionDays: retentionDays, log: log.With("component", "archive.cleaner")}
}

// Run walks the processed/ and failed/ date directories once, removing any
// whose date is older than retentionDays.
func (c *Cleaner) Run(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -c.retentionDays)
	var removed int
	for _, bucket := range []string{"processed", "failed"} {
		root := filepath.Join(c.inputDir, bucket)
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return aerr.Wrap(aerr.KindInfrastructure, fmt.Sprintf("reading archive root %s", root), err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			day, err := time.Parse("2006-01-02", e.Name())
			if err != nil || day.After(cutoff) {
				continue
			}
			path := filepath.Join(root, e.Name())
			if err := os.RemoveAll(path); err != nil {
				c.log.Warn("failed to remove expired archive directory", "path", path, "error", err)
				continue
			}
			removed++
		}
	}
	c.log.Info("retention sweep complete", "removed_dirs", removed, "retention_days", c.retentionDays)
	return nil
}

// RunForever runs Run once per day until ctx is canceled (spec §4.10 "a
// daily cleaner").
func (c *Cleaner) RunForever(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Run(ctx); err != nil {
				c.log.Error("retention sweep failed", "error", err)
			}
		}
	}
}
