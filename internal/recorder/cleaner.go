package recorder

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"magicaldanmaku/session/internal/logging"
)

// RetentionPolicy bounds how many recording bundles stay on disk.
type RetentionPolicy struct {
	MaxSessions int
	MaxAge      time.Duration
}

// StorageStats summarises the disk footprint of retained recordings.
type StorageStats struct {
	Sessions  int
	Bytes     int64
	LastSweep time.Time
}

// Cleaner prunes recording bundles according to a retention policy.
type Cleaner struct {
	mu     sync.RWMutex
	dir    string
	policy RetentionPolicy
	log    *logging.Logger
	now    func() time.Time
	stats  StorageStats
}

// NewCleaner constructs a cleaner for the given recording root.
func NewCleaner(dir string, policy RetentionPolicy, logger *logging.Logger) *Cleaner {
	if logger == nil {
		logger = logging.L()
	}
	return &Cleaner{dir: dir, policy: policy, log: logger, now: time.Now}
}

// Run sweeps on the given interval until the context is cancelled. The first
// sweep happens eagerly so retention applies at startup.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	if c == nil || ctx == nil {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	c.sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// RunOnce performs a single sweep, primarily for tests.
func (c *Cleaner) RunOnce() {
	if c == nil {
		return
	}
	c.sweep()
}

// Stats returns the statistics from the last sweep.
func (c *Cleaner) Stats() StorageStats {
	if c == nil {
		return StorageStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

type bundle struct {
	name    string
	path    string
	size    int64
	modTime time.Time
}

func (c *Cleaner) sweep() {
	if c == nil || strings.TrimSpace(c.dir) == "" {
		return
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warn("recording retention scan failed", logging.Error(err), logging.String("directory", c.dir))
		return
	}

	//1.- Every bundle is one directory; newest-first so limits keep recent sessions.
	bundles := make([]bundle, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			c.log.Warn("recording retention stat failed", logging.Error(err), logging.String("path", path))
			continue
		}
		size, err := directorySize(path)
		if err != nil {
			c.log.Warn("recording retention size failed", logging.Error(err), logging.String("path", path))
			continue
		}
		bundles = append(bundles, bundle{name: entry.Name(), path: path, size: size, modTime: info.ModTime()})
	}
	sort.Slice(bundles, func(i, j int) bool { return bundles[i].modTime.After(bundles[j].modTime) })

	now := c.now()
	stats := StorageStats{LastSweep: now}
	kept := 0
	for _, b := range bundles {
		remove, reason := c.shouldRemove(b, now, kept)
		if remove {
			if err := os.RemoveAll(b.path); err != nil {
				c.log.Warn("recording retention removal failed", logging.Error(err), logging.String("session", b.name))
				kept++
				stats.Sessions++
				stats.Bytes += b.size
			} else {
				c.log.Info("recording retention removed bundle", logging.String("session", b.name), logging.String("reason", reason))
			}
			continue
		}
		kept++
		stats.Sessions++
		stats.Bytes += b.size
	}

	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
}

func (c *Cleaner) shouldRemove(b bundle, now time.Time, kept int) (bool, string) {
	reasons := make([]string, 0, 2)
	if c.policy.MaxAge > 0 && now.Sub(b.modTime) > c.policy.MaxAge {
		reasons = append(reasons, fmt.Sprintf("age>%s", c.policy.MaxAge))
	}
	if c.policy.MaxSessions > 0 && kept >= c.policy.MaxSessions {
		reasons = append(reasons, fmt.Sprintf(">=%d sessions", c.policy.MaxSessions))
	}
	return len(reasons) > 0, strings.Join(reasons, ", ")
}

func directorySize(root string) (int64, error) {
	var total int64
	walkErr := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, walkErr
}
