// Package localcache persists the last known session snapshot and view per user on the local device.
package localcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"example.com/sessionsync/internal/domain"
)

const (
	legacySessionKey = "activeSession"
	legacyViewKey    = "appView"

	// ViewActive is the view shown while a session is running.
	ViewActive = "active"
	// ViewDashboard is the fallback view.
	ViewDashboard = "dashboard"
)

// SessionKey returns the user-scoped key holding the session snapshot.
func SessionKey(userID string) string { return "activeSession.v2." + userID }

// ViewKey returns the user-scoped key holding the last active view.
func ViewKey(userID string) string { return "appView.v2." + userID }

// Option configures optional behaviour for the Cache.
type Option func(*Cache)

// WithLogger overrides the logger used to report self-healed failures.
func WithLogger(logger *log.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// Cache is a key/value store with one JSON file per key under root.
type Cache struct {
	fs     afero.Fs
	root   string
	logger *log.Logger
}

// New constructs a Cache rooted at dir on the provided filesystem.
func New(fsys afero.Fs, dir string, opts ...Option) *Cache {
	c := &Cache{
		fs:     fsys,
		root:   filepath.Clean(dir),
		logger: log.New(log.Writer(), "[localcache] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load returns the cached session for the user. Corrupt content is cleared and
// reported as absent; a legacy unscoped entry is adopted into the scoped slot.
func (c *Cache) Load(userID string) (*domain.ActiveSession, time.Time, bool) {
	scoped := SessionKey(userID)

	raw, found := c.read(scoped)
	fromLegacy := false
	if !found {
		raw, found = c.read(legacySessionKey)
		fromLegacy = found
	}
	if !found {
		return nil, time.Time{}, false
	}

	session, err := decodeSession(raw)
	if err != nil {
		c.logger.Printf("dropping unreadable session cache (user=%s): %v", userID, err)
		recordSelfHeal()
		c.remove(scoped)
		c.remove(legacySessionKey)
		return nil, time.Time{}, false
	}
	if !session.IsLive() {
		return nil, time.Time{}, false
	}

	if fromLegacy {
		if err := c.write(scoped, raw); err != nil {
			c.logger.Printf("legacy session migration failed (user=%s): %v", userID, err)
		} else {
			c.remove(legacySessionKey)
		}
	}

	if session.Owner == "" {
		session.Owner = userID
	}
	return session, session.SavedAt, true
}

// Save stores the session under the user's scoped key stamped with savedAt.
func (c *Cache) Save(userID string, session *domain.ActiveSession, savedAt time.Time) error {
	if session == nil {
		c.Clear(userID)
		return nil
	}
	entry := session.Clone()
	entry.Owner = userID
	entry.SavedAt = savedAt.UTC()

	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.write(SessionKey(userID), body)
}

// Clear removes the scoped and legacy session entries.
func (c *Cache) Clear(userID string) {
	c.remove(SessionKey(userID))
	c.remove(legacySessionKey)
}

// LoadView returns the last stored view for the user, adopting the legacy key once.
func (c *Cache) LoadView(userID string) (string, bool) {
	if raw, ok := c.read(ViewKey(userID)); ok {
		return strings.TrimSpace(string(raw)), true
	}
	raw, ok := c.read(legacyViewKey)
	if !ok {
		return "", false
	}
	view := strings.TrimSpace(string(raw))
	if err := c.write(ViewKey(userID), []byte(view)); err == nil {
		c.remove(legacyViewKey)
	}
	return view, view != ""
}

// SaveView records the current view for the user.
func (c *Cache) SaveView(userID, view string) error {
	view = strings.TrimSpace(view)
	if view == "" {
		return nil
	}
	return c.write(ViewKey(userID), []byte(view))
}

// RestoreView picks the view to show on boot. A cached session always wins;
// a stored "active" view without a session falls back to the dashboard.
func (c *Cache) RestoreView(userID string) string {
	if _, _, ok := c.Load(userID); ok {
		return ViewActive
	}
	view, ok := c.LoadView(userID)
	if !ok || view == "" || view == ViewActive {
		return ViewDashboard
	}
	return view
}

// ClearUser forgets everything stored for the user, including legacy keys.
func (c *Cache) ClearUser(userID string) {
	c.Clear(userID)
	c.remove(ViewKey(userID))
	c.remove(legacyViewKey)
}

func decodeSession(raw []byte) (*domain.ActiveSession, error) {
	var session domain.ActiveSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedLocalData, err)
	}
	return &session, nil
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.root, url.PathEscape(key)+".json")
}

func (c *Cache) read(key string) ([]byte, bool) {
	data, err := afero.ReadFile(c.fs, c.path(key))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.logger.Printf("read %s failed: %v", key, err)
		}
		return nil, false
	}
	if len(data) == 0 {
		return nil, false
	}
	return data, true
}

func (c *Cache) remove(key string) {
	if err := c.fs.Remove(c.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Printf("remove %s failed: %v", key, err)
	}
}

// write replaces the file atomically via temp file + rename.
func (c *Cache) write(key string, data []byte) error {
	if err := c.fs.MkdirAll(c.root, 0o755); err != nil {
		return fmt.Errorf("create cache dir %s: %w", c.root, err)
	}

	tmp, err := afero.TempFile(c.fs, c.root, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer c.fs.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return c.fs.Rename(tmpPath, c.path(key))
}
