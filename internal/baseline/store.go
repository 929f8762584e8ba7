package baseline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/boxguard/parcel-detection-worker/internal/clock"
	"github.com/boxguard/parcel-detection-worker/internal/config"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Metadata describes one stored reference photo.
type Metadata struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	CapturedAt time.Time `json:"captured_at"`
	Reason     string    `json:"reason"`
	Verified   bool      `json:"verified"`
}

// Snapshot is the read view of a device's current baseline. Present is false
// when no baseline exists or it has aged out; staleness is evaluated at read
// time, never by a background sweep.
type Snapshot struct {
	Present  bool
	Image    []byte
	Age      time.Duration
	Metadata *Metadata
}

// CaptureInfo is supplied by the caller when storing a baseline.
type CaptureInfo struct {
	Reason   string
	Verified bool
}

// Store keeps one current reference photo per device on disk: an image file
// plus a JSON metadata record, with retention pruning of older snapshots.
type Store struct {
	mu       sync.Mutex
	dir      string
	maxEdge  int
	settings *config.SettingsStore
	clk      clock.Clock
	logger   *zap.Logger

	// current baseline metadata per device id
	current map[string]*Metadata
}

// NewStore opens (and if needed creates) the baseline directory and loads
// the newest stored snapshot per device as the current pointer.
func NewStore(cfg config.BaselineConfig, settings *config.SettingsStore, clk clock.Clock, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create baseline directory: %w", err)
	}
	s := &Store{
		dir:      cfg.Dir,
		maxEdge:  cfg.MaxEdge,
		settings: settings,
		clk:      clk,
		logger:   logger,
		current:  make(map[string]*Metadata),
	}
	if err := s.loadExisting(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadExisting() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to scan baseline directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		deviceID := entry.Name()
		metas := s.listMetadata(deviceID)
		if len(metas) == 0 {
			continue
		}
		s.current[deviceID] = &metas[0]
		s.logger.Info("loaded existing baseline",
			zap.String("device_id", deviceID),
			zap.Time("captured_at", metas[0].CapturedAt))
	}
	return nil
}

// Store persists a new baseline for the device and makes it current. The
// image is decode-validated and bounded before it is written. Pruning of old
// snapshots is best-effort and never fails the caller.
func (s *Store) Store(deviceID string, image []byte, info CaptureInfo) (string, error) {
	sanitized, err := sanitizeJPEG(image, s.maxEdge)
	if err != nil {
		return "", fmt.Errorf("baseline image rejected: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta := Metadata{
		ID:         uuid.New().String(),
		DeviceID:   deviceID,
		CapturedAt: s.clk.Now(),
		Reason:     info.Reason,
		Verified:   info.Verified,
	}

	deviceDir := filepath.Join(s.dir, deviceID)
	if err := os.MkdirAll(deviceDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create device baseline directory: %w", err)
	}
	if err := os.WriteFile(s.imagePath(deviceID, meta.ID), sanitized, 0o644); err != nil {
		return "", fmt.Errorf("failed to write baseline image: %w", err)
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to marshal baseline metadata: %w", err)
	}
	if err := os.WriteFile(s.metaPath(deviceID, meta.ID), metaBytes, 0o644); err != nil {
		return "", fmt.Errorf("failed to write baseline metadata: %w", err)
	}

	s.current[deviceID] = &meta
	s.pruneLocked(deviceID)

	s.logger.Info("baseline stored",
		zap.String("device_id", deviceID),
		zap.String("baseline_id", meta.ID),
		zap.String("reason", info.Reason),
		zap.Int("bytes", len(sanitized)))
	return meta.ID, nil
}

// Get returns the device's current baseline. A baseline older than the
// configured max age is reported absent even though its files remain on disk
// until pruning.
func (s *Store) Get(deviceID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.current[deviceID]
	if !ok {
		return Snapshot{}, nil
	}
	age := s.clk.Now().Sub(meta.CapturedAt)
	if age > s.settings.Snapshot().BaselineMaxAge {
		return Snapshot{}, nil
	}
	image, err := os.ReadFile(s.imagePath(deviceID, meta.ID))
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read baseline image: %w", err)
	}
	metaCopy := *meta
	return Snapshot{Present: true, Image: image, Age: age, Metadata: &metaCopy}, nil
}

// HasValid reports whether a non-stale baseline exists without loading the
// image bytes.
func (s *Store) HasValid(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.current[deviceID]
	if !ok {
		return false
	}
	return s.clk.Now().Sub(meta.CapturedAt) <= s.settings.Snapshot().BaselineMaxAge
}

// Invalidate clears the device's current baseline. File removal is
// best-effort; the in-memory pointer is always cleared.
func (s *Store) Invalidate(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.current[deviceID]
	if !ok {
		return
	}
	delete(s.current, deviceID)
	for _, path := range []string{s.imagePath(deviceID, meta.ID), s.metaPath(deviceID, meta.ID)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove invalidated baseline file",
				zap.String("path", path), zap.Error(err))
		}
	}
	s.logger.Info("baseline invalidated", zap.String("device_id", deviceID))
}

// pruneLocked keeps the newest N snapshots for the device and deletes the
// rest. Failures are logged, not propagated.
func (s *Store) pruneLocked(deviceID string) {
	retention := s.settings.Snapshot().BaselineRetention
	metas := s.listMetadata(deviceID)
	if len(metas) <= retention {
		return
	}
	for _, meta := range metas[retention:] {
		for _, path := range []string{s.imagePath(deviceID, meta.ID), s.metaPath(deviceID, meta.ID)} {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("baseline pruning failed",
					zap.String("path", path), zap.Error(err))
			}
		}
	}
	s.logger.Debug("pruned old baselines",
		zap.String("device_id", deviceID),
		zap.Int("removed", len(metas)-retention))
}

// listMetadata returns the device's stored metadata newest-first.
func (s *Store) listMetadata(deviceID string) []Metadata {
	pattern := filepath.Join(s.dir, deviceID, "*.json")
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil
	}
	var metas []Metadata
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var meta Metadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			s.logger.Warn("skipping unreadable baseline metadata",
				zap.String("path", path), zap.Error(err))
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CapturedAt.After(metas[j].CapturedAt)
	})
	return metas
}

func (s *Store) imagePath(deviceID, id string) string {
	return filepath.Join(s.dir, deviceID, id+".jpg")
}

func (s *Store) metaPath(deviceID, id string) string {
	return filepath.Join(s.dir, deviceID, id+".json")
}
