package baseline_test

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"path/filepath"
	"testing"
	"time"

	"github.com/boxguard/parcel-detection-worker/internal/baseline"
	"github.com/boxguard/parcel-detection-worker/internal/clock"
	"github.com/boxguard/parcel-detection-worker/internal/config"
	"go.uber.org/zap"
)

// makeJPEG renders a small synthetic camera frame.
func makeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("Failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func newTestStore(t *testing.T, dir string, clk clock.Clock) (*baseline.Store, *config.SettingsStore) {
	t.Helper()
	settings, err := config.NewSettingsStore(config.DefaultSettings())
	if err != nil {
		t.Fatalf("NewSettingsStore failed: %v", err)
	}
	store, err := baseline.NewStore(config.BaselineConfig{Dir: dir, MaxEdge: 1280}, settings, clk, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return store, settings
}

func TestStoreAndGet_RoundTrip(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store, _ := newTestStore(t, t.TempDir(), clk)

	id, err := store.Store("holder-7", makeJPEG(t, 64, 48), baseline.CaptureInfo{
		Reason:   "after_release",
		Verified: true,
	})
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if id == "" {
		t.Fatal("Expected a baseline id")
	}

	snap, err := store.Get("holder-7")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !snap.Present {
		t.Fatal("Expected baseline present")
	}
	if len(snap.Image) == 0 {
		t.Error("Expected image bytes in snapshot")
	}
	if snap.Metadata.ID != id || snap.Metadata.DeviceID != "holder-7" || !snap.Metadata.Verified {
		t.Errorf("Unexpected metadata: %+v", snap.Metadata)
	}

	// Get is idempotent: reading never changes the stored state.
	again, err := store.Get("holder-7")
	if err != nil {
		t.Fatalf("Second Get failed: %v", err)
	}
	if !again.Present || again.Metadata.ID != id {
		t.Error("Second Get returned a different snapshot")
	}
}

func TestGet_UnknownDevice(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store, _ := newTestStore(t, t.TempDir(), clk)

	snap, err := store.Get("nobody")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if snap.Present {
		t.Error("Expected no baseline for unknown device")
	}
}

func TestGet_StalenessAtReadTime(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store, _ := newTestStore(t, t.TempDir(), clk)

	if _, err := store.Store("holder-7", makeJPEG(t, 64, 48), baseline.CaptureInfo{Reason: "manual"}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	// At exactly the max age the baseline is still usable.
	clk.Advance(24 * time.Hour)
	snap, err := store.Get("holder-7")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !snap.Present {
		t.Error("Expected baseline present at exactly max age")
	}
	if !store.HasValid("holder-7") {
		t.Error("Expected HasValid true at exactly max age")
	}

	// One second past it the baseline ages out at read time.
	clk.Advance(time.Second)
	snap, err = store.Get("holder-7")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if snap.Present {
		t.Error("Expected baseline absent past max age")
	}
	if store.HasValid("holder-7") {
		t.Error("Expected HasValid false past max age")
	}
}

func TestGet_MaxAgeIsRuntimeAdjustable(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store, settings := newTestStore(t, t.TempDir(), clk)

	if _, err := store.Store("holder-7", makeJPEG(t, 64, 48), baseline.CaptureInfo{Reason: "manual"}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	clk.Advance(2 * time.Hour)
	if !store.HasValid("holder-7") {
		t.Fatal("Expected valid baseline at 2h under the 24h default")
	}

	maxAge := time.Hour
	if _, err := settings.Apply(config.Patch{BaselineMaxAge: &maxAge}); err != nil {
		t.Fatalf("Settings patch failed: %v", err)
	}
	if store.HasValid("holder-7") {
		t.Error("Expected baseline stale after tightening max age to 1h")
	}
}

func TestInvalidate(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	dir := t.TempDir()
	store, _ := newTestStore(t, dir, clk)

	id, err := store.Store("holder-7", makeJPEG(t, 64, 48), baseline.CaptureInfo{Reason: "after_release"})
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	store.Invalidate("holder-7")

	if store.HasValid("holder-7") {
		t.Error("Expected no valid baseline after invalidation")
	}
	if files, _ := filepath.Glob(filepath.Join(dir, "holder-7", id+".*")); len(files) != 0 {
		t.Errorf("Expected invalidated files removed, found %v", files)
	}

	// Invalidating again is a no-op.
	store.Invalidate("holder-7")
}

func TestStore_RetentionPrunesOldest(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	dir := t.TempDir()
	store, _ := newTestStore(t, dir, clk)

	var lastID string
	for i := 0; i < 5; i++ {
		id, err := store.Store("holder-7", makeJPEG(t, 64, 48), baseline.CaptureInfo{Reason: "manual"})
		if err != nil {
			t.Fatalf("Store %d failed: %v", i, err)
		}
		lastID = id
		clk.Advance(time.Minute)
	}

	metas, _ := filepath.Glob(filepath.Join(dir, "holder-7", "*.json"))
	if len(metas) != 3 {
		t.Errorf("Expected 3 retained snapshots, found %d", len(metas))
	}

	snap, err := store.Get("holder-7")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !snap.Present || snap.Metadata.ID != lastID {
		t.Error("Expected the newest snapshot to remain current after pruning")
	}
}

func TestStore_RejectsUndecodableImage(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store, _ := newTestStore(t, t.TempDir(), clk)

	if _, err := store.Store("holder-7", []byte("definitely not a jpeg"), baseline.CaptureInfo{Reason: "manual"}); err == nil {
		t.Error("Expected error for undecodable image bytes")
	}
	if store.HasValid("holder-7") {
		t.Error("Rejected image must not become a baseline")
	}
}

func TestNewStore_LoadsExistingBaselines(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	dir := t.TempDir()
	store, _ := newTestStore(t, dir, clk)

	id, err := store.Store("holder-7", makeJPEG(t, 64, 48), baseline.CaptureInfo{Reason: "after_release", Verified: true})
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	// A fresh store over the same directory picks up the newest snapshot.
	reopened, _ := newTestStore(t, dir, clk)
	snap, err := reopened.Get("holder-7")
	if err != nil {
		t.Fatalf("Get on reopened store failed: %v", err)
	}
	if !snap.Present || snap.Metadata.ID != id {
		t.Error("Expected reopened store to load the existing baseline")
	}
}
