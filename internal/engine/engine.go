package engine

import (
	"context"
	"sync"

	"github.com/boxguard/parcel-detection-worker/internal/baseline"
	"github.com/boxguard/parcel-detection-worker/internal/clock"
	"github.com/boxguard/parcel-detection-worker/internal/config"
	"github.com/boxguard/parcel-detection-worker/internal/vision"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const historyCap = 20

// Verifier is the slice of the vision client the engine needs.
type Verifier interface {
	Verify(ctx context.Context, image []byte, req vision.VerifyRequest) (vision.Outcome, error)
	CompareWithBaseline(ctx context.Context, baseline, realtime []byte, req vision.VerifyRequest) (vision.ComparisonOutcome, error)
}

// Engine orchestrates one detection end-to-end: mode selection, the bounded
// retry policy, the confidence/distance decision ladder, and history/stats
// bookkeeping. Detect never returns an error; every failure becomes an
// ERROR-tier result.
type Engine struct {
	client    Verifier
	baselines *baseline.Store
	settings  *config.SettingsStore
	clk       clock.Clock
	logger    *zap.Logger

	mu      sync.Mutex
	history []*Result
	last    *Result
	stats   Stats
	// counts non-error results for the incremental averages
	okCount int
}

// New creates a detection engine.
func New(client Verifier, baselines *baseline.Store, settings *config.SettingsStore, clk clock.Clock, logger *zap.Logger) *Engine {
	return &Engine{
		client:    client,
		baselines: baselines,
		settings:  settings,
		clk:       clk,
		logger:    logger,
	}
}

// Detect runs one detection request. Comparison mode is used when a valid
// baseline exists and the feature is enabled; any comparison failure falls
// back to single-image mode rather than surfacing an error.
func (e *Engine) Detect(ctx context.Context, req Request) *Result {
	st := e.settings.Snapshot()
	log := e.logger.With(zap.String("device_id", req.DeviceID), zap.String("reason", string(req.Reason)))

	res := &Result{
		ID:        uuid.New().String(),
		Timestamp: e.clk.Now(),
		DeviceID:  req.DeviceID,
		Reason:    req.Reason,
		Mode:      ModeSingle,
	}

	out, retried, ok := e.runMode(ctx, req, st, res, log)
	if !ok {
		e.record(res, retried)
		return res
	}

	res.Confidence = out.Confidence
	res.Description = out.Description
	res.Reasoning = out.Reasoning
	res.CredentialID = out.CredentialID
	res.ResponseTime = out.ResponseTime
	res.HasPackage, res.Tier = decide(out.HasPackage, out.Confidence, req.DistanceCm, st)

	log.Info("detection completed",
		zap.String("result_id", res.ID),
		zap.String("mode", string(res.Mode)),
		zap.String("tier", string(res.Tier)),
		zap.Bool("has_package", res.HasPackage),
		zap.Int("confidence", res.Confidence),
		zap.Duration("response_time", res.ResponseTime))

	e.record(res, retried)
	return res
}

// runMode performs the provider call(s) for the selected mode. It returns
// the adopted outcome, whether a retry was spent, and false when the request
// terminally failed (res is then already an ERROR-tier result).
func (e *Engine) runMode(ctx context.Context, req Request, st config.Settings, res *Result, log *zap.Logger) (vision.Outcome, bool, bool) {
	vreq := vision.VerifyRequest{
		DeviceID:   req.DeviceID,
		Reason:     req.Reason,
		DistanceCm: req.DistanceCm,
	}

	if st.ComparisonEnabled {
		snap, err := e.baselines.Get(req.DeviceID)
		switch {
		case err != nil:
			log.Warn("baseline read failed, using single-image mode", zap.Error(err))
		case snap.Present:
			cmp, cerr := e.client.CompareWithBaseline(ctx, snap.Image, req.Image, vreq)
			if cerr != nil {
				log.Warn("comparison call failed, falling back to single-image mode", zap.Error(cerr))
				break
			}
			res.Mode = ModeComparison
			res.ChangeDetected = cmp.ChangeDetected
			res.BaselineAge = snap.Age
			return cmp.Outcome, false, true
		}
	}

	out, err := e.client.Verify(ctx, req.Image, vreq)
	if err != nil {
		res.Tier = TierError
		res.Error = err.Error()
		log.Error("detection failed", zap.String("result_id", res.ID), zap.Error(err))
		return vision.Outcome{}, false, false
	}

	// A genuinely ambiguous read earns exactly one priority retry; keep the
	// retry only when it is strictly more confident.
	retried := false
	if st.RetryOnLowConfidence && out.Parsed &&
		out.Confidence > st.RejectThreshold && out.Confidence < st.AcceptThreshold {
		retryReq := vreq
		retryReq.Reason = vision.ReasonLowConfidenceRetry
		retryReq.Priority = true
		retried = true
		second, rerr := e.client.Verify(ctx, req.Image, retryReq)
		switch {
		case rerr != nil:
			log.Warn("low-confidence retry failed, keeping first result", zap.Error(rerr))
		case second.Confidence > out.Confidence:
			log.Info("low-confidence retry adopted",
				zap.Int("first_confidence", out.Confidence),
				zap.Int("retry_confidence", second.Confidence))
			out = second
		default:
			log.Info("low-confidence retry discarded",
				zap.Int("first_confidence", out.Confidence),
				zap.Int("retry_confidence", second.Confidence))
		}
	}
	return out, retried, true
}

// decide applies the decision ladder to the raw AI judgment, merging in the
// auxiliary distance reading. The proximity comparison is strict.
func decide(raw bool, confidence int, distanceCm *float64, st config.Settings) (bool, Tier) {
	near := distanceCm != nil && *distanceCm < st.ProximityThresholdCm
	switch {
	case confidence >= st.HighConfidence:
		return raw, TierHigh
	case confidence >= st.MediumConfidence:
		if near && raw {
			return true, TierMedium
		}
		return raw, TierMedium
	case confidence >= st.LowConfidence:
		return raw, TierLow
	case near:
		// The sensor overrides an unconfident or negative AI read.
		return true, TierUncertain
	default:
		return false, TierUncertain
	}
}

func (e *Engine) record(res *Result, retried bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.TotalChecks++
	e.stats.LastCheckAt = res.Timestamp
	if retried {
		e.stats.Retries++
	}
	if res.Tier == TierError {
		e.stats.Errors++
	} else {
		e.okCount++
		n := float64(e.okCount)
		e.stats.AvgConfidence += (float64(res.Confidence) - e.stats.AvgConfidence) / n
		e.stats.AvgResponseMs += (float64(res.ResponseTime.Milliseconds()) - e.stats.AvgResponseMs) / n
	}
	if res.HasPackage {
		e.stats.PackagesDetected++
	}
	switch res.Mode {
	case ModeComparison:
		e.stats.ComparisonMode++
	default:
		e.stats.SingleMode++
	}

	// History keeps its own copy so later feedback annotation never mutates
	// a result object already handed to a caller.
	cp := *res
	e.history = append([]*Result{&cp}, e.history...)
	if len(e.history) > historyCap {
		e.history = e.history[:historyCap]
	}
	e.last = &cp
}

// CaptureBaseline stores a new reference photo for the device, optionally
// verifying first that the plate is empty. A verification that reports a
// package above the low-confidence band rejects the capture.
func (e *Engine) CaptureBaseline(ctx context.Context, deviceID string, image []byte, reason string) (string, error) {
	st := e.settings.Snapshot()
	verified := false

	if st.VerifyBeforeBaseline {
		out, err := e.client.Verify(ctx, image, vision.VerifyRequest{
			DeviceID: deviceID,
			Reason:   vision.ReasonBaselineVerification,
		})
		switch {
		case err != nil:
			e.logger.Warn("baseline verification unavailable, storing unverified",
				zap.String("device_id", deviceID), zap.Error(err))
		case out.HasPackage && out.Confidence > st.LowConfidence:
			return "", &BaselineRejectedError{Confidence: out.Confidence, Description: out.Description}
		default:
			verified = true
		}
	}

	return e.baselines.Store(deviceID, image, baseline.CaptureInfo{
		Reason:   reason,
		Verified: verified,
	})
}

// InvalidateBaseline drops the device's current baseline.
func (e *Engine) InvalidateBaseline(deviceID string) {
	e.baselines.Invalidate(deviceID)
}

// MarkFalsePositive annotates a recorded result by id. It mutates only the
// history entry, never a result object already returned to a caller.
func (e *Engine) MarkFalsePositive(id string) bool {
	return e.annotate(id, CorrectionFalsePositive)
}

// MarkFalseNegative annotates a recorded result by id.
func (e *Engine) MarkFalseNegative(id string) bool {
	return e.annotate(id, CorrectionFalseNegative)
}

func (e *Engine) annotate(id string, c Correction) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range e.history {
		if r.ID == id {
			r.Correction = c
			e.stats.Corrections++
			e.logger.Info("detection correction recorded",
				zap.String("result_id", id),
				zap.String("correction", string(c)))
			return true
		}
	}
	return false
}

// Stats returns the running totals.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// History returns the bounded most-recent-first result history as copies.
func (e *Engine) History() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Result, len(e.history))
	for i, r := range e.history {
		out[i] = *r
	}
	return out
}

// LastResult returns a copy of the most recent result, or nil before the
// first check.
func (e *Engine) LastResult() *Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.last == nil {
		return nil
	}
	cp := *e.last
	return &cp
}
