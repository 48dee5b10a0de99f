//go:build gosseract

/**
 * Gosseract OCR - In-process tesseract through libtesseract
 *
 * Built only with the gosseract tag, since it needs the tesseract and
 * leptonica development headers at build time.
 */

package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/readout-worker/internal/errors"
)

// GosseractOCR handles OCR using libtesseract
type GosseractOCR struct {
	dataDir string
}

// GosseractConfig holds libtesseract configuration
type GosseractConfig struct {
	DataDir string
}

// NewGosseractOCR creates a new in-process Tesseract backend
func NewGosseractOCR(cfg *GosseractConfig) (*GosseractOCR, error) {
	if cfg == nil {
		cfg = &GosseractConfig{}
	}
	return &GosseractOCR{dataDir: cfg.DataDir}, nil
}

func (g *GosseractOCR) Engine() EngineKind { return EngineTesseractLib }

type gosseractOutcome struct {
	result *RawResult
	err    error
}

// Recognize performs OCR with libtesseract. The library call cannot be interrupted,
// so on cancellation Recognize returns at once and the worker goroutine finishes alone.
func (g *GosseractOCR) Recognize(ctx context.Context, img Image, cfg BackendConfig) (*RawResult, error) {
	id := cfg.ID()

	data, err := img.Bytes()
	if err != nil {
		return nil, errors.NewBackendCrashedError(id, "failed to load image", err)
	}

	done := make(chan gosseractOutcome, 1)
	go func() {
		r, err := g.process(id, data, cfg)
		done <- gosseractOutcome{result: r, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, classifyRunError(id, ctx.Err())
	}
}

func (g *GosseractOCR) process(id string, data []byte, cfg BackendConfig) (*RawResult, error) {
	startTime := time.Now()

	client := gosseract.NewClient()
	defer client.Close()

	if g.dataDir != "" {
		if err := client.SetTessdataPrefix(g.dataDir); err != nil {
			return nil, errors.NewBackendUnavailableError(id, err)
		}
	}
	if err := client.SetLanguage(languageOrDefault(cfg.Language)); err != nil {
		return nil, errors.NewBackendUnavailableError(id, err)
	}
	if cfg.PSM > 0 {
		if err := client.SetPageSegMode(gosseract.PageSegMode(cfg.PSM)); err != nil {
			return nil, errors.NewBackendCrashedError(id, "failed to set page segmentation mode", err)
		}
	}
	if cfg.Whitelist != "" {
		if err := client.SetWhitelist(cfg.Whitelist); err != nil {
			return nil, errors.NewBackendCrashedError(id, "failed to set whitelist", err)
		}
	}

	if err := client.SetImageFromBytes(data); err != nil {
		return nil, errors.NewBackendCrashedError(id, "failed to set image", err)
	}

	text, err := client.Text()
	if err != nil {
		return nil, errors.NewBackendCrashedError(id, "tesseract OCR failed", err)
	}

	result := &RawResult{
		Backend:  id,
		Engine:   EngineTesseractLib,
		Text:     text,
		Raw:      text,
		Duration: time.Since(startTime),
		Metadata: map[string]string{"language": languageOrDefault(cfg.Language)},
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err == nil && len(boxes) > 0 {
		var sum float64
		for _, b := range boxes {
			sum += b.Confidence
		}
		confidence := sum / float64(len(boxes)) / 100
		result.Confidence = &confidence
	}

	return result, nil
}

// Version reports the linked libtesseract version
func (g *GosseractOCR) Version(ctx context.Context) (string, error) {
	return gosseract.Version(), nil
}

// Languages lists the models libtesseract can load
func (g *GosseractOCR) Languages(ctx context.Context) ([]string, error) {
	langs, err := gosseract.GetAvailableLanguages()
	if err != nil {
		return nil, fmt.Errorf("failed to list tesseract languages: %w", err)
	}
	return langs, nil
}
