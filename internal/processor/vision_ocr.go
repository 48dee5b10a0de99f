package processor

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/adverant/nexus/readout-worker/internal/clients"
	"github.com/adverant/nexus/readout-worker/internal/errors"
)

// VisionOCR sends the image to a remote text detection service
type VisionOCR struct {
	client clients.VisionClient
}

// NewVisionOCR creates a remote backend around client
func NewVisionOCR(client clients.VisionClient) (*VisionOCR, error) {
	if client == nil {
		return nil, fmt.Errorf("vision client is required")
	}
	return &VisionOCR{client: client}, nil
}

func (v *VisionOCR) Engine() EngineKind { return EngineVision }

// Recognize performs a single text detection request
func (v *VisionOCR) Recognize(ctx context.Context, img Image, cfg BackendConfig) (*RawResult, error) {
	id := cfg.ID()
	startTime := time.Now()

	data, err := img.Bytes()
	if err != nil {
		return nil, errors.NewBackendCrashedError(id, "failed to load image", err)
	}

	var hints []string
	if cfg.Language != "" {
		hints = []string{cfg.Language}
	}

	det, err := v.client.DetectText(ctx, data, hints)
	if err != nil {
		return nil, classifyVisionError(id, err)
	}

	return &RawResult{
		Backend:    id,
		Engine:     EngineVision,
		Text:       det.Text,
		Raw:        det.Text,
		Confidence: det.Confidence,
		Duration:   time.Since(startTime),
		Metadata:   map[string]string{"locale": det.Locale},
	}, nil
}

func classifyVisionError(id string, err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return classifyRunError(id, err)
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.PermissionDenied, codes.Unauthenticated:
		return errors.NewBackendUnavailableError(id, err)
	case codes.DeadlineExceeded, codes.Canceled:
		return errors.NewBackendCrashedError(id, "vision request did not finish in time", err)
	default:
		return errors.NewBackendCrashedError(id, "vision request failed", err)
	}
}
