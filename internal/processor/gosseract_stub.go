//go:build !gosseract

package processor

import (
	"context"
	"fmt"

	"github.com/adverant/nexus/readout-worker/internal/errors"
)

// errGosseractDisabled is returned when the binary was built without the gosseract tag
var errGosseractDisabled = fmt.Errorf("built without the gosseract tag")

// GosseractOCR is a placeholder reporting the engine as unavailable
type GosseractOCR struct{}

// GosseractConfig holds libtesseract configuration
type GosseractConfig struct {
	DataDir string
}

// NewGosseractOCR returns the placeholder backend
func NewGosseractOCR(cfg *GosseractConfig) (*GosseractOCR, error) {
	return &GosseractOCR{}, nil
}

func (g *GosseractOCR) Engine() EngineKind { return EngineTesseractLib }

func (g *GosseractOCR) Recognize(ctx context.Context, img Image, cfg BackendConfig) (*RawResult, error) {
	return nil, errors.NewBackendUnavailableError(cfg.ID(), errGosseractDisabled)
}

func (g *GosseractOCR) Version(ctx context.Context) (string, error) {
	return "", errGosseractDisabled
}
