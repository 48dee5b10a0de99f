package processor

import (
	"fmt"

	"github.com/adverant/nexus/readout-worker/internal/clients"
)

// EngineOptions locates the installed engines. Empty paths are resolved on PATH at call time.
type EngineOptions struct {
	SSOCRPath      string
	TesseractPath  string
	TessdataPrefix string
	TempDir        string
	// Vision registers the remote backend when set
	Vision clients.VisionClient
}

// NewEngineRegistry builds the registry of every engine the worker knows about.
// Engines missing from the host are still registered and report BACKEND_UNAVAILABLE when used.
func NewEngineRegistry(opts EngineOptions) (*Registry, error) {
	ssocr, err := NewSSOCROCR(&SSOCRConfig{Path: opts.SSOCRPath, TempDir: opts.TempDir})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ssocr backend: %w", err)
	}

	tesseract, err := NewTesseractOCR(&TesseractConfig{
		TesseractPath: opts.TesseractPath,
		DataDir:       opts.TessdataPrefix,
		TempDir:       opts.TempDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tesseract backend: %w", err)
	}

	lib, err := NewGosseractOCR(&GosseractConfig{DataDir: opts.TessdataPrefix})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gosseract backend: %w", err)
	}

	backends := []Backend{ssocr, tesseract, lib}
	if opts.Vision != nil {
		vision, err := NewVisionOCR(opts.Vision)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize vision backend: %w", err)
		}
		backends = append(backends, vision)
	}

	return NewRegistry(backends...), nil
}
