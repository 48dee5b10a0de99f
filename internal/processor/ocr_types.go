/**
 * OCR Types - Shared data structures for recognition
 *
 * Common types used by the backend adapters, the parameter search,
 * the validator and the orchestrator.
 */

package processor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ImageFormat identifies the encoding of an image buffer
type ImageFormat string

const (
	FormatPNG  ImageFormat = "png"
	FormatJPEG ImageFormat = "jpeg"
	FormatBMP  ImageFormat = "bmp"
	FormatTIFF ImageFormat = "tiff"
	FormatGIF  ImageFormat = "gif"
)

// Image is a single still frame, referenced by path or held as bytes.
// The engine never mutates or persists it.
type Image struct {
	Path   string      `json:"path,omitempty"`
	Data   []byte      `json:"data,omitempty"`
	Format ImageFormat `json:"format,omitempty"`
}

// NewImageFromFile references an image on disk
func NewImageFromFile(path string) Image {
	return Image{Path: path, Format: FormatFromName(path)}
}

// NewImageFromBytes wraps an encoded image buffer. An empty format is sniffed.
func NewImageFromBytes(data []byte, format ImageFormat) Image {
	if format == "" {
		format = DetectFormat(data)
	}
	return Image{Data: data, Format: format}
}

// Validate rejects images with neither a path nor data
func (img Image) Validate() error {
	if img.Path == "" && len(img.Data) == 0 {
		return fmt.Errorf("image has neither a path nor data")
	}
	return nil
}

// HasFile reports whether the image can be handed to an engine by path
func (img Image) HasFile() bool {
	return img.Path != "" && len(img.Data) == 0
}

// Bytes returns the encoded image, reading the file when needed
func (img Image) Bytes() ([]byte, error) {
	if len(img.Data) > 0 {
		return img.Data, nil
	}
	if img.Path == "" {
		return nil, fmt.Errorf("image has neither a path nor data")
	}
	data, err := os.ReadFile(img.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image %s: %w", img.Path, err)
	}
	return data, nil
}

// Extension returns the file extension used when the image is written to scratch space
func (img Image) Extension() string {
	switch img.Format {
	case FormatJPEG:
		return ".jpg"
	case FormatBMP:
		return ".bmp"
	case FormatTIFF:
		return ".tiff"
	case FormatGIF:
		return ".gif"
	default:
		// Imlib2 refuses files it has no loader for; png is always available
		return ".png"
	}
}

// FormatFromName guesses the image format from a file name
func FormatFromName(name string) ImageFormat {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return FormatJPEG
	case ".bmp":
		return FormatBMP
	case ".tif", ".tiff":
		return FormatTIFF
	case ".gif":
		return FormatGIF
	default:
		return FormatPNG
	}
}

// DetectFormat sniffs the image format from magic bytes, or returns ""
func DetectFormat(data []byte) ImageFormat {
	if len(data) < 4 {
		return ""
	}

	// PNG: 0x89 'P' 'N' 'G' 0x0D 0x0A 0x1A 0x0A
	if len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}) {
		return FormatPNG
	}

	// JPEG: 0xFF 0xD8 0xFF
	if bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}) {
		return FormatJPEG
	}

	if bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")) {
		return FormatGIF
	}

	// TIFF: little-endian or big-endian header
	if bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}) || bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}) {
		return FormatTIFF
	}

	if bytes.HasPrefix(data, []byte("BM")) {
		return FormatBMP
	}

	return ""
}

// EngineKind selects the backend family
type EngineKind string

const (
	EngineSSOCR        EngineKind = "ssocr"
	EngineTesseract    EngineKind = "tesseract"
	EngineTesseractLib EngineKind = "gosseract"
	EngineVision       EngineKind = "vision"
)

// InputMode controls how an image reaches a subprocess
type InputMode string

const (
	InputAuto  InputMode = "auto"
	InputFile  InputMode = "file"
	InputStdin InputMode = "stdin"
)

// SSOCROptions mirrors the ssocr command line switches.
// Zero values select the ssocr defaults used for panel meters.
type SSOCROptions struct {
	Foreground       string `json:"foreground,omitempty"`      // black | white
	Luminance        string `json:"luminance,omitempty"`       // rec601 | rec709 | linear | minimum | maximum | red | green | blue
	Charset          string `json:"charset,omitempty"`         // digits | decimal | hex | full
	AdjustThreshold  bool   `json:"adjustThreshold,omitempty"` // drop -a so ssocr adapts the threshold
	IterThreshold    bool   `json:"iterThreshold,omitempty"`
	NeededPixels     int    `json:"neededPixels,omitempty"`
	IgnoredPixels    int    `json:"ignoredPixels,omitempty"`
	OneRatio         int    `json:"oneRatio,omitempty"`
	MinusRatio       int    `json:"minusRatio,omitempty"`
	OmitDecimalPoint bool   `json:"omitDecimalPoint,omitempty"`
}

// SearchConfig bounds the parameter search of a tunable backend
type SearchConfig struct {
	Initial       float64 `json:"initial"`
	Step          float64 `json:"step"`
	MaxIterations int     `json:"maxIterations"`
	Min           float64 `json:"min"`
	Max           float64 `json:"max"`
}

// Search defaults
const (
	DefaultSearchInitial       = 50.0
	DefaultSearchStep          = 5.0
	DefaultSearchMaxIterations = 10
)

// DefaultSearchConfig returns the threshold search used for segmented displays
func DefaultSearchConfig() *SearchConfig {
	return &SearchConfig{
		Initial:       DefaultSearchInitial,
		Step:          DefaultSearchStep,
		MaxIterations: DefaultSearchMaxIterations,
		Min:           0,
		Max:           100,
	}
}

// UnmarshalJSON decodes over DefaultSearchConfig, so omitted fields keep their defaults.
// An explicit "step": 0 still means a single value.
func (c *SearchConfig) UnmarshalJSON(data []byte) error {
	type plain SearchConfig
	v := plain(*DefaultSearchConfig())
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*c = SearchConfig(v)
	return nil
}

// WithDefaults fills an unset range (min and max both zero) and a zero iteration count
func (c SearchConfig) WithDefaults() SearchConfig {
	def := DefaultSearchConfig()
	if c.Min == 0 && c.Max == 0 {
		c.Min, c.Max = def.Min, def.Max
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = def.MaxIterations
	}
	return c
}

// BackendConfig identifies one backend variant and its tunables.
// It is supplied per call and treated as read-only.
type BackendConfig struct {
	Name       string        `json:"name,omitempty"`
	Engine     EngineKind    `json:"engine"`
	Executable string        `json:"executable,omitempty"`
	Language   string        `json:"language,omitempty"`
	PSM        int           `json:"psm,omitempty"`
	Whitelist  string        `json:"whitelist,omitempty"`
	Threshold  float64       `json:"threshold,omitempty"`
	Digits     int           `json:"digits,omitempty"`
	SSOCR      SSOCROptions  `json:"ssocr,omitempty"`
	Input      InputMode     `json:"input,omitempty"`
	TimeoutMs  int64         `json:"timeoutMs,omitempty"`
	Search     *SearchConfig `json:"search,omitempty"`
}

// ID returns the identifier used in provenance and diagnostics
func (c BackendConfig) ID() string {
	if c.Name != "" {
		return c.Name
	}
	return string(c.Engine)
}

// CallTimeout returns the configured per-call timeout, or fallback
func (c BackendConfig) CallTimeout(fallback time.Duration) time.Duration {
	if c.TimeoutMs > 0 {
		return time.Duration(c.TimeoutMs) * time.Millisecond
	}
	return fallback
}

// RawResult is engine output before validation
type RawResult struct {
	Backend    string            `json:"backend"`
	Engine     EngineKind        `json:"engine"`
	Text       string            `json:"text"`
	Raw        string            `json:"raw,omitempty"`
	Stderr     string            `json:"stderr,omitempty"`
	Confidence *float64          `json:"confidence,omitempty"`
	Parameter  *float64          `json:"parameter,omitempty"`
	Duration   time.Duration     `json:"durationNs"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Reading is an accepted, validated recognition output
type Reading struct {
	RequestID  string        `json:"requestId,omitempty"`
	Text       string        `json:"text"`
	Value      *float64      `json:"value,omitempty"`
	Backend    string        `json:"backend"`
	Engine     EngineKind    `json:"engine"`
	Parameter  *float64      `json:"parameter,omitempty"`
	Confidence *float64      `json:"confidence,omitempty"`
	Attempts   int           `json:"attempts"`
	Elapsed    time.Duration `json:"elapsedNs"`
}

// Profile is a named recognition preset for one instrument
type Profile struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Backends    []BackendConfig `json:"backends"`
	Rule        ValidationRule  `json:"rule"`
	TimeoutMs   int64           `json:"timeoutMs,omitempty"`
	Preprocess  []Task          `json:"preprocess,omitempty"`
}

// Check validates a stored profile before it is served
func (p *Profile) Check() error {
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	if len(p.Backends) == 0 {
		return fmt.Errorf("profile %q: no backends configured", p.Name)
	}
	for i, bc := range p.Backends {
		if bc.Engine == "" {
			return fmt.Errorf("profile %q: backends[%d]: engine is required", p.Name, i)
		}
		if bc.Search != nil {
			if err := bc.Search.WithDefaults().Check(); err != nil {
				return fmt.Errorf("profile %q: backends[%d]: %w", p.Name, i, err)
			}
		}
	}
	if p.TimeoutMs < 0 {
		return fmt.Errorf("profile %q: timeoutMs must not be negative", p.Name)
	}
	if err := p.Rule.Check(); err != nil {
		return fmt.Errorf("profile %q: rule: %w", p.Name, err)
	}
	if err := CheckTasks(p.Preprocess); err != nil {
		return fmt.Errorf("profile %q: %w", p.Name, err)
	}
	return nil
}

// RecognizeRequest is one recognition call
type RecognizeRequest struct {
	RequestID  string          `json:"requestId,omitempty"`
	Profile    string          `json:"profile,omitempty"`
	Image      Image           `json:"image"`
	Backends   []BackendConfig `json:"backends,omitempty"`
	Rule       *ValidationRule `json:"rule,omitempty"`
	TimeoutMs  int64           `json:"timeoutMs,omitempty"`
	Preprocess []Task          `json:"preprocess,omitempty"`
}

func float64Ptr(v float64) *float64 {
	return &v
}
