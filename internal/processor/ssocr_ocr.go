/**
 * SSOCR - Seven-segment display recognition
 *
 * Runs the ssocr executable once per call. The binarization threshold is the
 * tunable parameter driven by the parameter search.
 */

package processor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adverant/nexus/readout-worker/internal/errors"
)

// ssocr exit statuses that still carry a usable answer
const (
	ssocrExitOK           = 0
	ssocrExitDigitCount   = 2 // number of digits differs from -d
	ssocrExitUnrecognized = 3 // at least one digit could not be recognized
)

// stderr noise imlib2 emits for some TIFF files
const tiffWarningPrefix = "TIFFReadDirectory: Warning"

// SSOCRConfig holds ssocr configuration
type SSOCRConfig struct {
	// Path is the default executable or install directory; BackendConfig.Executable overrides it per call
	Path    string
	TempDir string
}

// SSOCROCR drives the ssocr executable
type SSOCROCR struct {
	path    string
	tempDir string
}

// NewSSOCROCR creates a new ssocr backend
func NewSSOCROCR(cfg *SSOCRConfig) (*SSOCROCR, error) {
	if cfg == nil {
		cfg = &SSOCRConfig{}
	}
	return &SSOCROCR{
		path:    cfg.Path,
		tempDir: cfg.TempDir,
	}, nil
}

func (s *SSOCROCR) Engine() EngineKind { return EngineSSOCR }

func (s *SSOCROCR) Parameter() string { return "threshold" }

// WithParameter sets the binarization threshold (percent)
func (s *SSOCROCR) WithParameter(cfg BackendConfig, v float64) BackendConfig {
	cfg.Threshold = v
	return cfg
}

// Recognize runs ssocr once with the threshold in cfg
func (s *SSOCROCR) Recognize(ctx context.Context, img Image, cfg BackendConfig) (*RawResult, error) {
	id := cfg.ID()

	exe, err := s.executable(cfg)
	if err != nil {
		return nil, errors.NewBackendUnavailableError(id, err)
	}

	input, stdin, cleanup, err := imageInput(img, cfg.Input, "-", s.tempDir)
	defer cleanup()
	if err != nil {
		return nil, errors.NewBackendCrashedError(id, "failed to hand image to ssocr", err)
	}

	out, err := runCommand(ctx, exe, ssocrArgs(cfg, input), stdin)
	if err != nil {
		return nil, classifyRunError(id, err)
	}

	stderr := filterTIFFWarnings(out.Stderr)
	switch out.ExitCode {
	case ssocrExitOK, ssocrExitDigitCount, ssocrExitUnrecognized:
	default:
		msg := fmt.Sprintf("ssocr exited with status %d", out.ExitCode)
		if stderr != "" {
			msg += ": " + firstLine(stderr)
		}
		crash := errors.NewBackendCrashedError(id, msg, nil)
		crash.LastText = strings.TrimSpace(out.Stdout)
		return nil, crash
	}
	if out.ExitCode == ssocrExitOK && stderr != "" {
		crash := errors.NewBackendCrashedError(id, "ssocr reported an error: "+firstLine(stderr), nil)
		crash.LastText = strings.TrimSpace(out.Stdout)
		return nil, crash
	}

	threshold := cfg.Threshold
	return &RawResult{
		Backend:   id,
		Engine:    EngineSSOCR,
		Text:      strings.TrimSpace(out.Stdout),
		Raw:       out.Stdout,
		Stderr:    stderr,
		Parameter: &threshold,
		Duration:  out.Duration,
		Metadata: map[string]string{
			"exit_code": strconv.Itoa(out.ExitCode),
		},
	}, nil
}

// Version returns the ssocr version number
func (s *SSOCROCR) Version(ctx context.Context) (string, error) {
	exe, err := resolveExecutable("ssocr", s.path)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := runCommand(ctx, exe, []string{"--version"}, nil)
	if err != nil {
		return "", err
	}
	fields := strings.Fields(firstLine(out.Stdout))
	if len(fields) == 0 {
		return "", fmt.Errorf("ssocr --version printed nothing")
	}
	return fields[len(fields)-1], nil
}

func (s *SSOCROCR) executable(cfg BackendConfig) (string, error) {
	override := cfg.Executable
	if override == "" {
		override = s.path
	}
	return resolveExecutable("ssocr", override)
}

// ssocrArgs builds the command line. Zero-valued options fall back to the panel meter defaults.
func ssocrArgs(cfg BackendConfig, input string) []string {
	o := cfg.SSOCR

	digits := cfg.Digits
	if digits <= 0 {
		digits = -1
	}
	needed := o.NeededPixels
	if needed <= 0 {
		needed = 1
	}
	oneRatio := o.OneRatio
	if oneRatio <= 0 {
		oneRatio = 3
	}
	minusRatio := o.MinusRatio
	if minusRatio <= 0 {
		minusRatio = 2
	}

	args := []string{
		"-t" + strconv.FormatFloat(cfg.Threshold, 'f', -1, 64),
		"-n" + strconv.Itoa(needed),
		"-i" + strconv.Itoa(o.IgnoredPixels),
		"-d" + strconv.Itoa(digits),
		"-r" + strconv.Itoa(oneRatio),
		"-m" + strconv.Itoa(minusRatio),
		"-f" + orDefault(o.Foreground, "black"),
		"-l" + orDefault(o.Luminance, "rec709"),
		"-c" + orDefault(o.Charset, "full"),
	}
	if !o.AdjustThreshold {
		args = append(args, "-a")
	}
	if o.IterThreshold {
		args = append(args, "-T")
	}
	if o.OmitDecimalPoint {
		args = append(args, "-C")
	}
	return append(args, input)
}

func filterTIFFWarnings(stderr string) string {
	var kept []string
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, tiffWarningPrefix) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
