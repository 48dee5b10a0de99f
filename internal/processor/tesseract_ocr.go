/**
 * Tesseract OCR - General-purpose recognition via the tesseract executable
 *
 * Runs one tesseract process per call and parses its TSV output into text and
 * a mean word confidence. The model is chosen by identifier (eng, letsgodigital);
 * the model directory is worker configuration.
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

const defaultTesseractLanguage = "eng"

// TesseractOCR handles OCR using the tesseract executable
type TesseractOCR struct {
	tesseractPath string
	dataDir       string
	tempDir       string
}

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	TesseractPath string
	DataDir       string // passed as --tessdata-dir when set
	TempDir       string
}

// NewTesseractOCR creates a new Tesseract OCR instance
func NewTesseractOCR(cfg *TesseractConfig) (*TesseractOCR, error) {
	if cfg == nil {
		cfg = &TesseractConfig{}
	}

	return &TesseractOCR{
		tesseractPath: cfg.TesseractPath,
		dataDir:       cfg.DataDir,
		tempDir:       cfg.TempDir,
	}, nil
}

func (t *TesseractOCR) Engine() EngineKind { return EngineTesseract }

// Recognize performs OCR using Tesseract
func (t *TesseractOCR) Recognize(ctx context.Context, img Image, cfg BackendConfig) (*RawResult, error) {
	id := cfg.ID()

	exe, err := t.executable(cfg)
	if err != nil {
		return nil, errors.NewBackendUnavailableError(id, err)
	}

	input, stdin, cleanup, err := imageInput(img, cfg.Input, "stdin", t.tempDir)
	defer cleanup()
	if err != nil {
		return nil, errors.NewBackendCrashedError(id, "failed to hand image to tesseract", err)
	}

	out, err := runCommand(ctx, exe, t.args(cfg, input), stdin)
	if err != nil {
		return nil, classifyRunError(id, err)
	}

	if out.ExitCode != 0 {
		msg := fmt.Sprintf("tesseract exited with status %d", out.ExitCode)
		if line := firstLine(out.Stderr); line != "" {
			msg += ": " + line
		}
		// a missing model will not appear on the next attempt either
		if strings.Contains(out.Stderr, "Failed loading language") {
			return nil, errors.NewBackendUnavailableError(id, fmt.Errorf("%s", msg))
		}
		return nil, errors.NewBackendCrashedError(id, msg, nil)
	}

	text, confidence, words, err := parseTesseractTSV(out.Stdout)
	if err != nil {
		return nil, errors.NewBackendCrashedError(id, "unparsable tesseract output", err)
	}

	result := &RawResult{
		Backend:  id,
		Engine:   EngineTesseract,
		Text:     text,
		Raw:      out.Stdout,
		Stderr:   out.Stderr,
		Duration: out.Duration,
		Metadata: map[string]string{
			"language": languageOrDefault(cfg.Language),
			"words":    strconv.Itoa(words),
		},
	}
	if words > 0 {
		result.Confidence = &confidence
	}
	return result, nil
}

// Version returns the tesseract version string
func (t *TesseractOCR) Version(ctx context.Context) (string, error) {
	out, err := t.info(ctx, "--version")
	if err != nil {
		return "", err
	}
	// older releases print the version on stderr
	line := firstLine(out.Stdout)
	if line == "" {
		line = firstLine(out.Stderr)
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "tesseract")), nil
}

// Languages lists the installed model identifiers
func (t *TesseractOCR) Languages(ctx context.Context) ([]string, error) {
	out, err := t.info(ctx, "--list-langs")
	if err != nil {
		return nil, err
	}
	text := out.Stdout
	if strings.TrimSpace(text) == "" {
		text = out.Stderr
	}
	var langs []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of available languages") {
			continue
		}
		langs = append(langs, line)
	}
	return langs, nil
}

func (t *TesseractOCR) info(ctx context.Context, flag string) (*commandOutput, error) {
	exe, err := resolveExecutable("tesseract", t.tesseractPath)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	args := []string{flag}
	if t.dataDir != "" {
		args = []string{"--tessdata-dir", t.dataDir, flag}
	}
	out, err := runCommand(ctx, exe, args, nil)
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, fmt.Errorf("tesseract %s exited with status %d", flag, out.ExitCode)
	}
	return out, nil
}

func (t *TesseractOCR) executable(cfg BackendConfig) (string, error) {
	override := cfg.Executable
	if override == "" {
		override = t.tesseractPath
	}
	return resolveExecutable("tesseract", override)
}

func (t *TesseractOCR) args(cfg BackendConfig, input string) []string {
	args := []string{input, "stdout", "-l", languageOrDefault(cfg.Language)}
	if cfg.PSM > 0 {
		args = append(args, "--psm", strconv.Itoa(cfg.PSM))
	}
	if t.dataDir != "" {
		args = append(args, "--tessdata-dir", t.dataDir)
	}
	if cfg.Whitelist != "" {
		args = append(args, "-c", "tessedit_char_whitelist="+cfg.Whitelist)
	}
	return append(args, "tsv")
}

func languageOrDefault(lang string) string {
	if lang == "" {
		return defaultTesseractLanguage
	}
	return lang
}

// parseTesseractTSV joins word rows into lines and averages their confidence (0-1).
// An empty page yields empty text and zero words.
func parseTesseractTSV(tsv string) (string, float64, int, error) {
	type lineKey struct{ page, block, par, line int }

	var (
		order   []lineKey
		lines   = make(map[lineKey][]string)
		confSum float64
		words   int
		header  = true
	)

	for _, row := range strings.Split(tsv, "\n") {
		row = strings.TrimRight(strings.ReplaceAll(row, "\f", ""), "\r")
		if row == "" {
			continue
		}
		if header {
			header = false
			if strings.HasPrefix(row, "level") {
				continue
			}
		}

		cols := strings.Split(row, "\t")
		if len(cols) < 11 {
			return "", 0, 0, fmt.Errorf("tsv row has %d columns: %q", len(cols), row)
		}
		level, err := strconv.Atoi(cols[0])
		if err != nil {
			return "", 0, 0, fmt.Errorf("invalid tsv level %q: %w", cols[0], err)
		}
		if level != 5 || len(cols) < 12 {
			continue
		}
		word := strings.TrimSpace(cols[11])
		if word == "" {
			continue
		}

		var key lineKey
		key.page, _ = strconv.Atoi(cols[1])
		key.block, _ = strconv.Atoi(cols[2])
		key.par, _ = strconv.Atoi(cols[3])
		key.line, _ = strconv.Atoi(cols[4])
		if _, seen := lines[key]; !seen {
			order = append(order, key)
		}
		lines[key] = append(lines[key], word)

		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil {
			return "", 0, 0, fmt.Errorf("invalid tsv confidence %q: %w", cols[10], err)
		}
		if conf >= 0 {
			confSum += conf
			words++
		}
	}

	text := make([]string, 0, len(order))
	for _, key := range order {
		text = append(text, strings.Join(lines[key], " "))
	}

	var confidence float64
	if words > 0 {
		confidence = confSum / float64(words) / 100
	}
	return strings.Join(text, "\n"), confidence, words, nil
}
