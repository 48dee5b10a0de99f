package processor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/readout-worker/internal/errors"
)

// These tests run the recognizer against shell scripts standing in for the real engines,
// so the subprocess, exit-code and scratch-file paths are exercised end to end.

func engineRecognizer(t *testing.T, ssocrPath, tesseractPath string) *Recognizer {
	t.Helper()
	s, err := NewSSOCROCR(&SSOCRConfig{Path: ssocrPath, TempDir: t.TempDir()})
	require.NoError(t, err)
	tess, err := NewTesseractOCR(&TesseractConfig{TesseractPath: tesseractPath, TempDir: t.TempDir()})
	require.NoError(t, err)
	return newTestRecognizer(t, nil, s, tess)
}

func TestEngines_SevenSegmentThresholdSearch(t *testing.T) {
	dir := t.TempDir()
	r := engineRecognizer(t, writeScript(t, dir, "ssocr", fakeSSOCR), "")

	reading, err := r.Recognize(context.Background(), &RecognizeRequest{
		Image: NewImageFromFile(writeImageFile(t)),
		Backends: []BackendConfig{{
			Engine: EngineSSOCR,
			Digits: 6,
			Search: &SearchConfig{Initial: 50, Step: 5, MaxIterations: 10, Min: 0, Max: 100},
		}},
		Rule: &ValidationRule{Charset: CharsetDigits, ExactLength: 6},
	})
	require.NoError(t, err)

	assert.Equal(t, "431432", reading.Text)
	assert.Equal(t, 65.0, *reading.Parameter)
	assert.Equal(t, 4, reading.Attempts)
}

func TestEngines_PrintedLabelNumericValue(t *testing.T) {
	dir := t.TempDir()
	r := engineRecognizer(t, "", writeScript(t, dir, "tesseract", fakeTesseract))

	reading, err := r.Recognize(context.Background(), &RecognizeRequest{
		Image:    NewImageFromFile(writeImageFile(t)),
		Backends: []BackendConfig{{Engine: EngineTesseract, Language: "eng"}},
		Rule:     &ValidationRule{Charset: CharsetDigits, ExactLength: 6, Numeric: NumericInt},
	})
	require.NoError(t, err)

	require.NotNil(t, reading.Value)
	assert.Equal(t, 619121.0, *reading.Value)
	assert.Equal(t, EngineTesseract, reading.Engine)
}

func TestEngines_BlankImageAggregateFailure(t *testing.T) {
	dir := t.TempDir()
	ssocr := writeScript(t, dir, "ssocr", "echo 'no digits found' >&2\nexit 3\n")
	tess := writeScript(t, dir, "tesseract", "printf 'level\\tpage_num\\tblock_num\\tpar_num\\tline_num\\tword_num\\tleft\\ttop\\twidth\\theight\\tconf\\ttext\\n'\n")
	r := engineRecognizer(t, ssocr, tess)

	_, err := r.Recognize(context.Background(), &RecognizeRequest{
		Image:    NewImageFromFile(writeImageFile(t)),
		Backends: []BackendConfig{{Engine: EngineSSOCR}, {Engine: EngineTesseract}},
		Rule:     &ValidationRule{Charset: CharsetDigits, ExactLength: 4},
	})
	require.Error(t, err)

	re := err.(*errors.RecognitionError)
	assert.Equal(t, errors.ErrorAggregateFailure, re.Code)
	assert.NotEmpty(t, re.Attempts)
	require.Len(t, re.Failures, 2)
	assert.Equal(t, errors.ErrorSearchExhausted, re.Failures[0].Code)
	assert.Len(t, re.Failures[0].Parameters, DefaultSearchMaxIterations)
	assert.Equal(t, ReasonEmpty, re.Failures[1].Reason)
}

func TestEngines_MisconfiguredPathFallsThrough(t *testing.T) {
	dir := t.TempDir()
	r := engineRecognizer(t, "", writeScript(t, dir, "tesseract", fakeTesseract))

	reading, err := r.Recognize(context.Background(), &RecognizeRequest{
		Image: NewImageFromFile(writeImageFile(t)),
		Backends: []BackendConfig{
			{Engine: EngineSSOCR, Executable: filepath.Join(dir, "does-not-exist")},
			{Engine: EngineTesseract},
		},
		Rule: &ValidationRule{Charset: CharsetDigits, ExactLength: 6},
	})
	require.NoError(t, err)
	assert.Equal(t, "tesseract", reading.Backend)
}

func TestEngines_TimeoutKillsEngine(t *testing.T) {
	dir := t.TempDir()
	r := engineRecognizer(t, writeScript(t, dir, "ssocr", "exec sleep 10\n"), "")

	reading, err := r.Recognize(context.Background(), &RecognizeRequest{
		Image:     NewImageFromFile(writeImageFile(t)),
		Backends:  []BackendConfig{{Engine: EngineSSOCR}},
		TimeoutMs: 100,
	})
	assert.Nil(t, reading)
	assert.True(t, errors.HasCode(err, errors.ErrorTimeout))
}
