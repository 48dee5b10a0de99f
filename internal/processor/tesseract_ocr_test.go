package processor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/readout-worker/internal/errors"
)

const tsvHeader = "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n"

// fakeTesseract prints the TSV of a label reading "619121", and answers the info flags
const fakeTesseract = `case "$1" in
  --version) echo "tesseract 5.3.0"; echo " leptonica-1.82.0"; exit 0 ;;
  --list-langs) echo 'List of available languages in "/usr/share/tessdata/" (3):'; echo eng; echo letsgodigital; echo osd; exit 0 ;;
esac
printf 'level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n'
printf '1\t1\t0\t0\t0\t0\t0\t0\t640\t480\t-1\t\n'
printf '4\t1\t1\t1\t1\t0\t10\t10\t200\t40\t-1\t\n'
printf '5\t1\t1\t1\t1\t1\t10\t10\t200\t40\t91.5\t619121\n'
`

func TestParseTesseractTSV(t *testing.T) {
	tsv := tsvHeader +
		"1\t1\t0\t0\t0\t0\t0\t0\t640\t480\t-1\t\n" +
		"5\t1\t1\t1\t1\t1\t0\t0\t10\t10\t90\tTotal\n" +
		"5\t1\t1\t1\t1\t2\t0\t0\t10\t10\t80\t12.5\n" +
		"5\t1\t1\t1\t2\t1\t0\t0\t10\t10\t70\tkg\n" +
		"5\t1\t1\t1\t2\t2\t0\t0\t10\t10\t-1\t \n" +
		"\f"

	text, conf, words, err := parseTesseractTSV(tsv)
	require.NoError(t, err)
	assert.Equal(t, "Total 12.5\nkg", text)
	assert.Equal(t, 3, words)
	assert.InDelta(t, 0.8, conf, 1e-9)
}

func TestParseTesseractTSV_EmptyPage(t *testing.T) {
	text, _, words, err := parseTesseractTSV(tsvHeader + "1\t1\t0\t0\t0\t0\t0\t0\t640\t480\t-1\t\n")
	require.NoError(t, err)
	assert.Empty(t, text)
	assert.Zero(t, words)

	text, _, _, err = parseTesseractTSV("")
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestParseTesseractTSV_Garbage(t *testing.T) {
	_, _, _, err := parseTesseractTSV(tsvHeader + "not\ta\ttsv\n")
	assert.Error(t, err)
}

func TestTesseractArgs(t *testing.T) {
	tess, _ := NewTesseractOCR(&TesseractConfig{DataDir: "/usr/share/tessdata"})

	args := tess.args(BackendConfig{Engine: EngineTesseract, Language: "letsgodigital", PSM: 7, Whitelist: "0123456789."}, "stdin")
	assert.Equal(t, []string{
		"stdin", "stdout", "-l", "letsgodigital", "--psm", "7",
		"--tessdata-dir", "/usr/share/tessdata",
		"-c", "tessedit_char_whitelist=0123456789.", "tsv",
	}, args)

	tess, _ = NewTesseractOCR(nil)
	args = tess.args(BackendConfig{Engine: EngineTesseract}, "/tmp/a.png")
	assert.Equal(t, []string{"/tmp/a.png", "stdout", "-l", "eng", "tsv"}, args)
}

func TestTesseract_Recognize(t *testing.T) {
	exe := writeScript(t, t.TempDir(), "tesseract", fakeTesseract)
	tess, _ := NewTesseractOCR(&TesseractConfig{TesseractPath: exe})

	res, err := tess.Recognize(context.Background(), NewImageFromFile(writeImageFile(t)), BackendConfig{Engine: EngineTesseract})
	require.NoError(t, err)
	assert.Equal(t, "619121", res.Text)
	require.NotNil(t, res.Confidence)
	assert.InDelta(t, 0.915, *res.Confidence, 1e-9)
	assert.Equal(t, "eng", res.Metadata["language"])
	assert.Nil(t, res.Parameter)
}

func TestTesseract_ModelIdentifierReachesEngine(t *testing.T) {
	record := filepath.Join(t.TempDir(), "args")
	exe := writeScript(t, t.TempDir(), "tesseract", `echo "$@" > `+record+`
printf 'level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n'
`)
	tess, _ := NewTesseractOCR(&TesseractConfig{TesseractPath: exe, DataDir: "/opt/tessdata"})

	res, err := tess.Recognize(context.Background(), testImage, BackendConfig{Engine: EngineTesseract, Language: "letsgodigital"})
	require.NoError(t, err)
	assert.Empty(t, res.Text)
	assert.Nil(t, res.Confidence)

	args, err := os.ReadFile(record)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(args), "stdin stdout -l letsgodigital"))
	assert.Contains(t, string(args), "--tessdata-dir /opt/tessdata")
}

func TestTesseract_MissingModelIsUnavailable(t *testing.T) {
	exe := writeScript(t, t.TempDir(), "tesseract",
		"echo \"Error opening data file /usr/share/tessdata/xyz.traineddata\" >&2\necho \"Failed loading language 'xyz'\" >&2\nexit 1\n")
	tess, _ := NewTesseractOCR(&TesseractConfig{TesseractPath: exe})

	_, err := tess.Recognize(context.Background(), testImage, BackendConfig{Engine: EngineTesseract, Language: "xyz"})
	assert.True(t, errors.HasCode(err, errors.ErrorBackendUnavailable))
}

func TestTesseract_CrashStatus(t *testing.T) {
	exe := writeScript(t, t.TempDir(), "tesseract", "echo 'Segmentation fault' >&2\nexit 139\n")
	tess, _ := NewTesseractOCR(&TesseractConfig{TesseractPath: exe})

	_, err := tess.Recognize(context.Background(), testImage, BackendConfig{Engine: EngineTesseract})
	assert.True(t, errors.HasCode(err, errors.ErrorBackendCrashed))
}

func TestTesseract_Info(t *testing.T) {
	exe := writeScript(t, t.TempDir(), "tesseract", fakeTesseract)
	tess, _ := NewTesseractOCR(&TesseractConfig{TesseractPath: exe})

	v, err := tess.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "5.3.0", v)

	langs, err := tess.Languages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"eng", "letsgodigital", "osd"}, langs)
}
