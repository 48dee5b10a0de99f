package processor

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
)

// defaultWaitDelay bounds how long a killed engine may keep its pipes open
const defaultWaitDelay = 2 * time.Second

// errExecutableMissing marks resolution failures so adapters can report BACKEND_UNAVAILABLE
var errExecutableMissing = stderrors.New("executable not available")

// commandOutput is what one engine process produced
type commandOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// resolveExecutable finds name on PATH, or below override when one is given.
// override may be the executable itself or a directory containing it (directly or in bin/).
func resolveExecutable(name, override string) (string, error) {
	if runtime.GOOS == "windows" && !strings.HasSuffix(name, ".exe") {
		name += ".exe"
	}

	if override == "" {
		path, err := exec.LookPath(name)
		if err != nil {
			return "", fmt.Errorf("%w: %s not found on PATH", errExecutableMissing, name)
		}
		return path, nil
	}

	info, err := os.Stat(override)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errExecutableMissing, err)
	}

	if !info.IsDir() {
		if !isExecutable(info) {
			return "", fmt.Errorf("%w: %s is not executable", errExecutableMissing, override)
		}
		return override, nil
	}

	for _, candidate := range []string{
		filepath.Join(override, name),
		filepath.Join(override, "bin", name),
	} {
		if ci, err := os.Stat(candidate); err == nil && !ci.IsDir() && isExecutable(ci) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s not found in %s", errExecutableMissing, name, override)
}

func isExecutable(info fs.FileInfo) bool {
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}

// runCommand executes one engine process. A non-zero exit status is reported in the
// output, not as an error; errors mean the process could not run or was cancelled.
func runCommand(ctx context.Context, path string, args []string, stdin []byte) (*commandOutput, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.WaitDelay = defaultWaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	err := cmd.Run()
	out := &commandOutput{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, fmt.Errorf("%s cancelled after %v: %w", filepath.Base(path), out.Duration, ctxErr)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if stderrors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		if stderrors.Is(err, fs.ErrNotExist) || stderrors.Is(err, fs.ErrPermission) || stderrors.Is(err, exec.ErrNotFound) {
			return out, fmt.Errorf("%w: %v", errExecutableMissing, err)
		}
		return out, fmt.Errorf("failed to run %s: %w", filepath.Base(path), err)
	}

	return out, nil
}

// scratchDir is a per-call directory for handing images to engines
type scratchDir struct {
	path string
}

// newScratchDir creates a uniquely named directory under base (os.TempDir when empty)
func newScratchDir(base string) (*scratchDir, error) {
	dir, err := os.MkdirTemp(base, "readout-"+uuid.NewString()+"-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	return &scratchDir{path: dir}, nil
}

// WriteImage stores the encoded image in the scratch directory and returns its path
func (s *scratchDir) WriteImage(img Image) (string, error) {
	data, err := img.Bytes()
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.path, "image"+img.Extension())
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write scratch image: %w", err)
	}
	return path, nil
}

// Close removes the directory and everything in it
func (s *scratchDir) Close() error {
	return os.RemoveAll(s.path)
}

// imageInput decides how an image reaches an engine process.
// It returns the argument naming the input, optional stdin bytes and a cleanup func that is always safe to call.
func imageInput(img Image, mode InputMode, stdinToken, tempDir string) (string, []byte, func(), error) {
	noop := func() {}

	switch mode {
	case InputStdin:
		data, err := img.Bytes()
		if err != nil {
			return "", nil, noop, err
		}
		return stdinToken, data, noop, nil

	case InputFile, InputAuto, "":
		if img.HasFile() {
			return img.Path, nil, noop, nil
		}
		if mode != InputFile {
			return stdinToken, img.Data, noop, nil
		}
		scratch, err := newScratchDir(tempDir)
		if err != nil {
			return "", nil, noop, err
		}
		cleanup := func() { _ = scratch.Close() }
		path, err := scratch.WriteImage(img)
		if err != nil {
			cleanup()
			return "", nil, noop, err
		}
		return path, nil, cleanup, nil

	default:
		return "", nil, noop, fmt.Errorf("unknown input mode %q", mode)
	}
}

// firstLine returns the first non-empty line of s
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
