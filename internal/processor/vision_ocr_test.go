package processor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/adverant/nexus/readout-worker/internal/clients"
	"github.com/adverant/nexus/readout-worker/internal/errors"
)

// fakeVision returns a fixed detection or error and records the hints it was given
type fakeVision struct {
	det   *clients.TextDetection
	err   error
	hints []string
	calls int
}

func (f *fakeVision) DetectText(_ context.Context, image []byte, hints []string) (*clients.TextDetection, error) {
	f.calls++
	f.hints = hints
	if f.err != nil {
		return nil, f.err
	}
	return f.det, nil
}

func (f *fakeVision) Close() error { return nil }

func TestNewVisionOCR_RequiresClient(t *testing.T) {
	_, err := NewVisionOCR(nil)
	assert.Error(t, err)
}

func TestVisionOCR_Recognize(t *testing.T) {
	conf := 0.87
	fake := &fakeVision{det: &clients.TextDetection{Text: "0815", Confidence: &conf, Locale: "en"}}
	v, err := NewVisionOCR(fake)
	require.NoError(t, err)

	raw, err := v.Recognize(context.Background(), testImage, BackendConfig{Engine: EngineVision, Language: "en"})
	require.NoError(t, err)

	assert.Equal(t, "0815", raw.Text)
	assert.Equal(t, EngineVision, raw.Engine)
	assert.Equal(t, 0.87, *raw.Confidence)
	assert.Equal(t, "en", raw.Metadata["locale"])
	assert.Equal(t, []string{"en"}, fake.hints)
}

func TestVisionOCR_ErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errors.ErrorCode
	}{
		{"unavailable", status.Error(codes.Unavailable, "try later"), errors.ErrorBackendUnavailable},
		{"no credentials", status.Error(codes.Unauthenticated, "no token"), errors.ErrorBackendUnavailable},
		{"permission", status.Error(codes.PermissionDenied, "api disabled"), errors.ErrorBackendUnavailable},
		{"bad image", status.Error(codes.InvalidArgument, "bad image data"), errors.ErrorBackendCrashed},
		{"deadline", context.DeadlineExceeded, errors.ErrorBackendCrashed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewVisionOCR(&fakeVision{err: tt.err})
			require.NoError(t, err)

			_, err = v.Recognize(context.Background(), testImage, BackendConfig{Engine: EngineVision})
			require.Error(t, err)
			assert.Equal(t, tt.want, errors.CodeOf(err))
		})
	}
}
