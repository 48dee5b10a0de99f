package api_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/readout-worker/internal/api"
	"github.com/adverant/nexus/readout-worker/internal/errors"
	"github.com/adverant/nexus/readout-worker/internal/processor"
	"github.com/adverant/nexus/readout-worker/internal/storage"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

// mockRecognizer is a RecognizerInterface backed by a function
type mockRecognizer struct {
	RecognizeFunc func(ctx context.Context, req *processor.RecognizeRequest) (*processor.Reading, error)
	last          *processor.RecognizeRequest
}

func (m *mockRecognizer) Recognize(ctx context.Context, req *processor.RecognizeRequest) (*processor.Reading, error) {
	m.last = req
	return m.RecognizeFunc(ctx, req)
}

type mockEngines []processor.EngineInfo

func (m mockEngines) Describe(context.Context) []processor.EngineInfo { return m }

func reading(text string) func(context.Context, *processor.RecognizeRequest) (*processor.Reading, error) {
	return func(_ context.Context, req *processor.RecognizeRequest) (*processor.Reading, error) {
		return &processor.Reading{RequestID: req.RequestID, Text: text, Backend: "ssocr", Attempts: 1}, nil
	}
}

func failure(err error) func(context.Context, *processor.RecognizeRequest) (*processor.Reading, error) {
	return func(context.Context, *processor.RecognizeRequest) (*processor.Reading, error) {
		return nil, err
	}
}

func newRouter(t *testing.T, rec *mockRecognizer) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	profiles, err := storage.NewMemoryProfileStore(processor.Profile{
		Name:     "power-meter",
		Backends: []processor.BackendConfig{{Engine: processor.EngineSSOCR, Digits: 6}},
		Rule:     processor.ValidationRule{Charset: processor.CharsetDigits, ExactLength: 6},
	})
	require.NoError(t, err)

	h := api.NewHandler(api.HandlerConfig{
		Recognizer:   rec,
		Engines:      mockEngines{{Engine: processor.EngineSSOCR, Tunable: "threshold", Version: "2.23.1"}},
		Profiles:     profiles,
		MaxImageSize: 1 << 10,
	})
	return api.NewRouter(h, nil)
}

func jsonRequest(t *testing.T, body interface{}) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/recognize", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func multipartRequest(t *testing.T, image []byte, request string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if request != "" {
		require.NoError(t, writer.WriteField("request", request))
	}
	if image != nil {
		part, err := writer.CreateFormFile("image", "meter.png")
		require.NoError(t, err)
		_, err = io.Copy(part, bytes.NewReader(image))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/recognize", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestHandler_Recognize(t *testing.T) {
	image := map[string]interface{}{"data": base64.StdEncoding.EncodeToString(pngHeader)}

	tests := []struct {
		name           string
		setupRequest   func(t *testing.T) *http.Request
		fn             func(context.Context, *processor.RecognizeRequest) (*processor.Reading, error)
		expectedStatus int
		expectedCode   string
		expectedText   string
	}{
		{
			name: "success: json body",
			setupRequest: func(t *testing.T) *http.Request {
				return jsonRequest(t, map[string]interface{}{"requestId": "r1", "profile": "power-meter", "image": image})
			},
			fn:             reading("431432"),
			expectedStatus: http.StatusOK,
			expectedText:   "431432",
		},
		{
			name: "success: multipart upload",
			setupRequest: func(t *testing.T) *http.Request {
				return multipartRequest(t, pngHeader, `{"profile":"power-meter"}`)
			},
			fn:             reading("619121"),
			expectedStatus: http.StatusOK,
			expectedText:   "619121",
		},
		{
			name: "failure: aggregate is 422",
			setupRequest: func(t *testing.T) *http.Request {
				return jsonRequest(t, map[string]interface{}{"image": image})
			},
			fn: failure(errors.NewAggregateFailureError([]*errors.RecognitionError{
				errors.NewSearchExhaustedError("ssocr", []float64{50}, "8", nil),
			})),
			expectedStatus: http.StatusUnprocessableEntity,
			expectedCode:   "AGGREGATE_FAILURE",
		},
		{
			name: "failure: invalid request is 400",
			setupRequest: func(t *testing.T) *http.Request {
				return jsonRequest(t, map[string]interface{}{"image": image})
			},
			fn:             failure(errors.NewInvalidRequestError("no backends configured")),
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "INVALID_REQUEST",
		},
		{
			name: "failure: timeout is 504",
			setupRequest: func(t *testing.T) *http.Request {
				return jsonRequest(t, map[string]interface{}{"image": image})
			},
			fn:             failure(errors.NewTimeoutError(time.Second, nil, context.DeadlineExceeded)),
			expectedStatus: http.StatusGatewayTimeout,
			expectedCode:   "TIMEOUT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &mockRecognizer{RecognizeFunc: tt.fn}
			router := newRouter(t, rec)

			w := httptest.NewRecorder()
			router.ServeHTTP(w, tt.setupRequest(t))

			assert.Equal(t, tt.expectedStatus, w.Code)

			var resp processor.Response
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.expectedText, resp.Text)
			if tt.expectedCode != "" {
				assert.Equal(t, tt.expectedCode, resp.Error["error_code"])
			}

			require.NotNil(t, rec.last)
			assert.Equal(t, pngHeader, rec.last.Image.Data)
			assert.Equal(t, processor.FormatPNG, rec.last.Image.Format)
			assert.Equal(t, resp.RequestID, w.Header().Get("X-Request-ID"))
		})
	}
}

func TestHandler_RecognizeRejectsUnreadableRequests(t *testing.T) {
	tests := []struct {
		name           string
		setupRequest   func(t *testing.T) *http.Request
		expectedStatus int
	}{
		{
			name: "malformed json",
			setupRequest: func(t *testing.T) *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/v1/recognize", strings.NewReader("{"))
				req.Header.Set("Content-Type", "application/json")
				return req
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "image path over http",
			setupRequest: func(t *testing.T) *http.Request {
				return jsonRequest(t, map[string]interface{}{"image": map[string]string{"path": "/etc/passwd"}})
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "multipart without image",
			setupRequest: func(t *testing.T) *http.Request {
				return multipartRequest(t, nil, `{"profile":"power-meter"}`)
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "multipart with bad request field",
			setupRequest: func(t *testing.T) *http.Request {
				return multipartRequest(t, pngHeader, `{"profile":`)
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "body over the limit",
			setupRequest: func(t *testing.T) *http.Request {
				big := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 100<<10))
				return jsonRequest(t, map[string]interface{}{"image": map[string]string{"data": big}})
			},
			expectedStatus: http.StatusRequestEntityTooLarge,
		},
		{
			name: "multipart image over the image limit",
			setupRequest: func(t *testing.T) *http.Request {
				// inside the body limit, above MaxImageSize
				return multipartRequest(t, append(pngHeader, bytes.Repeat([]byte{0}, 2<<10)...), "")
			},
			expectedStatus: http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &mockRecognizer{RecognizeFunc: reading("1")}
			router := newRouter(t, rec)

			w := httptest.NewRecorder()
			router.ServeHTTP(w, tt.setupRequest(t))

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Nil(t, rec.last, "recognizer should not be called")

			var body api.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestHandler_RequestIDHeader(t *testing.T) {
	rec := &mockRecognizer{RecognizeFunc: reading("5")}
	router := newRouter(t, rec)

	req := jsonRequest(t, map[string]interface{}{"image": map[string]string{"data": base64.StdEncoding.EncodeToString(pngHeader)}})
	req.Header.Set("X-Request-ID", "from-header")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "from-header", rec.last.RequestID)
	assert.Equal(t, "from-header", w.Header().Get("X-Request-ID"))
}

func TestHandler_Engines(t *testing.T) {
	router := newRouter(t, &mockRecognizer{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/engines", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"engines":[{"engine":"ssocr","tunable":"threshold","version":"2.23.1"}]}`, w.Body.String())
}

func TestHandler_Profiles(t *testing.T) {
	router := newRouter(t, &mockRecognizer{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/profiles", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Profiles []processor.Profile `json:"profiles"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Profiles, 1)
	assert.Equal(t, "power-meter", body.Profiles[0].Name)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/profiles/power-meter", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/profiles/gas-meter", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_WithoutOptionalCollaborators(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := api.NewRouter(api.NewHandler(api.HandlerConfig{Recognizer: &mockRecognizer{}}), nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/engines", nil))
	assert.JSONEq(t, `{"engines":[]}`, w.Body.String())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/profiles", nil))
	assert.JSONEq(t, `{"profiles":[]}`, w.Body.String())
}

func TestHealth(t *testing.T) {
	router := newRouter(t, &mockRecognizer{})

	tests := []struct {
		method string
		status int
	}{
		{http.MethodGet, http.StatusOK},
		{http.MethodHead, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(tt.method, "/healthz", nil))
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
		})
	}
}

func TestHealth_ReportsComponents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := api.NewHandler(api.HandlerConfig{
		Recognizer: &mockRecognizer{},
		Stats: map[string]api.StatsFunc{
			"queue": func(ctx context.Context) (interface{}, error) {
				return map[string]int64{"waiting": 2}, nil
			},
			"profiles": func(ctx context.Context) (interface{}, error) {
				return nil, stderrors.New("connection refused")
			},
		},
	})
	router := api.NewRouter(h, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"status": "ok",
		"components": {
			"queue": {"waiting": 2},
			"profiles": {"error": "connection refused"}
		}
	}`, w.Body.String())
}
