// Package api exposes the recognizer over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	rerrors "github.com/adverant/nexus/readout-worker/internal/errors"
	"github.com/adverant/nexus/readout-worker/internal/logging"
	"github.com/adverant/nexus/readout-worker/internal/processor"
)

// EngineDescriber reports the installed engines
type EngineDescriber interface {
	Describe(ctx context.Context) []processor.EngineInfo
}

// ErrorResponse is the body of a request the handler could not read
type ErrorResponse struct {
	Error string `json:"error"`
}

// imageTooLargeError reports an uploaded image over the configured limit
type imageTooLargeError struct {
	size, limit int64
}

func (e *imageTooLargeError) Error() string {
	return fmt.Sprintf("image is %d bytes, limit is %d", e.size, e.limit)
}

// StatsFunc reports the state of one component for /healthz
type StatsFunc func(ctx context.Context) (interface{}, error)

// Handler serves recognition requests
type Handler struct {
	rec          processor.RecognizerInterface
	engines      EngineDescriber
	profiles     processor.ProfileStore
	stats        map[string]StatsFunc
	logger       *logging.Logger
	maxImageSize int64
}

// HandlerConfig holds handler configuration. Engines, Profiles and Stats are optional.
type HandlerConfig struct {
	Recognizer   processor.RecognizerInterface
	Engines      EngineDescriber
	Profiles     processor.ProfileStore
	Stats        map[string]StatsFunc
	Logger       *logging.Logger
	MaxImageSize int64
}

// NewHandler creates a new Handler
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.MaxImageSize <= 0 {
		cfg.MaxImageSize = processor.DefaultMaxImageSize
	}
	return &Handler{
		rec:          cfg.Recognizer,
		engines:      cfg.Engines,
		profiles:     cfg.Profiles,
		stats:        cfg.Stats,
		logger:       cfg.Logger.Named("api"),
		maxImageSize: cfg.MaxImageSize,
	}
}

// Recognize runs one recognition.
//
// POST /v1/recognize
// Content-Type: application/json, body is a RecognizeRequest with base64 image.data
// Content-Type: multipart/form-data, fields image (file) and request (RecognizeRequest JSON, optional)
func (h *Handler) Recognize(c *gin.Context) {
	// base64 inflates by 4/3; leave room for the rest of the request
	limit := h.maxImageSize*4/3 + 64<<10
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	var (
		req processor.RecognizeRequest
		err error
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		err = h.bindMultipart(c, &req)
	} else {
		err = c.ShouldBindJSON(&req)
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: fmt.Sprintf("request body exceeds %d bytes", limit)})
			return
		}
		var imageTooLarge *imageTooLargeError
		if errors.As(err, &imageTooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: err.Error()})
			return
		}
		h.logger.Warn("Invalid recognition request", "error", err, "remote_addr", c.ClientIP())
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	if req.Image.Path != "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "image.path is not accepted over HTTP, send the image bytes"})
		return
	}
	if req.Image.Format == "" && len(req.Image.Data) > 0 {
		req.Image.Format = processor.DetectFormat(req.Image.Data)
	}
	if req.RequestID == "" {
		req.RequestID = c.GetHeader("X-Request-ID")
	}

	resp := processor.Run(c.Request.Context(), h.rec, &req)
	c.Header("X-Request-ID", resp.RequestID)
	c.JSON(statusFor(resp), resp)
}

func (h *Handler) bindMultipart(c *gin.Context, req *processor.RecognizeRequest) error {
	if raw := c.PostForm("request"); raw != "" {
		if err := json.Unmarshal([]byte(raw), req); err != nil {
			return fmt.Errorf("invalid request field: %w", err)
		}
	}

	file, err := c.FormFile("image")
	if err != nil {
		return fmt.Errorf("image file is required: %w", err)
	}
	if file.Size > h.maxImageSize {
		return &imageTooLargeError{size: file.Size, limit: h.maxImageSize}
	}

	f, err := file.Open()
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}
	format := processor.DetectFormat(data)
	if format == "" {
		format = processor.FormatFromName(file.Filename)
	}
	req.Image = processor.NewImageFromBytes(data, format)
	return nil
}

// statusFor maps a response onto an HTTP status
func statusFor(resp *processor.Response) int {
	if resp.OK {
		return http.StatusOK
	}
	switch rerrors.ErrorCode(fmt.Sprint(resp.Error["error_code"])) {
	case rerrors.ErrorInvalidRequest:
		return http.StatusBadRequest
	case rerrors.ErrorTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusUnprocessableEntity
	}
}

// Engines lists the installed engines.
//
// GET /v1/engines
func (h *Handler) Engines(c *gin.Context) {
	if h.engines == nil {
		c.JSON(http.StatusOK, gin.H{"engines": []processor.EngineInfo{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"engines": h.engines.Describe(c.Request.Context())})
}

// Profiles lists the instrument profiles.
//
// GET /v1/profiles
func (h *Handler) Profiles(c *gin.Context) {
	if h.profiles == nil {
		c.JSON(http.StatusOK, gin.H{"profiles": []processor.Profile{}})
		return
	}
	profiles, err := h.profiles.ListProfiles(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list profiles", "error", err)
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "profile store is unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profiles": profiles})
}

// Profile returns one instrument profile.
//
// GET /v1/profiles/:name
func (h *Handler) Profile(c *gin.Context) {
	name := c.Param("name")
	if h.profiles == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: fmt.Sprintf("unknown profile %q", name)})
		return
	}
	p, err := h.profiles.GetProfile(c.Request.Context(), name)
	if errors.Is(err, processor.ErrProfileNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: fmt.Sprintf("unknown profile %q", name)})
		return
	}
	if err != nil {
		h.logger.Error("Failed to load profile", "profile", name, "error", err)
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "profile store is unavailable"})
		return
	}
	c.JSON(http.StatusOK, p)
}

// Health handles /healthz. The worker is live while it answers; a failing
// component is reported in the body, not in the status code.
func (h *Handler) Health(c *gin.Context) {
	c.Header("Cache-Control", "no-store")

	switch c.Request.Method {
	case http.MethodHead:
		c.Status(http.StatusOK)
	case http.MethodOptions:
		c.Status(http.StatusNoContent)
	default:
		body := gin.H{"status": "ok"}
		if len(h.stats) > 0 {
			components := make(gin.H, len(h.stats))
			for name, fn := range h.stats {
				v, err := fn(c.Request.Context())
				if err != nil {
					components[name] = gin.H{"error": err.Error()}
					continue
				}
				components[name] = v
			}
			body["components"] = components
		}
		c.JSON(http.StatusOK, body)
	}
}
