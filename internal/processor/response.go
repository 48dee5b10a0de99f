package processor

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/adverant/nexus/readout-worker/internal/errors"
)

// Response is the reply sent to remote callers for one recognition call
type Response struct {
	OK         bool                   `json:"ok"`
	RequestID  string                 `json:"requestId,omitempty"`
	Text       string                 `json:"text,omitempty"`
	Value      *float64               `json:"value,omitempty"`
	Backend    string                 `json:"backend,omitempty"`
	Parameter  *float64               `json:"parameter,omitempty"`
	Confidence *float64               `json:"confidence,omitempty"`
	Attempts   int                    `json:"attempts,omitempty"`
	ElapsedMs  int64                  `json:"elapsedMs"`
	Error      map[string]interface{} `json:"error,omitempty"`
}

// BuildResponse converts the outcome of Recognize into a Response
func BuildResponse(reading *Reading, err error, elapsed time.Duration) *Response {
	if err != nil {
		var re *errors.RecognitionError
		if !stderrors.As(err, &re) {
			re = errors.NewBackendCrashedError("", err.Error(), err)
		}
		return &Response{
			OK:        false,
			RequestID: re.RequestID,
			ElapsedMs: elapsed.Milliseconds(),
			Error:     re.ToMap(),
		}
	}

	if reading == nil {
		re := errors.NewBackendCrashedError("", "recognition returned neither a reading nor an error", nil)
		return &Response{OK: false, ElapsedMs: elapsed.Milliseconds(), Error: re.ToMap()}
	}

	return &Response{
		OK:         true,
		RequestID:  reading.RequestID,
		Text:       reading.Text,
		Value:      reading.Value,
		Backend:    reading.Backend,
		Parameter:  reading.Parameter,
		Confidence: reading.Confidence,
		Attempts:   reading.Attempts,
		ElapsedMs:  elapsed.Milliseconds(),
	}
}

// Run calls rec and always returns a Response
func Run(ctx context.Context, rec RecognizerInterface, req *RecognizeRequest) *Response {
	start := time.Now()
	reading, err := rec.Recognize(ctx, req)
	resp := BuildResponse(reading, err, time.Since(start))
	if resp.RequestID == "" && req != nil {
		resp.RequestID = req.RequestID
	}
	return resp
}
