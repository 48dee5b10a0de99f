/**
 * Vision Client for the readout worker
 *
 * Remote text detection through Google Cloud Vision. Used as a last-resort
 * backend when the local engines cannot read a display.
 */

package clients

import (
	"context"
	"fmt"
	"strings"

	gvision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TextDetection is the text found in one image
type TextDetection struct {
	Text       string
	Confidence *float64
	Locale     string
}

// VisionClient detects text in encoded images
type VisionClient interface {
	DetectText(ctx context.Context, image []byte, languageHints []string) (*TextDetection, error)
	Close() error
}

// GoogleVisionClient calls the Cloud Vision ImageAnnotator API
type GoogleVisionClient struct {
	client *gvision.ImageAnnotatorClient
}

var _ VisionClient = (*GoogleVisionClient)(nil)

// NewGoogleVisionClient creates a client using application default credentials
func NewGoogleVisionClient(ctx context.Context) (*GoogleVisionClient, error) {
	client, err := gvision.NewImageAnnotatorClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create vision client: %w", err)
	}
	return &GoogleVisionClient{client: client}, nil
}

// Close releases the underlying connection
func (v *GoogleVisionClient) Close() error {
	return v.client.Close()
}

// DetectText runs TEXT_DETECTION on the image. Per-image API errors are returned as
// gRPC status errors so callers can classify them with status.Code.
func (v *GoogleVisionClient) DetectText(ctx context.Context, image []byte, languageHints []string) (*TextDetection, error) {
	req := &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{
			{
				Image: &visionpb.Image{Content: image},
				Features: []*visionpb.Feature{
					{Type: visionpb.Feature_TEXT_DETECTION},
				},
			},
		},
	}
	if len(languageHints) > 0 {
		req.Requests[0].ImageContext = &visionpb.ImageContext{LanguageHints: languageHints}
	}

	resp, err := v.client.BatchAnnotateImages(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vision API request failed: %w", err)
	}

	if len(resp.Responses) == 0 {
		return &TextDetection{}, nil
	}

	r := resp.Responses[0]
	if r.Error != nil {
		return nil, status.Error(codes.Code(r.Error.Code), r.Error.Message)
	}

	return detectionFromResponse(r), nil
}

func detectionFromResponse(r *visionpb.AnnotateImageResponse) *TextDetection {
	d := &TextDetection{}

	if full := r.GetFullTextAnnotation(); full != nil {
		d.Text = strings.TrimSpace(full.GetText())
		var sum float64
		pages := 0
		for _, p := range full.GetPages() {
			sum += float64(p.GetConfidence())
			pages++
		}
		if pages > 0 {
			c := sum / float64(pages)
			d.Confidence = &c
		}
	}

	if anns := r.GetTextAnnotations(); len(anns) > 0 {
		if d.Text == "" {
			d.Text = strings.TrimSpace(anns[0].GetDescription())
		}
		d.Locale = anns[0].GetLocale()
	}

	return d
}
