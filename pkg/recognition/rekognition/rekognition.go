// Package rekognition provides an OCR engine backed by AWS Rekognition DetectText.
package rekognition

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"math"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"

	"github.com/teslashibe/go-lpr/internal/httpc"
	"github.com/teslashibe/go-lpr/pkg/recognition"
)

// API is the subset of the Rekognition client used by the engine.
type API interface {
	DetectText(ctx context.Context, in *rekognition.DetectTextInput, opts ...func(*rekognition.Options)) (*rekognition.DetectTextOutput, error)
}

// Engine sends plate crops to Rekognition and keeps word-level results.
type Engine struct {
	api     API
	quality int
}

// New creates an engine from an existing client.
func New(api API) *Engine {
	return &Engine{api: api, quality: 90}
}

// NewFromRegion loads the default AWS credential chain for region. Calls use
// the shared client from internal/httpc.
func NewFromRegion(ctx context.Context, region string) (*Engine, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithHTTPClient(httpc.Client),
	)
	if err != nil {
		return nil, fmt.Errorf("rekognition: load aws config: %w", err)
	}
	return New(rekognition.NewFromConfig(cfg)), nil
}

// Read encodes img as JPEG and returns one fragment per detected word.
func (e *Engine) Read(ctx context.Context, img *image.RGBA) ([]recognition.Fragment, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.quality}); err != nil {
		return nil, fmt.Errorf("rekognition: encode crop: %w", err)
	}

	out, err := e.api.DetectText(ctx, &rekognition.DetectTextInput{
		Image: &types.Image{Bytes: buf.Bytes()},
	})
	if err != nil {
		return nil, fmt.Errorf("rekognition: detect text: %w", err)
	}

	size := img.Bounds().Size()
	var frags []recognition.Fragment
	for _, td := range out.TextDetections {
		// Lines repeat their words; keep words only.
		if td.Type != types.TextTypesWord || td.DetectedText == nil {
			continue
		}
		frags = append(frags, recognition.Fragment{
			Quad:       quad(td.Geometry, size),
			Text:       aws.ToString(td.DetectedText),
			Confidence: float64(aws.ToFloat32(td.Confidence)) / 100,
		})
	}
	return frags, nil
}

// Close is a no-op; the AWS client holds no native resources.
func (e *Engine) Close() error {
	return nil
}

// quad converts Rekognition's ratio geometry to pixel corners.
func quad(g *types.Geometry, size image.Point) recognition.Quad {
	px := func(x, y *float32) image.Point {
		return image.Pt(
			int(math.Round(float64(aws.ToFloat32(x))*float64(size.X))),
			int(math.Round(float64(aws.ToFloat32(y))*float64(size.Y))),
		)
	}
	if g == nil {
		return recognition.Quad{}
	}
	if len(g.Polygon) == 4 {
		var q recognition.Quad
		for i, p := range g.Polygon {
			q[i] = px(p.X, p.Y)
		}
		return q
	}
	if bb := g.BoundingBox; bb != nil {
		left, top := aws.ToFloat32(bb.Left), aws.ToFloat32(bb.Top)
		right := left + aws.ToFloat32(bb.Width)
		bottom := top + aws.ToFloat32(bb.Height)
		return recognition.QuadFromRect(image.Rectangle{
			Min: px(&left, &top),
			Max: px(&right, &bottom),
		})
	}
	return recognition.Quad{}
}
