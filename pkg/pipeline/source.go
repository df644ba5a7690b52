package pipeline

import (
	"context"
	"image"
	"io"
)

// FrameSource produces frames one at a time. Next returns io.EOF once the
// source is exhausted.
type FrameSource interface {
	Next(ctx context.Context) (image.Image, error)
	Close() error
}

// ImageSource yields a single still image.
type ImageSource struct {
	img  image.Image
	done bool
}

// NewImageSource wraps img as a one-frame source.
func NewImageSource(img image.Image) *ImageSource {
	return &ImageSource{img: img}
}

// Next returns the image on the first call and io.EOF afterwards.
func (s *ImageSource) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.done {
		return nil, io.EOF
	}
	s.done = true
	return s.img, nil
}

// Close releases nothing.
func (s *ImageSource) Close() error {
	return nil
}
