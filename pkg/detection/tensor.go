package detection

import "image"

// Tensor is a 1x3xHxW float32 RGB tensor with values in [0,1].
type Tensor struct {
	Data   []float32
	Width  int
	Height int
}

// Shape returns the NCHW dimensions.
func (t Tensor) Shape() []int {
	return []int{1, 3, t.Height, t.Width}
}

// ToTensor converts an NRGBA image to a planar RGB tensor scaled to [0,1].
func ToTensor(img *image.NRGBA) Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	data := make([]float32, 3*plane)

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			i := y*w + x
			px := row[x*4 : x*4+3]
			data[i] = float32(px[0]) / 255
			data[plane+i] = float32(px[1]) / 255
			data[2*plane+i] = float32(px[2]) / 255
		}
	}
	return Tensor{Data: data, Width: w, Height: h}
}
