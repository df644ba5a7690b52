// Package onnx loads exported plate detectors with OpenCV's DNN module.
package onnx

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-lpr/pkg/detection"
)

// Device selects where inference runs.
type Device string

const (
	DeviceCPU    Device = "cpu"
	DeviceCUDA   Device = "cuda"
	DeviceOpenCL Device = "opencl"
)

// ParseDevice maps a device name to a Device. Unknown names fall back to CPU.
func ParseDevice(s string) Device {
	switch Device(strings.ToLower(strings.TrimSpace(s))) {
	case DeviceCUDA:
		return DeviceCUDA
	case DeviceOpenCL:
		return DeviceOpenCL
	}
	return DeviceCPU
}

// Model is an ONNX network held for the lifetime of the process.
type Model struct {
	net    gocv.Net
	device Device
	mu     sync.Mutex // gocv.Net is not safe for concurrent Forward calls
}

// Load reads the weights at path and binds them to device.
func Load(path string, device Device) (*Model, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", detection.ErrModelNotFound, path)
	}

	net := gocv.ReadNetFromONNX(path)
	if net.Empty() {
		return nil, fmt.Errorf("onnx: failed to load model from %s", path)
	}

	backend, target := gocv.NetBackendDefault, gocv.NetTargetCPU
	switch device {
	case DeviceCUDA:
		backend, target = gocv.NetBackendCUDA, gocv.NetTargetCUDA
	case DeviceOpenCL:
		target = gocv.NetTargetFP32
	}
	if err := net.SetPreferableBackend(backend); err != nil {
		net.Close()
		return nil, fmt.Errorf("onnx: set backend for %s: %w", device, err)
	}
	if err := net.SetPreferableTarget(target); err != nil {
		net.Close()
		return nil, fmt.Errorf("onnx: set target for %s: %w", device, err)
	}

	return &Model{net: net, device: device}, nil
}

// Device returns the device the model is bound to.
func (m *Model) Device() Device {
	return m.device
}

// Forward runs the network on a 1x3xHxW tensor.
func (m *Model) Forward(_ context.Context, in detection.Tensor) (detection.Prediction, error) {
	if len(in.Data) == 0 {
		return detection.Prediction{}, fmt.Errorf("onnx: empty input tensor")
	}

	blob, err := blobFromTensor(in)
	if err != nil {
		return detection.Prediction{}, fmt.Errorf("onnx: build input blob: %w", err)
	}
	defer blob.Close()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.net.SetInput(blob, "")
	out := m.net.Forward("")
	defer out.Close()

	if out.Empty() {
		return detection.Prediction{}, fmt.Errorf("onnx: forward pass produced no output")
	}

	data, err := out.DataPtrFloat32()
	if err != nil {
		return detection.Prediction{}, fmt.Errorf("onnx: read output: %w", err)
	}

	// The Mat owns data; copy before it is closed.
	return detection.Prediction{
		Data:  append([]float32(nil), data...),
		Shape: out.Size(),
	}, nil
}

// blobFromTensor copies in into a Mat allocated by OpenCV, so the blob
// never points at Go memory.
func blobFromTensor(in detection.Tensor) (gocv.Mat, error) {
	blob := gocv.NewMatWithSizes(in.Shape(), gocv.MatTypeCV32F)
	dst, err := blob.DataPtrFloat32()
	if err != nil {
		blob.Close()
		return gocv.Mat{}, err
	}
	if len(dst) != len(in.Data) {
		blob.Close()
		return gocv.Mat{}, fmt.Errorf("tensor has %d values, shape %v needs %d", len(in.Data), in.Shape(), len(dst))
	}
	copy(dst, in.Data)
	return blob, nil
}

// Close releases the network.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.net.Close()
}
