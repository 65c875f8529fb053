// Package vis turns the metric mappings produced during training into
// visualization events.
package vis

import (
	"fmt"
	"sort"
)

// ItemType is the kind of a visualization item
type ItemType string

const (
	TypeScalar ItemType = "scalar"
	TypeImage  ItemType = "image"
	TypeAudio  ItemType = "audio"
)

// Item is one entry of the mapping a task hands to the visualizer
type Item struct {
	Type  ItemType
	Value any // float64 for scalars, Image, Audio
}

// Image is a row-major HWC image with values in [0, 1]
type Image struct {
	Width, Height, Channels int
	Pixels                  []float32
}

// Audio is a mono waveform with samples in [-1, 1]
type Audio struct {
	SampleRate int
	Samples    []float32
}

func Scalar(v float64) Item    { return Item{Type: TypeScalar, Value: v} }
func ImageItem(img Image) Item { return Item{Type: TypeImage, Value: img} }
func AudioItem(a Audio) Item   { return Item{Type: TypeAudio, Value: a} }

// Writer renders visualization items
type Writer interface {
	AddScalar(tag string, value float64, step int) error
	AddImage(tag string, img Image, step int) error
	AddAudio(tag string, audio Audio, step int) error
	Flush() error
}

// GlobalStep is the sample-aligned step used for every item:
// (epoch*stepsPerEpochPerGPU + step) * gpuCount
func GlobalStep(epoch, step, stepsPerEpochPerGPU, gpuCount int) int {
	if gpuCount < 1 {
		gpuCount = 1
	}
	return (epoch*stepsPerEpochPerGPU + step) * gpuCount
}

// Dispatch writes every item in tag order
func Dispatch(w Writer, items map[string]Item, step int) error {
	tags := make([]string, 0, len(items))
	for tag := range items {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	for _, tag := range tags {
		item := items[tag]
		var err error
		switch item.Type {
		case TypeScalar:
			v, ok := toFloat(item.Value)
			if !ok {
				return fmt.Errorf("vis %s: scalar value has type %T", tag, item.Value)
			}
			err = w.AddScalar(tag, v, step)
		case TypeImage:
			img, ok := item.Value.(Image)
			if !ok {
				return fmt.Errorf("vis %s: image value has type %T", tag, item.Value)
			}
			err = w.AddImage(tag, img, step)
		case TypeAudio:
			a, ok := item.Value.(Audio)
			if !ok {
				return fmt.Errorf("vis %s: audio value has type %T", tag, item.Value)
			}
			err = w.AddAudio(tag, a, step)
		default:
			return fmt.Errorf("vis %s: unknown type %q", tag, item.Type)
		}
		if err != nil {
			return fmt.Errorf("vis %s: %v", tag, err)
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}
