package vis

import (
	"bufio"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Event is one line of the JSONL event log
type Event struct {
	Tag   string    `json:"tag"`
	Type  ItemType  `json:"type"`
	Step  int       `json:"step"`
	Wall  time.Time `json:"wall_time"`
	Value any       `json:"value"`
}

// JSONLWriter appends events to {dir}/events.jsonl and writes images as PNG
// files under {dir}/imgs.
type JSONLWriter struct {
	dir  string
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
	now  func() time.Time
	mu   sync.Mutex
}

// NewJSONLWriter opens (or appends to) the event log in dir
func NewJSONLWriter(dir string) (*JSONLWriter, error) {
	if err := os.MkdirAll(filepath.Join(dir, "imgs"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create visualization directory: %v", err)
	}
	file, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %v", err)
	}
	buf := bufio.NewWriter(file)
	return &JSONLWriter{
		dir:  dir,
		file: file,
		buf:  buf,
		enc:  json.NewEncoder(buf),
		now:  time.Now,
	}, nil
}

func (w *JSONLWriter) write(tag string, typ ItemType, step int, value any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(Event{Tag: tag, Type: typ, Step: step, Wall: w.now().UTC(), Value: value})
}

func (w *JSONLWriter) AddScalar(tag string, value float64, step int) error {
	return w.write(tag, TypeScalar, step, value)
}

// AddImage saves img as imgs/{tag}_{step}.png and logs its path
func (w *JSONLWriter) AddImage(tag string, img Image, step int) error {
	name := fmt.Sprintf("%s_%d.png", sanitize(tag), step)
	path := filepath.Join(w.dir, "imgs", name)
	if err := writePNG(path, img); err != nil {
		return err
	}
	return w.write(tag, TypeImage, step, map[string]any{
		"path":   filepath.Join("imgs", name),
		"width":  img.Width,
		"height": img.Height,
	})
}

// AddAudio logs a summary of the waveform
func (w *JSONLWriter) AddAudio(tag string, audio Audio, step int) error {
	var sum float64
	for _, s := range audio.Samples {
		sum += float64(s) * float64(s)
	}
	rms := 0.0
	if len(audio.Samples) > 0 {
		rms = math.Sqrt(sum / float64(len(audio.Samples)))
	}
	return w.write(tag, TypeAudio, step, map[string]any{
		"sample_rate": audio.SampleRate,
		"samples":     len(audio.Samples),
		"rms":         rms,
	})
}

func (w *JSONLWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Flush()
}

// Close flushes and closes the event log
func (w *JSONLWriter) Close() error {
	if err := w.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

func writePNG(path string, img Image) error {
	if img.Channels != 1 && img.Channels != 3 {
		return fmt.Errorf("unsupported channel count %d", img.Channels)
	}
	if len(img.Pixels) != img.Width*img.Height*img.Channels {
		return fmt.Errorf("image %dx%dx%d needs %d pixels, got %d",
			img.Width, img.Height, img.Channels, img.Width*img.Height*img.Channels, len(img.Pixels))
	}

	out := image.NewNRGBA(image.Rect(0, 0, img.Width, img.Height))
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			base := (y*img.Width + x) * img.Channels
			r := toByte(img.Pixels[base])
			g, b := r, r
			if img.Channels == 3 {
				g, b = toByte(img.Pixels[base+1]), toByte(img.Pixels[base+2])
			}
			out.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: b, A: 255})
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create image file: %v", err)
	}
	if err := png.Encode(file, out); err != nil {
		file.Close()
		return fmt.Errorf("failed to encode image: %v", err)
	}
	return file.Close()
}

func toByte(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	default:
		return uint8(v*255 + 0.5)
	}
}

func sanitize(tag string) string {
	return strings.NewReplacer("/", "_", " ", "_").Replace(tag)
}
