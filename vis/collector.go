package vis

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
)

// PlotData is the JSON document handed to an external plotting service
type PlotData struct {
	PlotType  PlotType     `json:"plot_type"`
	Title     string       `json:"title"`
	Timestamp time.Time    `json:"timestamp"`
	ModelName string       `json:"model_name"`
	Series    []SeriesData `json:"series"`
	Config    PlotConfig   `json:"config"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name string      `json:"name"`
	Type string      `json:"type"` // "line", "scatter"
	Data []DataPoint `json:"data"`
}

// DataPoint represents a single data point
type DataPoint struct {
	X int     `json:"x"`
	Y float64 `json:"y"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	XAxisScale string `json:"x_axis_scale"`
	YAxisScale string `json:"y_axis_scale"`
	ShowLegend bool   `json:"show_legend"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// Collector is a Writer that keeps scalar history in memory and renders it
// as plot documents. Images and audio are counted but not retained.
type Collector struct {
	modelName string
	mu        sync.Mutex
	scalars   map[string][]DataPoint
	media     int
}

// NewCollector creates a collector for modelName
func NewCollector(modelName string) *Collector {
	return &Collector{modelName: modelName, scalars: make(map[string][]DataPoint)}
}

func (c *Collector) AddScalar(tag string, value float64, step int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scalars[tag] = append(c.scalars[tag], DataPoint{X: step, Y: value})
	return nil
}

func (c *Collector) AddImage(tag string, img Image, step int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.media++
	return nil
}

func (c *Collector) AddAudio(tag string, audio Audio, step int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.media++
	return nil
}

func (c *Collector) Flush() error { return nil }

// Series returns the recorded points for tag
func (c *Collector) Series(tag string) []DataPoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]DataPoint(nil), c.scalars[tag]...)
}

// MediaCount returns how many images and audio clips were seen
func (c *Collector) MediaCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.media
}

// Plot renders every scalar tag with the given prefix as one line series
func (c *Collector) Plot(plotType PlotType, prefix string) PlotData {
	c.mu.Lock()
	defer c.mu.Unlock()

	tags := make([]string, 0, len(c.scalars))
	for tag := range c.scalars {
		if len(tag) >= len(prefix) && tag[:len(prefix)] == prefix {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)

	series := make([]SeriesData, 0, len(tags))
	for _, tag := range tags {
		series = append(series, SeriesData{
			Name: tag,
			Type: "line",
			Data: append([]DataPoint(nil), c.scalars[tag]...),
		})
	}

	return PlotData{
		PlotType:  plotType,
		Title:     fmt.Sprintf("%s - %s", plotType, c.modelName),
		Timestamp: time.Now(),
		ModelName: c.modelName,
		Series:    series,
		Config: PlotConfig{
			XAxisLabel: "Step",
			YAxisLabel: "Value",
			XAxisScale: "linear",
			YAxisScale: "linear",
			ShowLegend: true,
			Width:      800,
			Height:     600,
		},
	}
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	data, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal plot data: %v", err)
	}
	return string(data), nil
}
