package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-trainhelper/nn"
)

// ProgressBar renders a tqdm-style progress line for one epoch
type ProgressBar struct {
	out         io.Writer
	description string
	postfix     string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
	now         func() time.Time
}

// NewProgressBar creates a new progress bar writing to out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		metrics:     make(map[string]float64),
		now:         time.Now,
	}
}

// Update advances the bar to step and replaces the shown metrics
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	if metrics != nil {
		pb.metrics = metrics
	}
	pb.render()
}

// SetDescription replaces the free-form text after the counters
func (pb *ProgressBar) SetDescription(desc string) {
	pb.postfix = desc
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}
	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := pb.now().Sub(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 && elapsed > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		eta = time.Duration(float64(elapsed)/percentage) - elapsed
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\r%s: %3.0f%%|%s| %d/%d [%s<%s",
		pb.description, percentage*100, bar, pb.current, pb.total,
		formatDuration(elapsed), formatDuration(eta))
	if rate > 0 {
		fmt.Fprintf(&b, ", %.2fit/s", rate)
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, ", %s=%.3f", k, pb.metrics[k])
	}
	b.WriteString("]")
	if pb.postfix != "" {
		b.WriteString(" ")
		b.WriteString(pb.postfix)
	}

	fmt.Fprint(pb.out, b.String())
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ModelArchitecturePrinter prints a PyTorch-style module tree
type ModelArchitecturePrinter struct {
	modelName string
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{modelName: modelName}
}

// PrintArchitecture writes the bare model behind m and its parameter count
func (p *ModelArchitecturePrinter) PrintArchitecture(w io.Writer, m nn.Module) error {
	m = nn.Unwrap(m)
	var b strings.Builder
	fmt.Fprintf(&b, "%s: ", p.modelName)
	formatModule(&b, m, "", 0)
	var total int
	for _, param := range m.Parameters() {
		total += param.Size()
	}
	fmt.Fprintf(&b, "Total parameters: %s\n", formatParameterCount(int64(total)))
	fmt.Fprintf(&b, "Params size (MB): %.3f\n\n", float64(total*4)/1024/1024)
	_, err := io.WriteString(w, b.String())
	return err
}

func formatModule(b *strings.Builder, m nn.Module, name string, depth int) {
	indent := strings.Repeat("  ", depth)
	label := ""
	if name != "" {
		label = "(" + name + "): "
	}
	switch layer := m.(type) {
	case *nn.Sequential:
		fmt.Fprintf(b, "%s%sSequential(\n", indent, label)
		for i, child := range layer.Layers() {
			formatModule(b, child, fmt.Sprint(i), depth+1)
		}
		fmt.Fprintf(b, "%s)\n", indent)
	case *nn.Linear:
		params := layer.Parameters()
		w := params[0].Shape
		fmt.Fprintf(b, "%s%sLinear(in_features=%d, out_features=%d, bias=%t)\n",
			indent, label, w[0], w[1], len(params) > 1)
	case *nn.ReLU:
		fmt.Fprintf(b, "%s%sReLU()\n", indent, label)
	default:
		fmt.Fprintf(b, "%s%s%T(params=%d)\n", indent, label, m, len(m.Parameters()))
	}
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}
