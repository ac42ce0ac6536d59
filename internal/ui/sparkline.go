package ui

import (
	"strings"
)

// Sparkline renders a text-based chart of recent samples using Unicode
// block characters.
type Sparkline struct {
	samples []float64 // ring buffer
	width   int
	head    int
	count   int
	max     float64
}

// SparklineChars are the eight bar heights from empty to full.
var SparklineChars = []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

// NewSparkline creates a sparkline holding width samples.
func NewSparkline(width int) *Sparkline {
	if width <= 0 {
		width = 30
	}
	return &Sparkline{
		samples: make([]float64, width),
		width:   width,
	}
}

// Add appends a sample, evicting the oldest when full.
func (s *Sparkline) Add(value float64) {
	s.samples[s.head] = value
	s.head = (s.head + 1) % s.width
	s.count++

	if value > s.max {
		s.max = value
	}
	// Rescan once per wrap so the scale follows decreasing values
	if s.count%s.width == 0 {
		s.recalculateMax()
	}
}

func (s *Sparkline) recalculateMax() {
	s.max = 0
	for _, v := range s.samples {
		s.max = max(s.max, v)
	}
	if s.max < 1 {
		s.max = 1
	}
}

// Render returns the full-width sparkline, oldest sample first.
func (s *Sparkline) Render() string {
	return s.RenderWithWidth(s.width)
}

// RenderWithWidth returns the most recent width samples, padded with spaces
// on the right until that many were added.
func (s *Sparkline) RenderWithWidth(width int) string {
	if width <= 0 || width > s.width {
		width = s.width
	}
	if s.count == 0 {
		return strings.Repeat(string(SparklineChars[0]), width)
	}
	if s.max <= 0 {
		s.recalculateMax()
	}

	values := s.recent(width)

	var sb strings.Builder
	sb.Grow(width * 3)
	for _, v := range values {
		sb.WriteRune(s.bar(v))
	}
	for i := len(values); i < width; i++ {
		sb.WriteRune(' ')
	}
	return sb.String()
}

// recent returns up to n samples in insertion order.
func (s *Sparkline) recent(n int) []float64 {
	held := min(s.count, s.width)
	n = min(n, held)

	out := make([]float64, 0, n)
	// index of the oldest wanted sample
	start := (s.head - n + s.width) % s.width
	for i := 0; i < n; i++ {
		out = append(out, s.samples[(start+i)%s.width])
	}
	return out
}

func (s *Sparkline) bar(v float64) rune {
	idx := int(v / s.max * float64(len(SparklineChars)-1))
	idx = max(0, min(idx, len(SparklineChars)-1))
	return SparklineChars[idx]
}

// Clear resets the sparkline.
func (s *Sparkline) Clear() {
	clear(s.samples)
	s.head = 0
	s.count = 0
	s.max = 0
}

// Count returns the number of samples added.
func (s *Sparkline) Count() int {
	return s.count
}
