package sink

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"EchoTrace/internal/config"
	"EchoTrace/internal/factory"
	"EchoTrace/internal/model"
)

func init() {
	factory.RegisterSink("text", func(def config.SinkDef) (model.Sink, error) {
		return NewTextSink(def)
	})
}

// TextSink appends one line per observation to a file:
//
//	<observed RFC3339Nano> <measurement> <group> <observer> <latency seconds> <skew 0|1>
type TextSink struct {
	*batcher
	file *os.File
}

// NewTextSink opens (or creates) the file at def.Text.Path for appending.
func NewTextSink(def config.SinkDef) (*TextSink, error) {
	if def.Text.Path == "" {
		return nil, fmt.Errorf("text sink requires text.path")
	}
	if err := os.MkdirAll(filepath.Dir(def.Text.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create text sink directory: %w", err)
	}
	file, err := os.OpenFile(def.Text.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open text sink file '%s': %w", def.Text.Path, err)
	}

	s := &TextSink{file: file}
	b, err := newBatcher("text", def, s.write)
	if err != nil {
		file.Close()
		return nil, err
	}
	s.batcher = b
	return s, nil
}

func (s *TextSink) write(batch []model.Observation) error {
	w := bufio.NewWriter(s.file)
	for _, o := range batch {
		skew := 0
		if o.ClockSkew {
			skew = 1
		}
		line := fmt.Sprintf("%s %s %s %s %.6f %d\n",
			o.ObservedTimestamp.UTC().Format(time.RFC3339Nano), o.MeasurementName, o.GroupKey, o.Observer, o.Latency.Seconds(), skew)
		if _, err := w.WriteString(line); err != nil {
			return fmt.Errorf("failed to write observation to file: %w", err)
		}
	}
	return w.Flush()
}

// Close flushes pending lines and closes the file.
func (s *TextSink) Close() error {
	s.batcher.Close()
	return s.file.Close()
}
