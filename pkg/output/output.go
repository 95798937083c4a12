package output

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/IntegralDefense/netskope-log-fetcher/pkg/platforms"
)

const defaultBufSize = 64 * 1024

// Writer appends fetched records to {dir}/{category}/{subtype}.log, one
// compact JSON object per line.
type Writer struct {
	dir         string
	compression Compression
}

// Option configures a Writer.
type Option func(*Writer)

// WithCompression compresses every appended batch.
func WithCompression(c Compression) Option {
	return func(w *Writer) { w.compression = c }
}

func New(dir string, opts ...Option) *Writer {
	w := &Writer{dir: dir}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// FileName maps a subtype to its log file name.
func FileName(subtype string) string {
	r := strings.NewReplacer(" ", "_", "/", "_", string(filepath.Separator), "_")
	return r.Replace(subtype) + ".log"
}

func (w *Writer) Path(category, subtype string) string {
	return filepath.Join(w.dir, category, FileName(subtype)+w.compression.Ext())
}

// WriteResults appends every subtype's records. Subtypes without records
// leave no file behind.
func (w *Writer) WriteResults(ctx context.Context, category string, results []platforms.SubtypeResult) error {
	for _, res := range results {
		if len(res.Records) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.appendRecords(w.Path(category, res.Subtype), res.Records); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) appendRecords(path string, records []platforms.LogRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("file output: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("file output: open %s: %w", path, err)
	}
	bw := bufio.NewWriterSize(f, defaultBufSize)
	cw, err := w.compression.compressor(bw)
	if err != nil {
		f.Close()
		return fmt.Errorf("file output: %w", err)
	}

	var line bytes.Buffer
	for i, rec := range records {
		line.Reset()
		if err := json.Compact(&line, rec); err != nil {
			f.Close()
			return fmt.Errorf("file output: record %d of %s: %w", i, path, err)
		}
		line.WriteByte('\n')
		if _, err := cw.Write(line.Bytes()); err != nil {
			f.Close()
			return fmt.Errorf("file output: write: %w", err)
		}
	}

	if err := cw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("file output: compress: %w", err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("file output: flush: %w", err)
	}
	return f.Close()
}
