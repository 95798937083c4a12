package output

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/IntegralDefense/netskope-log-fetcher/pkg/platforms"
)

func TestParseCompression(t *testing.T) {
	tests := map[string]Compression{
		"":      None,
		"none":  None,
		"GZIP":  Gzip,
		" zstd": Zstd,
		"lz4":   LZ4,
	}
	for in, want := range tests {
		got, err := ParseCompression(in)
		if err != nil || got != want {
			t.Errorf("ParseCompression(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseCompression("bzip2"); err == nil {
		t.Fatal("expected an error for bzip2")
	}
}

func writeBatches(t *testing.T, w *Writer, batches int) string {
	t.Helper()
	for i := 0; i < batches; i++ {
		batch := []platforms.SubtypeResult{{Subtype: "Malware", Records: []platforms.LogRecord{rec(`{"_id": 1}`)}}}
		if err := w.WriteResults(context.Background(), "alerts", batch); err != nil {
			t.Fatalf("WriteResults: %v", err)
		}
	}
	return w.Path("alerts", "Malware")
}

func TestGzipAppendsReadableMembers(t *testing.T) {
	w := New(t.TempDir(), WithCompression(Gzip))
	path := writeBatches(t, w, 2)
	if !strings.HasSuffix(path, "Malware.log.gz") {
		t.Fatalf("unexpected path %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "{\"_id\":1}\n{\"_id\":1}\n" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestZstdAppendsReadableFrames(t *testing.T) {
	w := New(t.TempDir(), WithCompression(Zstd))
	path := writeBatches(t, w, 2)

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(string(data), "\n") != 2 {
		t.Fatalf("expected two lines, got %q", data)
	}
}

func TestLZ4Frame(t *testing.T) {
	w := New(t.TempDir(), WithCompression(LZ4))
	path := writeBatches(t, w, 1)
	if !strings.HasSuffix(path, ".log.lz4") {
		t.Fatalf("unexpected path %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	data, err := io.ReadAll(lz4.NewReader(f))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "{\"_id\":1}\n" {
		t.Fatalf("unexpected content %q", data)
	}
}
