package polling_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/IntegralDefense/netskope-log-fetcher/pkg/checkpoint"
	"github.com/IntegralDefense/netskope-log-fetcher/pkg/output"
	"github.com/IntegralDefense/netskope-log-fetcher/pkg/platforms"
	"github.com/IntegralDefense/netskope-log-fetcher/pkg/platforms/netskope"
	"github.com/IntegralDefense/netskope-log-fetcher/pkg/polling"
	"github.com/IntegralDefense/netskope-log-fetcher/pkg/storage"
	"github.com/IntegralDefense/netskope-log-fetcher/pkg/whttp"
)

const token = "run-t0ken"

type apiHandler func(w http.ResponseWriter, path string, q url.Values)

type recordedCall struct {
	path string
	q    url.Values
}

type tenant struct {
	mu    sync.Mutex
	calls []recordedCall
	srv   *httptest.Server
}

func newTenant(t *testing.T, handle apiHandler) *tenant {
	t.Helper()
	tn := &tenant{}
	tn.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		tn.mu.Lock()
		tn.calls = append(tn.calls, recordedCall{path: r.URL.Path, q: q})
		tn.mu.Unlock()
		handle(w, r.URL.Path, q)
	}))
	t.Cleanup(tn.srv.Close)
	return tn
}

func (tn *tenant) recorded() []recordedCall {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	return append([]recordedCall(nil), tn.calls...)
}

func (tn *tenant) sources() func(platforms.TimeWindow) ([]platforms.LogSource, error) {
	return func(w platforms.TimeWindow) ([]platforms.LogSource, error) {
		client, err := whttp.NewClient(whttp.ClientOptions{})
		if err != nil {
			return nil, err
		}
		fetcher := netskope.NewFetcher(client, token)
		var out []platforms.LogSource
		for _, c := range netskope.AllCategories() {
			cfg, err := netskope.NewCategoryConfig(c, tn.srv.URL, nil)
			if err != nil {
				return nil, err
			}
			out = append(out, netskope.NewClient(cfg, w, fetcher))
		}
		return out, nil
	}
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, body)
}

func fixedNow(sec int64) func() time.Time {
	return func() time.Time { return time.Unix(sec, 0) }
}

func TestRunPageErrorStillAdvancesCheckpoint(t *testing.T) {
	dir := t.TempDir()
	tn := newTenant(t, func(w http.ResponseWriter, path string, q url.Values) {
		switch {
		case q.Get("type") == "page":
			writeJSON(w, `{"status":"error","errors":["bad type"]}`)
		case strings.HasSuffix(path, "/events"):
			writeJSON(w, `{"status":"success","data":[{"_id":"`+q.Get("type")+`"}]}`)
		default:
			writeJSON(w, `{"status":"success","data":[]}`)
		}
	})
	cp := checkpoint.NewFileStore(filepath.Join(dir, "time.log"))

	res, err := polling.Run(context.Background(), polling.RunConfig{
		Checkpoint: cp,
		Interval:   600,
		Now:        fixedNow(1600),
		Sources:    tn.sources(),
		Sink:       output.New(filepath.Join(dir, "logs")),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Window != (platforms.TimeWindow{Start: 1000, End: 1600}) {
		t.Fatalf("unexpected window %+v", res.Window)
	}
	for _, c := range tn.recorded() {
		if c.q.Get("starttime") != "1000" || c.q.Get("endtime") != "1600" || c.q.Get("token") != token {
			t.Fatalf("unexpected query %v", c.q)
		}
	}
	if got := len(tn.recorded()); got != 12 {
		t.Fatalf("expected one request per type, got %d", got)
	}

	events := res.Results["events"]
	if recs, ok := events["page"]; !ok || len(recs) != 0 {
		t.Fatalf("expected an empty page entry, got %v (present=%v)", recs, ok)
	}
	if len(events["audit"]) != 1 || len(res.Results["alerts"]) != 8 {
		t.Fatalf("unexpected results: %+v", res.Results)
	}
	if res.Records() != 3 {
		t.Fatalf("expected 3 records, got %d", res.Records())
	}

	ts, ok, err := cp.Load(context.Background())
	if err != nil || !ok || ts != 1600 {
		t.Fatalf("expected checkpoint 1600, got %d, %v, %v", ts, ok, err)
	}
	if !res.CheckpointSaved {
		t.Fatal("expected CheckpointSaved")
	}

	if _, err := os.Stat(filepath.Join(dir, "logs", "events", "page.log")); !os.IsNotExist(err) {
		t.Fatalf("expected no page log, got %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "logs", "events", "infrastructure.log"))
	if err != nil || string(data) != "{\"_id\":\"infrastructure\"}\n" {
		t.Fatalf("unexpected infrastructure log %q (%v)", data, err)
	}
}

func TestRunFatalErrorLeavesCheckpointAndOutput(t *testing.T) {
	dir := t.TempDir()
	tn := newTenant(t, func(w http.ResponseWriter, path string, q url.Values) {
		if q.Get("type") == "audit" {
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, "<html>maintenance</html>")
			return
		}
		writeJSON(w, `{"status":"success","data":[{"_id":1}]}`)
	})
	cp := checkpoint.NewFileStore(filepath.Join(dir, "time.log"))
	if err := cp.Save(context.Background(), 1200); err != nil {
		t.Fatal(err)
	}

	_, err := polling.Run(context.Background(), polling.RunConfig{
		Checkpoint: cp,
		Now:        fixedNow(1600),
		Sources:    tn.sources(),
		Sink:       output.New(filepath.Join(dir, "logs")),
	})
	var te *netskope.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected a TransportError, got %v", err)
	}
	if strings.Contains(err.Error(), token) {
		t.Fatalf("token leaked into error: %v", err)
	}
	if te.Diagnostic.Response != "<html>maintenance</html>" {
		t.Fatalf("unexpected diagnostic %+v", te.Diagnostic)
	}

	ts, _, _ := cp.Load(context.Background())
	if ts != 1200 {
		t.Fatalf("checkpoint moved to %d", ts)
	}
	if _, err := os.Stat(filepath.Join(dir, "logs")); !os.IsNotExist(err) {
		t.Fatalf("expected no output after a fatal error, got %v", err)
	}
	for _, c := range tn.recorded() {
		if c.q.Get("starttime") != "1200" {
			t.Fatalf("expected the checkpoint as start, got %v", c.q)
		}
	}
}

// stubSource is a LogSource with canned results.
type stubSource struct {
	name    string
	results []platforms.SubtypeResult
	err     error
	window  platforms.TimeWindow
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) FetchAll(ctx context.Context) (platforms.ResultSet, error) {
	if s.err != nil {
		return nil, s.err
	}
	return polling.ResultSetFrom(s.results), nil
}

func (s *stubSource) Summary() []platforms.SubtypeResult { return s.results }

type memCheckpoint struct {
	ts      int64
	loadErr error
	saves   int
}

func (m *memCheckpoint) Load(context.Context) (int64, bool, error) {
	if m.loadErr != nil {
		return 0, false, m.loadErr
	}
	return m.ts, m.ts > 0, nil
}

func (m *memCheckpoint) Save(_ context.Context, ts int64) error {
	m.ts = ts
	m.saves++
	return nil
}

func (m *memCheckpoint) Clear(context.Context) error {
	m.ts = 0
	return nil
}

type memSink struct {
	written map[string]int
}

func (m *memSink) WriteResults(_ context.Context, category string, results []platforms.SubtypeResult) error {
	if m.written == nil {
		m.written = map[string]int{}
	}
	for _, r := range results {
		m.written[category] += len(r.Records)
	}
	return nil
}

func stubSources(srcs ...*stubSource) func(platforms.TimeWindow) ([]platforms.LogSource, error) {
	return func(w platforms.TimeWindow) ([]platforms.LogSource, error) {
		out := make([]platforms.LogSource, len(srcs))
		for i, s := range srcs {
			s.window = w
			out[i] = s
		}
		return out, nil
	}
}

func TestRunUnreadableCheckpointFallsBackToInterval(t *testing.T) {
	cp := &memCheckpoint{loadErr: checkpoint.ErrMalformed}
	src := &stubSource{name: "events"}
	res, err := polling.Run(context.Background(), polling.RunConfig{
		Checkpoint: cp,
		Interval:   300,
		Now:        fixedNow(5000),
		Sources:    stubSources(src),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Window.Start != 4700 || src.window.Start != 4700 {
		t.Fatalf("expected start 4700, got %+v", res.Window)
	}
	if cp.saves != 1 {
		t.Fatalf("expected one save, got %d", cp.saves)
	}
}

func TestRunDefaultInterval(t *testing.T) {
	res, err := polling.Run(context.Background(), polling.RunConfig{
		Now:     fixedNow(5000),
		Sources: stubSources(&stubSource{name: "events"}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Window.Start != 5000-polling.DefaultInterval {
		t.Fatalf("unexpected window %+v", res.Window)
	}
}

func TestRunWindowOverridesAndSkipCheckpoint(t *testing.T) {
	cp := &memCheckpoint{ts: 100}
	sink := &memSink{}
	src := &stubSource{name: "alerts", results: []platforms.SubtypeResult{
		{Subtype: "Malware", Records: []platforms.LogRecord{platforms.LogRecord(`{}`), platforms.LogRecord(`{}`)}},
	}}
	res, err := polling.Run(context.Background(), polling.RunConfig{
		Checkpoint:     cp,
		SkipCheckpoint: true,
		Start:          10,
		End:            20,
		Sources:        stubSources(src),
		Sink:           sink,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Window != (platforms.TimeWindow{Start: 10, End: 20}) {
		t.Fatalf("unexpected window %+v", res.Window)
	}
	if cp.saves != 0 || res.CheckpointSaved {
		t.Fatal("checkpoint must not be saved")
	}
	if sink.written["alerts"] != 2 {
		t.Fatalf("unexpected sink writes %v", sink.written)
	}
}

func TestRunBackfillNeverRewindsCheckpoint(t *testing.T) {
	cp := &memCheckpoint{ts: 9000}
	sink := &memSink{}
	src := &stubSource{name: "events", results: []platforms.SubtypeResult{
		{Subtype: "page", Records: []platforms.LogRecord{platforms.LogRecord(`{}`)}},
	}}
	res, err := polling.Run(context.Background(), polling.RunConfig{
		Checkpoint: cp,
		Start:      10,
		End:        20,
		Sources:    stubSources(src),
		Sink:       sink,
	})
	if err != nil {
		t.Fatal(err)
	}
	if cp.saves != 0 || cp.ts != 9000 || res.CheckpointSaved {
		t.Fatalf("checkpoint rewound: ts=%d saves=%d saved=%v", cp.ts, cp.saves, res.CheckpointSaved)
	}
	if sink.written["events"] != 1 {
		t.Fatalf("backfill output missing: %v", sink.written)
	}
}

func TestRunExplicitWindowPastCheckpointAdvancesIt(t *testing.T) {
	cp := &memCheckpoint{ts: 100}
	res, err := polling.Run(context.Background(), polling.RunConfig{
		Checkpoint: cp,
		Start:      50,
		End:        400,
		Sources:    stubSources(&stubSource{name: "alerts"}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if cp.saves != 1 || cp.ts != 400 || !res.CheckpointSaved {
		t.Fatalf("expected checkpoint 400, got ts=%d saves=%d", cp.ts, cp.saves)
	}
}

func TestRunRejectsEmptyWindow(t *testing.T) {
	cp := &memCheckpoint{ts: 9000}
	_, err := polling.Run(context.Background(), polling.RunConfig{
		Checkpoint: cp,
		Now:        fixedNow(5000),
		Sources:    stubSources(&stubSource{name: "events"}),
	})
	if !errors.Is(err, platforms.ErrEmptyWindow) {
		t.Fatalf("expected ErrEmptyWindow, got %v", err)
	}
}

func TestRunRecordsHistory(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()

	ok := &stubSource{name: "events", results: []platforms.SubtypeResult{
		{Subtype: "page", Requests: 1, Abandoned: netskope.ErrInvalidResponse},
		{Subtype: "audit", Requests: 1, Records: []platforms.LogRecord{platforms.LogRecord(`{}`)}},
	}}
	cp := db.Checkpoint("test")
	if _, err := polling.Run(ctx, polling.RunConfig{
		Checkpoint: cp,
		Now:        fixedNow(5000),
		Sources:    stubSources(ok),
		History:    db,
	}); err != nil {
		t.Fatal(err)
	}

	failing := &stubSource{name: "alerts", err: errors.New("boom")}
	if _, err := polling.Run(ctx, polling.RunConfig{
		Checkpoint: cp,
		Now:        fixedNow(6000),
		Sources:    stubSources(failing),
		History:    db,
	}); err == nil {
		t.Fatal("expected the run to fail")
	}

	runs, err := db.ListRuns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	failed, succeeded := runs[0], runs[1]
	if failed.Status != storage.RunFailed || failed.CheckpointSaved || failed.Error != "boom" {
		t.Fatalf("unexpected failed run %+v", failed)
	}
	if failed.WindowStart != 5000 {
		t.Fatalf("second run should start at the saved checkpoint, got %d", failed.WindowStart)
	}
	if succeeded.Status != storage.RunSucceeded || !succeeded.CheckpointSaved || succeeded.Records != 1 {
		t.Fatalf("unexpected successful run %+v", succeeded)
	}

	stats, err := db.ListRunSubtypes(ctx, succeeded.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 || stats[0].Abandoned == "" {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
