package netskope

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/IntegralDefense/netskope-log-fetcher/pkg/platforms"
	"github.com/IntegralDefense/netskope-log-fetcher/pkg/whttp"
)

const testToken = "s3cr3t-t0ken"

var testWindow = platforms.TimeWindow{Start: 1000, End: 1600}

// fakeAPI records every query it receives and answers through handle.
type fakeAPI struct {
	mu      sync.Mutex
	queries []url.Values
	handle  func(w http.ResponseWriter, q url.Values)
}

func newFakeAPI(t *testing.T, handle func(w http.ResponseWriter, q url.Values)) (*fakeAPI, *httptest.Server) {
	t.Helper()
	api := &fakeAPI{handle: handle}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		api.mu.Lock()
		api.queries = append(api.queries, q)
		api.mu.Unlock()
		api.handle(w, q)
	}))
	t.Cleanup(srv.Close)
	return api, srv
}

func (a *fakeAPI) calls() []url.Values {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]url.Values(nil), a.queries...)
}

func (a *fakeAPI) callsFor(subtype string) []url.Values {
	var out []url.Values
	for _, q := range a.calls() {
		if q.Get("type") == subtype {
			out = append(out, q)
		}
	}
	return out
}

func respond(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

// successBody returns n records numbered from offset.
func successBody(offset, n int) string {
	var b strings.Builder
	b.WriteString(`{"status":"success","data":[`)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(`{"_id":` + strconv.Itoa(offset+i) + `,"user":"u` + strconv.Itoa(offset+i) + `"}`)
	}
	b.WriteString(`]}`)
	return b.String()
}

func skipOf(q url.Values) int {
	n, _ := strconv.Atoi(q.Get("skip"))
	return n
}

func newTestFetcher(t *testing.T, opts ...Option) *Fetcher {
	t.Helper()
	client, err := whttp.NewClient(whttp.ClientOptions{Retries: 0})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return NewFetcher(client, testToken, opts...)
}

func recordID(t *testing.T, r platforms.LogRecord) int {
	t.Helper()
	s := string(r)
	i := strings.Index(s, `"_id":`)
	if i < 0 {
		t.Fatalf("record without _id: %s", s)
	}
	rest := s[i+len(`"_id":`):]
	end := strings.IndexAny(rest, ",}")
	n, err := strconv.Atoi(rest[:end])
	if err != nil {
		t.Fatalf("bad _id in %s: %v", s, err)
	}
	return n
}

// newPathRecorder answers every request with an empty page and records the
// request path. Only safe for single-type fetches.
func newPathRecorder(t *testing.T, paths *[]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*paths = append(*paths, r.URL.Path)
		respond(w, http.StatusOK, `{"status":"success","data":[]}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}
