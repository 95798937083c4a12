package netskope

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"

	"github.com/IntegralDefense/netskope-log-fetcher/pkg/platforms"
	"github.com/IntegralDefense/netskope-log-fetcher/pkg/polling"
	"github.com/IntegralDefense/netskope-log-fetcher/pkg/whttp"
)

// DefaultMaxLogs is the most records the API returns for a single request.
const DefaultMaxLogs = 5000

// Fetcher pulls every record of one log type for a time window, following
// skip-based continuation whenever a response hits the per-request cap.
type Fetcher struct {
	client       *retryablehttp.Client
	token        string
	maxLogs      int
	retryInvalid int
	retryWait    time.Duration
	log          polling.Logger
}

type Option func(*Fetcher)

// WithMaxLogs sets the per-request cap. Values below 1 are ignored.
func WithMaxLogs(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxLogs = n
		}
	}
}

// WithRetryInvalid re-issues a request answered with an unsuccessful payload
// up to attempts more times before the type is abandoned.
func WithRetryInvalid(attempts int, wait time.Duration) Option {
	return func(f *Fetcher) {
		if attempts > 0 {
			f.retryInvalid = attempts
		}
		f.retryWait = wait
	}
}

func WithLogger(log polling.Logger) Option {
	return func(f *Fetcher) { f.log = polling.OrNop(log) }
}

func NewFetcher(client *retryablehttp.Client, token string, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:  client,
		token:   token,
		maxLogs: DefaultMaxLogs,
		log:     polling.OrNop(nil),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// MaxLogs returns the per-request cap in use.
func (f *Fetcher) MaxLogs() int { return f.maxLogs }

// FetchSubtype returns all records of subtype within w. Unsuccessful payloads
// abandon the type and are reported through SubtypeResult.Abandoned; only
// responses that cannot be interpreted at all come back as an error.
func (f *Fetcher) FetchSubtype(ctx context.Context, endpoint, subtype string, w platforms.TimeWindow) (platforms.SubtypeResult, error) {
	res := platforms.SubtypeResult{Subtype: subtype, Records: []platforms.LogRecord{}}

	for pagination := 0; ; pagination++ {
		if pagination > 0 {
			f.log.Infof("Type %s has more than %d logs. Now making pagination request number %d", subtype, f.maxLogs, pagination)
		} else {
			f.log.Infof("Calling API with type %s", subtype)
		}

		query := url.Values{}
		query.Set("token", f.token)
		query.Set("type", subtype)
		query.Set("starttime", strconv.FormatInt(w.Start, 10))
		query.Set("endtime", strconv.FormatInt(w.End, 10))
		if skip := len(res.Records); skip > 0 {
			query.Set("skip", strconv.Itoa(skip))
		}

		page, err := f.fetchPage(ctx, endpoint, subtype, query, pagination, &res.Requests)
		if err != nil {
			if IsRecoverable(err) {
				f.log.Errorf("Abandoning type %s at pagination %d with %d logs: %v", subtype, pagination, len(res.Records), err)
				res.Abandoned = err
				return res, nil
			}
			return res, err
		}

		res.Records = append(res.Records, page...)
		if len(page) < f.maxLogs {
			break
		}
	}

	f.log.Infof("Consumed %d logs for type: %s", len(res.Records), subtype)
	return res, nil
}

// fetchPage requests one page, retrying unsuccessful payloads when configured.
func (f *Fetcher) fetchPage(ctx context.Context, endpoint, subtype string, query url.Values, pagination int, requests *int) ([]platforms.LogRecord, error) {
	for attempt := 0; ; attempt++ {
		*requests++
		records, err := f.requestPage(ctx, endpoint, subtype, query, pagination)
		if err == nil || !IsRecoverable(err) || attempt >= f.retryInvalid {
			return records, err
		}

		f.log.Warnf("Retrying type %s (pagination %d, attempt %d of %d): %v", subtype, pagination, attempt+1, f.retryInvalid, err)
		t := time.NewTimer(f.retryWait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (f *Fetcher) requestPage(ctx context.Context, endpoint, subtype string, query url.Values, pagination int) ([]platforms.LogRecord, error) {
	res, err := whttp.SendHTTPRequest(ctx, &whttp.WHTTPReq{
		Method: http.MethodGet,
		URL:    endpoint,
		Query:  query,
	}, f.client)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, f.transportError(subtype, pagination, endpoint, query, nil,
			fmt.Errorf("%w: %s", ErrRequestFailed, scrubToken(err.Error(), f.token)))
	}

	if !isJSON(res.ContentType) {
		return nil, f.transportError(subtype, pagination, endpoint, query, res,
			fmt.Errorf("%w %q", ErrUnexpectedContentType, res.ContentType))
	}
	if !gjson.Valid(res.BodyString) {
		return nil, f.transportError(subtype, pagination, endpoint, query, res, ErrMalformedJSON)
	}

	status := gjson.Get(res.BodyString, "status").String()
	if res.StatusCode != http.StatusOK || status != "success" {
		f.log.Errorf("Unsuccessful response for type %s: HTTP %d, status %q", subtype, res.StatusCode, status)
		f.log.Debugf("Response received for type %s: %s", subtype, scrubToken(res.BodyString, f.token))
		if pagination > 0 {
			f.log.Errorf("Error with type %s when pulling pagination %d of logs.", subtype, pagination)
		}
		return nil, fmt.Errorf("%w: HTTP %d, status %q", ErrInvalidResponse, res.StatusCode, status)
	}

	data := gjson.Get(res.BodyString, "data")
	if !data.Exists() {
		f.log.Errorf("Missing 'data' key in response for %s", subtype)
		return nil, ErrMissingData
	}
	if !data.IsArray() {
		f.log.Errorf("'data' in response for %s is not a list", subtype)
		return nil, fmt.Errorf("%w: 'data' is not an array", ErrMissingData)
	}

	items := data.Array()
	records := make([]platforms.LogRecord, 0, len(items))
	for _, item := range items {
		records = append(records, platforms.LogRecord(item.Raw))
	}
	return records, nil
}

func (f *Fetcher) transportError(subtype string, pagination int, endpoint string, query url.Values, res *whttp.WHTTPRes, err error) *TransportError {
	diag := Diagnostic{
		URLRequested:    endpoint,
		QueryParameters: redactParams(query),
	}
	if res != nil {
		diag.StatusCode = res.StatusCode
		diag.Response = scrubToken(res.BodyString, f.token)
	}

	f.log.Errorf("Unexpected response when pulling logs for %s: %s", subtype, diag)

	return &TransportError{
		Subtype:    subtype,
		Pagination: pagination,
		Diagnostic: diag,
		Err:        err,
	}
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
