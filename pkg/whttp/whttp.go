package whttp

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const USER_AGENT = "netskope-log-fetcher/1.0"

type WHTTPHeader struct {
	Name  string
	Value string
}

type WHTTPReq struct {
	URL     string
	Method  string
	Query   url.Values
	Headers []WHTTPHeader
}

type WHTTPRes struct {
	StatusCode  int
	ContentType string
	BodyString  string
}

// ClientOptions controls the shared client every request of a run goes through.
type ClientOptions struct {
	Retries int           // transport-level retries (connection errors, 429, 5xx)
	Timeout time.Duration // 0 keeps the http.Client default (no timeout)
	Proxy   string
}

// NewClient creates the retrying client. Once retries are exhausted the last
// response is handed back as-is so callers can inspect non-2xx answers.
func NewClient(opts ClientOptions) (*retryablehttp.Client, error) {
	retryClient := retryablehttp.NewClient()
	// Request URLs carry the API token, keep them out of the library's log.
	retryClient.Logger = log.New(io.Discard, "", 0)
	retryClient.RetryMax = opts.Retries
	retryClient.ErrorHandler = lastResponse

	if opts.Timeout > 0 {
		retryClient.HTTPClient.Timeout = opts.Timeout
	}

	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		transport, ok := retryClient.HTTPClient.Transport.(*http.Transport)
		if !ok {
			transport = http.DefaultTransport.(*http.Transport).Clone()
		}
		transport.Proxy = http.ProxyURL(proxyURL)
		retryClient.HTTPClient.Transport = transport
	}

	return retryClient, nil
}

// lastResponse returns the final response once retries are exhausted and
// drops the retry policy's error, leaving status handling to the caller.
// Without a response the transport error is returned.
func lastResponse(resp *http.Response, err error, _ int) (*http.Response, error) {
	if resp != nil {
		return resp, nil
	}
	return nil, err
}

// FullURL returns the request URL with its query string encoded.
func (r *WHTTPReq) FullURL() string {
	if len(r.Query) == 0 {
		return r.URL
	}
	return r.URL + "?" + r.Query.Encode()
}

func SendHTTPRequest(ctx context.Context, wReq *WHTTPReq, client *retryablehttp.Client) (*WHTTPRes, error) {
	method := wReq.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, wReq.FullURL(), nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", USER_AGENT)
	req.Header.Set("Accept", "application/json")

	for _, h := range wReq.Headers {
		req.Header.Add(h.Name, h.Value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &WHTTPRes{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		BodyString:  string(bodyBytes),
	}, nil
}
