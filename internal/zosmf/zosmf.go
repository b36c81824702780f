// Package zosmf talks to the z/OSMF REST files API for data sets and z/OS
// UNIX files.
package zosmf

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/schaermu/hostedit/internal/remote"
)

const (
	headerCSRF            = "X-CSRF-ZOSMF-HEADER"
	headerDataType        = "X-IBM-Data-Type"
	headerReturnEtag      = "X-IBM-Return-Etag"
	headerResponseTimeout = "X-IBM-Response-Timeout"
)

// Config describes one z/OSMF connection profile.
type Config struct {
	// BaseURL is e.g. https://mainframe:443/zosmf
	BaseURL            string
	User               string
	Password           string
	InsecureSkipVerify bool
	// RequestsPerSecond caps request rate; zero disables limiting.
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
}

// Client is a connection to one z/OSMF instance. Use Datasets and UnixFiles
// to get the per-kind APIs.
type Client struct {
	baseURL  *url.URL
	user     string
	password string
	http     *http.Client
	limiter  *rate.Limiter
}

// NewClient creates a z/OSMF client.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid z/OSMF base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid z/OSMF base url %q: scheme must be http or https", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in per profile
		}
		httpClient = &http.Client{Transport: transport}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		baseURL:  base,
		user:     cfg.User,
		password: cfg.Password,
		http:     httpClient,
		limiter:  limiter,
	}, nil
}

// Datasets returns the data set API of c.
func (c *Client) Datasets() *DatasetAPI {
	return &DatasetAPI{c: c}
}

// UnixFiles returns the z/OS UNIX file API of c.
func (c *Client) UnixFiles() *UnixFileAPI {
	return &UnixFileAPI{c: c}
}

// DatasetAPI reads and writes sequential data sets and PDS members.
type DatasetAPI struct {
	c *Client
}

// GetContents downloads a data set, e.g. "USER.JCL(BUILD)", into opts.File.
func (a *DatasetAPI) GetContents(ctx context.Context, dsn string, opts remote.GetOptions) (*remote.Response, error) {
	return a.c.get(ctx, a.c.endpoint("restfiles", "ds", url.PathEscape(dsn)), opts)
}

// PutContents uploads opts.File into a data set.
func (a *DatasetAPI) PutContents(ctx context.Context, dsn string, opts remote.PutOptions) (*remote.Response, error) {
	return a.c.put(ctx, a.c.endpoint("restfiles", "ds", url.PathEscape(dsn)), opts)
}

// UnixFileAPI reads and writes z/OS UNIX files.
type UnixFileAPI struct {
	c *Client
}

// GetContents downloads an absolute z/OS UNIX path into opts.File.
func (a *UnixFileAPI) GetContents(ctx context.Context, path string, opts remote.GetOptions) (*remote.Response, error) {
	return a.c.get(ctx, a.c.endpoint("restfiles", "fs"+escapePath(path)), opts)
}

// PutContents uploads opts.File to an absolute z/OS UNIX path.
func (a *UnixFileAPI) PutContents(ctx context.Context, path string, opts remote.PutOptions) (*remote.Response, error) {
	return a.c.put(ctx, a.c.endpoint("restfiles", "fs"+escapePath(path)), opts)
}

func (c *Client) endpoint(parts ...string) string {
	return c.baseURL.String() + "/" + strings.Join(parts, "/")
}

func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

func (c *Client) get(ctx context.Context, endpoint string, opts remote.GetOptions) (*remote.Response, error) {
	if opts.File == "" {
		return nil, fmt.Errorf("get contents: destination file is required")
	}

	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, opts.Binary, opts.Encoding, opts.ResponseTimeout)
	if err != nil {
		return nil, err
	}
	if opts.ReturnEtag {
		req.Header.Set(headerReturnEtag, "true")
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	if err := remote.WriteFileAtomic(opts.File, resp.Body, 0644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", opts.File, err)
	}

	out := &remote.Response{}
	if opts.ReturnEtag {
		out.Etag = resp.Header.Get("Etag")
	}
	return out, nil
}

func (c *Client) put(ctx context.Context, endpoint string, opts remote.PutOptions) (*remote.Response, error) {
	f, err := os.Open(opts.File)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload source: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	req, err := c.newRequest(ctx, http.MethodPut, endpoint, f, opts.Binary, opts.Encoding, opts.ResponseTimeout)
	if err != nil {
		return nil, err
	}
	if info, err := f.Stat(); err == nil {
		req.ContentLength = info.Size()
	}
	if opts.Binary {
		req.Header.Set("Content-Type", "application/octet-stream")
	} else {
		req.Header.Set("Content-Type", "text/plain")
	}
	if opts.Etag != "" {
		req.Header.Set("If-Match", opts.Etag)
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	return &remote.Response{Etag: resp.Header.Get("Etag")}, nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, binary bool, encoding string, timeout int) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set(headerCSRF, "true")
	req.Header.Set(headerDataType, dataType(binary, encoding))
	if timeout > 0 {
		req.Header.Set(headerResponseTimeout, strconv.Itoa(timeout))
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed after %s: %w", req.Method, req.URL.Path, time.Since(start).Round(time.Millisecond), err)
	}
	return resp, nil
}

func dataType(binary bool, encoding string) string {
	switch {
	case binary:
		return "binary"
	case encoding != "":
		return "text;fileEncoding=" + encoding
	default:
		return "text"
	}
}

// errorBody is the JSON error document z/OSMF returns.
type errorBody struct {
	Category int      `json:"category"`
	RC       int      `json:"rc"`
	Reason   int      `json:"reason"`
	Message  string   `json:"message"`
	Details  []string `json:"details"`
}

func apiError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	msg := strings.TrimSpace(string(data))
	var body errorBody
	if err := json.Unmarshal(data, &body); err == nil && body.Message != "" {
		msg = body.Message
		if len(body.Details) > 0 {
			msg += ": " + strings.Join(body.Details, "; ")
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return remote.NewAPIError(resp.StatusCode, msg, "")
}
