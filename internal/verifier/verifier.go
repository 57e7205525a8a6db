package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.millionverifier.com"
	DefaultBulkURL = "https://bulkapi.millionverifier.com"
)

// Download filters accepted by the bulk API.
const (
	FilterOK            = "ok"
	FilterOKAndCatchAll = "ok_and_catch_all"
	FilterUnknown       = "unknown"
	FilterInvalid       = "invalid"
	FilterAll           = "all"
	FilterCustom        = "custom"
)

type Options struct {
	APIKey            string
	BaseURL           string
	BulkURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// Client talks to the MillionVerifier single and bulk APIs. Outbound calls
// are paced by a token bucket shared by every caller of the client.
type Client struct {
	apiKey  string
	baseURL string
	bulkURL string
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

func New(opts Options, log *zap.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.BulkURL == "" {
		opts.BulkURL = DefaultBulkURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 75 * time.Second
	}
	limit := rate.Inf
	burst := 1
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
		burst = max(1, int(opts.RequestsPerSecond))
	}
	return &Client{
		apiKey:  opts.APIKey,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		bulkURL: strings.TrimRight(opts.BulkURL, "/"),
		http:    &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		log:     log.Named("millionverifier"),
	}
}

func (c *Client) Configured() bool {
	return c.apiKey != ""
}

type Result struct {
	Email         string  `json:"email"`
	Quality       string  `json:"quality"`
	Result        string  `json:"result"`
	ResultCode    int     `json:"resultcode"`
	SubResult     string  `json:"subresult"`
	Free          bool    `json:"free"`
	Role          bool    `json:"role"`
	DidYouMean    string  `json:"didyoumean"`
	Credits       int     `json:"credits"`
	ExecutionTime float64 `json:"executiontime"`
	Error         string  `json:"error"`
	Livemode      bool    `json:"livemode"`
}

type Credits struct {
	Credits         int `json:"credits"`
	BulkCredits     int `json:"bulk_credits"`
	RenewingCredits int `json:"renewing_credits"`
	Plan            int `json:"plan"`
}

type FileInfo struct {
	FileID           FlexString `json:"file_id"`
	FileName         string     `json:"file_name"`
	Status           string     `json:"status"`
	UniqueEmails     int        `json:"unique_emails"`
	UpdatedAt        string     `json:"updated_at"`
	CreateDate       string     `json:"createdate"`
	Percent          int        `json:"percent"`
	TotalRows        int        `json:"total_rows"`
	Verified         int        `json:"verified"`
	Unverified       int        `json:"unverified"`
	OK               int        `json:"ok"`
	CatchAll         int        `json:"catch_all"`
	Disposable       int        `json:"disposable"`
	Invalid          int        `json:"invalid"`
	Unknown          int        `json:"unknown"`
	Reverify         int        `json:"reverify"`
	Credit           int        `json:"credit"`
	EstimatedTimeSec int        `json:"estimated_time_sec"`
	Error            string     `json:"error"`
}

type DownloadOptions struct {
	Filter   string
	Statuses string
	Free     string
	Role     string
}

// VerifyEmail runs a synchronous check. timeoutSec is forwarded to the
// provider, which gives up on slow mail servers after that many seconds.
func (c *Client) VerifyEmail(ctx context.Context, email string, timeoutSec int) (Result, error) {
	q := url.Values{}
	q.Set("api", c.apiKey)
	q.Set("email", email)
	q.Set("timeout", strconv.Itoa(timeoutSec))

	var res Result
	if err := c.getJSON(ctx, c.baseURL+"/api/v3/?"+q.Encode(), &res); err != nil {
		return Result{}, err
	}
	if res.Error != "" {
		return Result{}, mapError(res.Error)
	}
	return res, nil
}

func (c *Client) Credits(ctx context.Context) (Credits, error) {
	q := url.Values{}
	q.Set("api", c.apiKey)
	var out struct {
		Credits
		Error string `json:"error"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/api/v3/credits?"+q.Encode(), &out); err != nil {
		return Credits{}, err
	}
	if out.Error != "" {
		return Credits{}, mapError(out.Error)
	}
	return out.Credits, nil
}

func (c *Client) UploadFile(ctx context.Context, fileName string, contents []byte) (FileInfo, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file_contents", fileName)
	if err != nil {
		return FileInfo{}, err
	}
	if _, err := part.Write(contents); err != nil {
		return FileInfo{}, err
	}
	if err := form.Close(); err != nil {
		return FileInfo{}, err
	}

	q := url.Values{}
	q.Set("key", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.bulkURL+"/bulkapi/v2/upload?"+q.Encode(), &body)
	if err != nil {
		return FileInfo{}, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	var info FileInfo
	if err := c.doJSON(req, &info); err != nil {
		return FileInfo{}, err
	}
	if info.Error != "" {
		return FileInfo{}, mapError(info.Error)
	}
	return info, nil
}

func (c *Client) FileInfo(ctx context.Context, fileID string) (FileInfo, error) {
	q := c.bulkQuery(fileID)
	var info FileInfo
	if err := c.getJSON(ctx, c.bulkURL+"/bulkapi/v2/fileinfo?"+q.Encode(), &info); err != nil {
		return FileInfo{}, err
	}
	if info.Error != "" {
		return FileInfo{}, mapError(info.Error)
	}
	return info, nil
}

// Download streams the filtered result CSV. The caller closes the body.
func (c *Client) Download(ctx context.Context, fileID string, opts DownloadOptions) (io.ReadCloser, error) {
	q := c.bulkQuery(fileID)
	filter := opts.Filter
	if filter == "" {
		filter = FilterAll
	}
	q.Set("filter", filter)
	if opts.Statuses != "" {
		q.Set("statuses", opts.Statuses)
	}
	if opts.Free != "" {
		q.Set("free", opts.Free)
	}
	if opts.Role != "" {
		q.Set("role", opts.Role)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.bulkURL+"/bulkapi/v2/download?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	// Errors come back as a JSON object instead of the CSV body.
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		defer resp.Body.Close()
		var out struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode download response: %w", err)
		}
		if out.Error != "" {
			return nil, mapError(out.Error)
		}
		return nil, &APIError{Status: http.StatusBadGateway, Code: CodeUnknown, Message: "unexpected download response"}
	}
	return resp.Body, nil
}

func (c *Client) Stop(ctx context.Context, fileID string) error {
	q := c.bulkQuery(fileID)
	return c.command(ctx, c.bulkURL+"/bulkapi/stop?"+q.Encode())
}

func (c *Client) Delete(ctx context.Context, fileID string) error {
	q := c.bulkQuery(fileID)
	return c.command(ctx, c.bulkURL+"/bulkapi/v2/delete?"+q.Encode())
}

func (c *Client) command(ctx context.Context, endpoint string) error {
	var out struct {
		Result string `json:"result"`
		Error  string `json:"error"`
	}
	if err := c.getJSON(ctx, endpoint, &out); err != nil {
		return err
	}
	if out.Error != "" {
		return mapError(out.Error)
	}
	return nil
}

func (c *Client) bulkQuery(fileID string) url.Values {
	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("file_id", fileID)
	return q
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.apiKey == "" {
		return nil, ErrNotConfigured
	}
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("request failed", zap.String("path", req.URL.Path), zap.Error(err))
		return nil, &APIError{Status: http.StatusBadGateway, Code: CodeUnavailable, Message: "verification provider unreachable", Err: err}
	}
	c.log.Debug("request completed",
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Status: http.StatusBadGateway, Code: CodeUnavailable, Message: fmt.Sprintf("HTTP error! status: %d", resp.StatusCode)}
	}
	return resp, nil
}

// FlexString is an id the provider sends as either a JSON string or a number.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string { return string(f) }
