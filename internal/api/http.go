package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/sandwichfarm/feedgraph/internal/config"
	"github.com/sandwichfarm/feedgraph/internal/model"
	"github.com/sandwichfarm/feedgraph/internal/ops"
)

const (
	timelineCount   = "200"
	listMemberCount = "5000"
	maxErrorBody    = 512
)

// HTTPClient talks to a v1.1-style REST API with a bearer token. Requests
// from one client share a rate limiter.
type HTTPClient struct {
	baseURL  string
	token    string
	maxLists int
	http     *http.Client
	limiter  *rate.Limiter
	logger   *ops.Logger
}

// NewHTTPClient creates a client for one account
func NewHTTPClient(cfg *config.API, token string, logger *ops.Logger) *HTTPClient {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	return &HTTPClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		token:    token,
		maxLists: cfg.MaxLists,
		http:     &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(limit, burst),
		logger:   ops.OrDefault(logger).WithComponent("api"),
	}
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, params url.Values) (gjson.Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return gjson.Result{}, fmt.Errorf("%s: rate limiter: %w", endpoint, err)
	}

	u := c.baseURL + "/" + endpoint + ".json"
	var body io.Reader
	if method == http.MethodGet {
		if len(params) > 0 {
			u += "?" + params.Encode()
		}
	} else {
		body = strings.NewReader(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: build request: %w", endpoint, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: read body: %w", endpoint, err)
	}
	c.logger.Debug("api request",
		"method", method,
		"endpoint", endpoint,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(data)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return gjson.Result{}, &StatusError{Code: resp.StatusCode, Endpoint: endpoint, Body: msg}
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, fmt.Errorf("%s: invalid JSON: %w", endpoint, model.ErrMalformedRecord)
	}
	return gjson.ParseBytes(data), nil
}

func (c *HTTPClient) get(ctx context.Context, endpoint string, params url.Values) (gjson.Result, error) {
	return c.do(ctx, http.MethodGet, endpoint, params)
}

func (c *HTTPClient) post(ctx context.Context, endpoint string, params url.Values) (gjson.Result, error) {
	return c.do(ctx, http.MethodPost, endpoint, params)
}

func (c *HTTPClient) skipper(endpoint string) func(error) {
	return func(err error) {
		c.logger.LogMalformedRecord(endpoint, err)
	}
}

func (c *HTTPClient) status(ctx context.Context, method, endpoint string, params url.Values) (model.PostRecord, error) {
	res, err := c.do(ctx, method, endpoint, params)
	if err != nil {
		return model.PostRecord{}, err
	}
	rec, err := ParsePost(res)
	if err != nil {
		return model.PostRecord{}, fmt.Errorf("%s: %w", endpoint, err)
	}
	return rec, nil
}

func (c *HTTPClient) timeline(ctx context.Context, endpoint string, params url.Values) ([]model.PostRecord, error) {
	res, err := c.get(ctx, endpoint, params)
	if err != nil {
		return nil, err
	}
	if !res.IsArray() {
		return nil, fmt.Errorf("%s: expected array: %w", endpoint, model.ErrMalformedRecord)
	}
	return parseArray(res, ParsePost, c.skipper(endpoint)), nil
}

func (c *HTTPClient) user(ctx context.Context, endpoint string, params url.Values) (model.AccountRecord, error) {
	res, err := c.get(ctx, endpoint, params)
	if err != nil {
		return model.AccountRecord{}, err
	}
	rec, err := ParseAccount(res)
	if err != nil {
		return model.AccountRecord{}, fmt.Errorf("%s: %w", endpoint, err)
	}
	return rec, nil
}

func idParam(key string, id int64) url.Values {
	return url.Values{key: {strconv.FormatInt(id, 10)}}
}

func timelineParams() url.Values {
	return url.Values{
		"count":            {timelineCount},
		"include_entities": {"1"},
		"tweet_mode":       {"extended"},
	}
}

func (c *HTTPClient) VerifyCredentials(ctx context.Context) (model.AccountRecord, error) {
	return c.user(ctx, "account/verify_credentials", nil)
}

func (c *HTTPClient) FetchPost(ctx context.Context, id int64) (model.PostRecord, error) {
	params := idParam("id", id)
	params.Set("tweet_mode", "extended")
	return c.status(ctx, http.MethodGet, "statuses/show", params)
}

func (c *HTTPClient) FetchAccount(ctx context.Context, id int64) (model.AccountRecord, error) {
	return c.user(ctx, "users/show", idParam("user_id", id))
}

func (c *HTTPClient) FetchAccountByHandle(ctx context.Context, handle string) (model.AccountRecord, error) {
	return c.user(ctx, "users/show", url.Values{"screen_name": {handle}})
}

func (c *HTTPClient) HomeTimeline(ctx context.Context) ([]model.PostRecord, error) {
	return c.timeline(ctx, "statuses/home_timeline", timelineParams())
}

func (c *HTTPClient) Mentions(ctx context.Context) ([]model.PostRecord, error) {
	return c.timeline(ctx, "statuses/mentions_timeline", timelineParams())
}

// Lists returns the lists accountID owns or subscribes to, capped at the
// configured maximum
func (c *HTTPClient) Lists(ctx context.Context, accountID int64) ([]model.List, error) {
	const endpoint = "lists/list"
	res, err := c.get(ctx, endpoint, idParam("user_id", accountID))
	if err != nil {
		return nil, err
	}
	if !res.IsArray() {
		return nil, fmt.Errorf("%s: expected array: %w", endpoint, model.ErrMalformedRecord)
	}
	lists := parseArray(res, ParseList, c.skipper(endpoint))
	if c.maxLists > 0 && len(lists) > c.maxLists {
		lists = lists[:c.maxLists]
	}
	return lists, nil
}

func (c *HTTPClient) ListStatuses(ctx context.Context, listID int64) ([]model.PostRecord, error) {
	params := timelineParams()
	params.Set("list_id", strconv.FormatInt(listID, 10))
	return c.timeline(ctx, "lists/statuses", params)
}

func (c *HTTPClient) ListMembers(ctx context.Context, listID int64) ([]model.AccountRecord, error) {
	const endpoint = "lists/members"
	params := idParam("list_id", listID)
	params.Set("count", listMemberCount)
	res, err := c.get(ctx, endpoint, params)
	if err != nil {
		return nil, err
	}
	return parseArray(res.Get("users"), ParseAccount, c.skipper(endpoint)), nil
}

func (c *HTTPClient) CreateFavorite(ctx context.Context, id int64) (model.PostRecord, error) {
	return c.status(ctx, http.MethodPost, "favorites/create", idParam("id", id))
}

func (c *HTTPClient) DestroyFavorite(ctx context.Context, id int64) (model.PostRecord, error) {
	return c.status(ctx, http.MethodPost, "favorites/destroy", idParam("id", id))
}

func (c *HTTPClient) Reshare(ctx context.Context, id int64) (model.PostRecord, error) {
	return c.status(ctx, http.MethodPost, "statuses/retweet/"+strconv.FormatInt(id, 10), nil)
}

func (c *HTTPClient) CreatePost(ctx context.Context, body string, replyTo int64) (model.PostRecord, error) {
	params := url.Values{"status": {body}}
	if replyTo != 0 {
		params.Set("in_reply_to_status_id", strconv.FormatInt(replyTo, 10))
	}
	return c.status(ctx, http.MethodPost, "statuses/update", params)
}

func (c *HTTPClient) DestroyPost(ctx context.Context, id int64) (model.PostRecord, error) {
	return c.status(ctx, http.MethodPost, "statuses/destroy/"+strconv.FormatInt(id, 10), nil)
}
