package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	restPathPrefix       = "/rest/v1/"
	defaultRESTTimeout   = 10 * time.Second
	defaultRESTRateBurst = 10
	maxErrorBodyBytes    = 64 << 10
)

// TokenSource supplies the bearer token attached to each REST request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource returning a fixed token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// PostgRESTConfig configures the REST gateway.
type PostgRESTConfig struct {
	BaseURL           string
	APIKey            string
	Tokens            TokenSource
	HTTPClient        *http.Client
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	Logger            *zap.Logger
}

// PostgRESTGateway talks to a hosted Postgres REST endpoint.
type PostgRESTGateway struct {
	baseURL *url.URL
	apiKey  string
	tokens  TokenSource
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

type restErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

// NewPostgRESTGateway validates the configuration and builds the gateway.
func NewPostgRESTGateway(cfg PostgRESTConfig) (*PostgRESTGateway, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if trimmed == "" {
		return nil, errors.New("remote: base url is required")
	}
	baseURL, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("remote: invalid base url: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("remote: unsupported base url scheme %q", baseURL.Scheme)
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultRESTTimeout
		}
		client = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultRESTRateBurst
	}

	tokens := cfg.Tokens
	if tokens == nil {
		tokens = StaticToken(cfg.APIKey)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PostgRESTGateway{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		tokens:  tokens,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}, nil
}

// Select implements Gateway.
func (g *PostgRESTGateway) Select(ctx context.Context, query Query) ([]Row, error) {
	if err := validateQuery(query); err != nil {
		return nil, err
	}
	values := url.Values{}
	values.Set("select", selectList(query.Columns))
	if err := applyRESTFilters(values, query.Filters); err != nil {
		return nil, err
	}
	if len(query.Order) > 0 {
		parts := make([]string, 0, len(query.Order))
		for _, order := range query.Order {
			direction := "asc"
			if order.Descending {
				direction = "desc"
			}
			parts = append(parts, order.Column+"."+direction)
		}
		values.Set("order", strings.Join(parts, ","))
	}
	if query.Limit > 0 {
		values.Set("limit", strconv.Itoa(query.Limit))
	}

	var rows []Row
	if _, err := g.do(ctx, http.MethodGet, query.Table, values, nil, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Insert implements Gateway.
func (g *PostgRESTGateway) Insert(ctx context.Context, table string, row Row) (Row, error) {
	return g.write(ctx, table, row, url.Values{}, "return=representation")
}

// Upsert implements Gateway.
func (g *PostgRESTGateway) Upsert(ctx context.Context, table string, row Row, conflictColumns []string) (Row, error) {
	if len(conflictColumns) == 0 {
		return nil, fmt.Errorf("%w: upsert requires conflict columns", ErrInvalidQuery)
	}
	values := url.Values{}
	values.Set("on_conflict", strings.Join(conflictColumns, ","))
	return g.write(ctx, table, row, values, "resolution=merge-duplicates,return=representation")
}

// Delete implements Gateway.
func (g *PostgRESTGateway) Delete(ctx context.Context, table string, filters []Filter) error {
	if err := validateFilters(filters); err != nil {
		return err
	}
	if len(filters) == 0 {
		return fmt.Errorf("%w: delete requires at least one filter", ErrInvalidQuery)
	}
	values := url.Values{}
	if err := applyRESTFilters(values, filters); err != nil {
		return err
	}
	_, err := g.do(ctx, http.MethodDelete, table, values, nil, map[string]string{"Prefer": "return=minimal"}, nil)
	return err
}

// Count implements Gateway using an exact count header on a HEAD request.
func (g *PostgRESTGateway) Count(ctx context.Context, table string, filters []Filter) (int64, error) {
	if err := validateFilters(filters); err != nil {
		return 0, err
	}
	values := url.Values{}
	values.Set("select", "*")
	if err := applyRESTFilters(values, filters); err != nil {
		return 0, err
	}
	header, err := g.do(ctx, http.MethodHead, table, values, nil, map[string]string{"Prefer": "count=exact"}, nil)
	if err != nil {
		return 0, err
	}
	return parseContentRangeTotal(header.Get("Content-Range"))
}

func (g *PostgRESTGateway) write(ctx context.Context, table string, row Row, values url.Values, prefer string) (Row, error) {
	if strings.TrimSpace(table) == "" {
		return nil, fmt.Errorf("%w: table is required", ErrInvalidQuery)
	}
	payload, err := json.Marshal([]Row{row})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	var rows []Row
	if _, err := g.do(ctx, http.MethodPost, table, values, payload, map[string]string{"Prefer": prefer}, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return row.Clone(), nil
	}
	return rows[0], nil
}

func (g *PostgRESTGateway) do(ctx context.Context, method, table string, values url.Values, body []byte, headers map[string]string, target *[]Row) (http.Header, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, NewError(ErrUnavailable, 0, "", err.Error())
	}
	token, err := g.tokens.Token(ctx)
	if err != nil {
		return nil, NewError(ErrUnavailable, 0, "", fmt.Sprintf("token: %v", err))
	}

	endpoint := *g.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + restPathPrefix + table
	endpoint.RawQuery = values.Encode()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if g.apiKey != "" {
		request.Header.Set("apikey", g.apiKey)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	for key, value := range headers {
		request.Header.Set(key, value)
	}

	response, err := g.client.Do(request)
	if err != nil {
		g.logger.Debug("remote request failed", zap.String("method", method), zap.String("table", table), zap.Error(err))
		return nil, NewError(ErrUnavailable, 0, "", err.Error())
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusBadRequest {
		return nil, classifyRESTResponse(response)
	}
	if target == nil || method == http.MethodHead || response.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, response.Body)
		return response.Header, nil
	}

	decoder := json.NewDecoder(response.Body)
	decoder.UseNumber()
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		return nil, NewError(ErrUnavailable, response.StatusCode, "", fmt.Sprintf("decode response: %v", err))
	}
	return response.Header, nil
}

func classifyRESTResponse(response *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	var body restErrorBody
	_ = json.Unmarshal(raw, &body)
	message := body.Message
	if message == "" {
		message = strings.TrimSpace(string(raw))
	}
	return NewError(classifyStatus(response.StatusCode, body.Code), response.StatusCode, body.Code, message)
}

func classifyStatus(status int, code string) error {
	switch {
	case code == "23505" || status == http.StatusConflict:
		return ErrConflict
	case status == http.StatusUnauthorized,
		status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= http.StatusInternalServerError:
		return ErrUnavailable
	case status >= http.StatusBadRequest:
		return ErrRejected
	default:
		return ErrUnavailable
	}
}

func selectList(columns []string) string {
	if len(columns) == 0 {
		return "*"
	}
	return strings.Join(columns, ",")
}

func applyRESTFilters(values url.Values, filters []Filter) error {
	for _, filter := range filters {
		switch filter.Operator {
		case OperatorEq:
			values.Add(filter.Column, "eq."+stringify(filter.Value))
		case OperatorIn:
			list, _ := filter.Value.([]string)
			quoted := make([]string, 0, len(list))
			for _, item := range list {
				quoted = append(quoted, quoteRESTValue(item))
			}
			values.Add(filter.Column, "in.("+strings.Join(quoted, ",")+")")
		case OperatorILike:
			pattern, _ := filter.Value.(string)
			values.Add(filter.Column, "ilike."+pattern)
		default:
			return fmt.Errorf("%w: unsupported operator %q", ErrInvalidQuery, filter.Operator)
		}
	}
	return nil
}

func quoteRESTValue(value string) string {
	escaped := strings.ReplaceAll(value, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}

func parseContentRangeTotal(header string) (int64, error) {
	index := strings.LastIndex(header, "/")
	if index < 0 || index == len(header)-1 {
		return 0, NewError(ErrUnavailable, 0, "", fmt.Sprintf("missing count in content-range %q", header))
	}
	total := header[index+1:]
	if total == "*" {
		return 0, NewError(ErrUnavailable, 0, "", "count not provided")
	}
	parsed, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return 0, NewError(ErrUnavailable, 0, "", fmt.Sprintf("invalid content-range %q", header))
	}
	return parsed, nil
}
