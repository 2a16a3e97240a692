package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"flow-runner/shared"
	"flow-runner/templating"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	TypeHTTPFetch = "http_fetch"
	TypeHTTPPost  = "http_post"
)

type httpConfig struct {
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Body    interface{}       `mapstructure:"body"`
	Query   map[string]string `mapstructure:"query"`
}

// HTTP performs a single request. The URL, header values, query values and
// the POST body are template-resolved against the execution context.
type HTTP struct {
	nodeType string
	method   string
	client   *resty.Client
	logger   *zap.Logger
}

// NewHTTPClient returns the client shared by the HTTP connectors
func NewHTTPClient() *resty.Client {
	return resty.New().SetHeader("User-Agent", "flow-runner")
}

// NewHTTPFetch creates the http_fetch connector (GET)
func NewHTTPFetch(client *resty.Client, logger *zap.Logger) *HTTP {
	return newHTTP(TypeHTTPFetch, http.MethodGet, client, logger)
}

// NewHTTPPost creates the http_post connector (POST with a JSON body)
func NewHTTPPost(client *resty.Client, logger *zap.Logger) *HTTP {
	return newHTTP(TypeHTTPPost, http.MethodPost, client, logger)
}

func newHTTP(nodeType, method string, client *resty.Client, logger *zap.Logger) *HTTP {
	if client == nil {
		client = NewHTTPClient()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{nodeType: nodeType, method: method, client: client, logger: logger}
}

func (h *HTTP) Execute(ctx context.Context, config map[string]interface{}, ec *shared.ExecutionContext) (interface{}, error) {
	var cfg httpConfig
	if err := decodeConfig(h.nodeType, config, &cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("%s: url is required", h.nodeType)
	}

	url, err := templating.Resolve(cfg.URL, ec)
	if err != nil {
		return nil, err
	}
	headers, err := resolveStrings(cfg.Headers, ec)
	if err != nil {
		return nil, err
	}
	query, err := resolveStrings(cfg.Query, ec)
	if err != nil {
		return nil, err
	}

	req := h.client.R().SetContext(ctx).SetHeaders(headers).SetQueryParams(query)
	if h.method == http.MethodPost {
		body := cfg.Body
		if body == nil {
			body = map[string]interface{}{}
		}
		resolved, err := templating.ResolveValue(body, ec)
		if err != nil {
			return nil, err
		}
		req.SetHeader("Content-Type", "application/json").SetBody(resolved)
	}

	h.logger.Info("HTTP request", zap.String("method", h.method), zap.String("url", url))

	resp, err := req.Execute(h.method, url)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", h.method, url, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("Request failed with status code %d", resp.StatusCode())
	}
	return decodeBody(resp.Header().Get("Content-Type"), resp.Body()), nil
}

func resolveStrings(in map[string]string, ec *shared.ExecutionContext) (map[string]string, error) {
	out := make(map[string]string, len(in))
	for k, v := range in {
		resolved, err := templating.Resolve(v, ec)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

// decodeBody returns JSON bodies as data and anything else as text
func decodeBody(contentType string, body []byte) interface{} {
	if len(body) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") || json.Valid(body) {
		var out interface{}
		if err := json.Unmarshal(body, &out); err == nil {
			return out
		}
	}
	return string(body)
}
