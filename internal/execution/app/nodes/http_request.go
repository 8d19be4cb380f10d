package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/resilience"
)

type HTTPRequestConfig struct {
	Method         string            `mapstructure:"method"`
	URL            string            `mapstructure:"url"`
	Headers        map[string]string `mapstructure:"headers"`
	Query          map[string]string `mapstructure:"query"`
	Body           interface{}       `mapstructure:"body"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
	ExpectedStatus []int             `mapstructure:"expected_status"`
}

type HTTPRequestProcessor struct {
	client HTTPClient
}

func NewHTTPRequestProcessor(client HTTPClient) *HTTPRequestProcessor {
	return &HTTPRequestProcessor{client: client}
}

func (p *HTTPRequestProcessor) Type() string { return workflow.NodeTypeHTTPRequest }

func (p *HTTPRequestProcessor) Validate(config map[string]interface{}) error {
	if err := requireKeys(config, "url"); err != nil {
		return err
	}
	if m, ok := config["method"].(string); ok {
		switch strings.ToUpper(m) {
		case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead:
		default:
			return fmt.Errorf("unsupported method %q", m)
		}
	}
	return nil
}

func (p *HTTPRequestProcessor) Execute(ctx context.Context, req *Request) (*Result, error) {
	if p.client == nil {
		return nil, fmt.Errorf("no http client configured")
	}
	var cfg HTTPRequestConfig
	if err := req.Decode(&cfg); err != nil {
		return nil, err
	}
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}

	target, err := url.Parse(cfg.URL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid url %q", cfg.URL)
	}
	if len(cfg.Query) > 0 {
		q := target.Query()
		for k, v := range cfg.Query {
			q.Set(k, v)
		}
		target.RawQuery = q.Encode()
	}

	headers := make(map[string]string, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	var body []byte
	switch b := cfg.Body.(type) {
	case nil:
	case string:
		body = []byte(b)
	default:
		body, err = json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		if _, ok := headers["Content-Type"]; !ok {
			headers["Content-Type"] = "application/json"
		}
	}

	resp, err := p.client.Do(ctx, &HTTPRequest{
		Method:  method,
		URL:     target.String(),
		Headers: headers,
		Body:    body,
		Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}

	sideEffects := !safeMethod(method)
	if !statusExpected(resp.StatusCode, cfg.ExpectedStatus) {
		return nil, workflow.NewNodeError(
			fmt.Errorf("%s %s returned status %d", method, target.Redacted(), resp.StatusCode),
			sideEffects,
		)
	}

	return &Result{
		Output: output(
			"status_code", resp.StatusCode,
			"headers", resp.Headers,
			"body", decodeBody(resp.Body),
		),
		SideEffectsApplied: sideEffects,
	}, nil
}

func safeMethod(m string) bool {
	return m == http.MethodGet || m == http.MethodHead
}

func statusExpected(code int, expected []int) bool {
	if len(expected) == 0 {
		return code >= 200 && code < 300
	}
	for _, c := range expected {
		if c == code {
			return true
		}
	}
	return false
}

func decodeBody(b []byte) interface{} {
	var v interface{}
	if len(b) > 0 && json.Unmarshal(b, &v) == nil {
		return v
	}
	return string(b)
}

// DefaultHTTPClient is the net/http collaborator guarded by one circuit breaker per host.
type DefaultHTTPClient struct {
	client   *http.Client
	breakers *resilience.CircuitBreakerRegistry
	maxBody  int64
}

func NewDefaultHTTPClient(timeout time.Duration, breakers *resilience.CircuitBreakerRegistry) *DefaultHTTPClient {
	if breakers == nil {
		breakers = resilience.NewCircuitBreakerRegistry(resilience.DefaultCircuitBreakerConfig("http"))
	}
	return &DefaultHTTPClient{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		breakers: breakers,
		maxBody:  10 << 20,
	}
}

func (c *DefaultHTTPClient) Do(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	resp, err := resilience.Call(ctx, c.breakers.Get(u.Host), func(ctx context.Context) (*HTTPResponse, error) {
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
		if err != nil {
			return nil, err
		}
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}
		resp, err := c.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
		if err != nil {
			return nil, err
		}
		headers := make(map[string]string, len(resp.Header))
		for k := range resp.Header {
			headers[k] = resp.Header.Get(k)
		}
		out := &HTTPResponse{StatusCode: resp.StatusCode, Headers: headers, Body: data}
		if resp.StatusCode >= 500 {
			// count 5xx against the breaker but still hand the response back
			return out, fmt.Errorf("upstream status %d", resp.StatusCode)
		}
		return out, nil
	})
	if resp != nil {
		return resp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, u.Redacted(), err)
	}
	return nil, fmt.Errorf("%s %s: empty response", req.Method, u.Redacted())
}
