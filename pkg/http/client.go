package http

import (
	"fmt"
	"net/http"
	"time"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/config"
	"github.com/helloemzy/personal-brand-dna-sub000/pkg/circuitbreaker"
)

// Client is a custom HTTP client that wraps the standard http.Client and
// provides built-in circuit breaking. The publisher agent uses it for calls
// to external platform APIs.
type Client struct {
	httpClient *http.Client
	breaker    circuitbreaker.CircuitBreaker
}

// NewClient creates a new Client with a circuit breaker configured.
func NewClient(cfg config.CircuitBreakerConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{httpClient: http.DefaultClient, breaker: nil}, nil
	}

	breaker, err := createCircuitBreaker(cfg)
	if err != nil {
		return nil, err
	}

	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		breaker:    breaker,
	}, nil
}

// Do executes an HTTP request with circuit breaker protection.
// Status codes >= 500 count as failures.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.breaker == nil {
		return c.httpClient.Do(req)
	}

	res, breakerErr := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return resp, fmt.Errorf("server error: received status code %d", resp.StatusCode)
		}
		return resp, nil
	})
	if breakerErr != nil {
		return nil, breakerErr
	}
	return res.(*http.Response), nil
}
