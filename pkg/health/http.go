package health

import (
	"context"
	"io"
	"net/http"
	"time"
)

// maxBodyDrain bounds how much of a probe response is read before closing
const maxBodyDrain = 64 << 10

// HTTPChecker reports a service ready once a GET on its published port
// answers with a status in [StatusMin, StatusMax]. Redirects are not
// followed; a 3xx counts as an answer.
type HTTPChecker struct {
	URL       string
	StatusMin int
	StatusMax int
	Client    *http.Client
}

// NewHTTPChecker creates a checker accepting 200-399
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:       url,
		StatusMin: http.StatusOK,
		StatusMax: 399,
		Client: &http.Client{
			Timeout: DefaultConfig().Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Check issues one GET
func (c *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return failed(start, "build request: %v", err)
	}
	req.Header.Set("User-Agent", "topo-probe")

	resp, err := c.Client.Do(req)
	if err != nil {
		return failed(start, "GET %s: %v", c.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyDrain))

	if resp.StatusCode < c.StatusMin || resp.StatusCode > c.StatusMax {
		return failed(start, "GET %s: HTTP %d, want %d-%d", c.URL, resp.StatusCode, c.StatusMin, c.StatusMax)
	}
	return passed(start, "GET %s: HTTP %d", c.URL, resp.StatusCode)
}

func (c *HTTPChecker) Type() CheckType { return CheckTypeHTTP }

// WithStatusRange sets the accepted status range
func (c *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	c.StatusMin, c.StatusMax = min, max
	return c
}

// WithTimeout sets the request timeout
func (c *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	c.Client.Timeout = timeout
	return c
}
