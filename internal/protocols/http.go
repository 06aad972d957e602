package protocols

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nmslite/hwsentry/internal/connector"
	"github.com/nmslite/hwsentry/internal/source"
)

// maxHTTPBody caps the response size read from a device.
const maxHTTPBody = 4 << 20

// HTTPExecutor runs http sources against a device's management interface.
type HTTPExecutor struct {
	timeout time.Duration
}

// NewHTTPExecutor creates an HTTP executor.
func NewHTTPExecutor(timeout time.Duration) *HTTPExecutor {
	return &HTTPExecutor{timeout: timeout}
}

// Execute implements Executor. The response body is split into rows and
// cells with the source separators.
func (e *HTTPExecutor) Execute(ctx context.Context, target *Target, src *connector.Source) (*source.Table, error) {
	creds := target.HTTP
	if creds == nil {
		creds = &HTTPCredentials{}
	}

	method := strings.ToUpper(src.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if src.Body != "" {
		body = strings.NewReader(src.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, httpURL(target.Hostname, creds, src.Path), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if creds.Username != "" {
		req.SetBasicAuth(creds.Username, creds.Password)
	}

	client := &http.Client{Timeout: e.timeout}
	if creds.HTTPS && creds.Insecure {
		client.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return source.ParseCSV(string(data), src.Separators), nil
}

func httpURL(hostname string, creds *HTTPCredentials, path string) string {
	scheme := "http"
	if creds.HTTPS {
		scheme = "https"
	}
	host := hostname
	if creds.Port != 0 {
		host = net.JoinHostPort(hostname, strconv.Itoa(creds.Port))
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := url.URL{Scheme: scheme, Host: host}
	return u.String() + path
}
