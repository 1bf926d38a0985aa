package peercomms

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Transport posts a JSON body and returns the response status and body.
// LAN destinations can use the subprocess transport when the host network
// stack mishandles LAN sockets; relay destinations always use the native
// client.
type Transport interface {
	PostJSON(ctx context.Context, url string, headers map[string]string, body []byte) (int, []byte, error)
}

// NewTransport selects a transport by config name.
func NewTransport(kind string) Transport {
	if kind == "subprocess" {
		return &CurlTransport{}
	}
	return NewNativeTransport()
}

// NativeTransport uses the standard HTTP client with explicit connect and
// total timeouts.
type NativeTransport struct {
	client *http.Client
}

// NewNativeTransport builds the default transport.
func NewNativeTransport() *NativeTransport {
	return &NativeTransport{
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			},
		},
	}
}

// PostJSON implements Transport.
func (t *NativeTransport) PostJSON(ctx context.Context, url string, headers map[string]string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// getJSON issues a plain GET; heartbeat probes need it and the Transport
// interface only covers POST.
func getJSON(ctx context.Context, url string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// CurlTransport shells out to curl for LAN destinations.
type CurlTransport struct{}

// PostJSON implements Transport via a curl subprocess. The status code is
// appended to the output with a write-out marker and split off afterwards.
func (t *CurlTransport) PostJSON(ctx context.Context, url string, headers map[string]string, body []byte) (int, []byte, error) {
	args := []string{
		"-sS",
		"--connect-timeout", "5",
		"--max-time", "10",
		"-X", "POST",
		"-H", "Content-Type: application/json",
	}
	for k, v := range headers {
		args = append(args, "-H", k+": "+v)
	}
	args = append(args,
		"--data-binary", "@-",
		"-w", "\n%{http_code}",
		url,
	)

	cmd := exec.CommandContext(ctx, "curl", args...)
	cmd.Stdin = bytes.NewReader(body)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, nil, fmt.Errorf("curl: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	out := stdout.String()
	idx := strings.LastIndexByte(out, '\n')
	if idx < 0 {
		return 0, nil, fmt.Errorf("curl output missing status marker")
	}
	status, err := strconv.Atoi(strings.TrimSpace(out[idx+1:]))
	if err != nil {
		return 0, nil, fmt.Errorf("curl status marker unparseable: %w", err)
	}
	return status, []byte(out[:idx]), nil
}
