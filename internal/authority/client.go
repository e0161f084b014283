// Package authority is the request/response boundary to the remote device
// authority: device listing and CRUD, script upload and queue control.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/markus-barta/lockfleet/internal/protocol"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Client defines the authority operations the panel needs.
// This interface allows for easy mocking in tests.
type Client interface {
	// ListDevices returns every device visible to the token.
	ListDevices(ctx context.Context) ([]protocol.Device, error)

	// GetDevice returns a single device.
	GetDevice(ctx context.Context, mac string) (*protocol.Device, error)

	AddDevice(ctx context.Context, dev protocol.NewDevice) (*protocol.Device, error)
	DeleteDevice(ctx context.Context, mac string) error

	// ListScripts returns the full script set of a device.
	ListScripts(ctx context.Context, mac string) ([]protocol.ScriptMeta, error)

	// UploadScript stores content under name on the device, replacing any
	// script with the same name.
	UploadScript(ctx context.Context, mac, name string, content io.Reader) error

	EnqueueScript(ctx context.Context, mac, name string) (*Ack, error)
	DequeueScript(ctx context.Context, mac, name string) (*Ack, error)
	DeleteScript(ctx context.Context, mac, name string) error
}

// Ack is the authority's confirmation body.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// HTTPClient talks to the authority over HTTP.
type HTTPClient struct {
	token      string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        zerolog.Logger
}

// ClientConfig holds configuration for the authority client.
type ClientConfig struct {
	Token   string // bearer token sent on every request
	BaseURL string // e.g. https://authority.example.com
	Timeout time.Duration

	// RequestsPerSecond caps outgoing requests. Zero means 5/s.
	RequestsPerSecond float64
	Burst             int
}

// NewClient creates a new authority client.
func NewClient(cfg ClientConfig, log zerolog.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}

	return &HTTPClient{
		token:   cfg.Token,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     log.With().Str("component", "authority").Logger(),
	}
}

// ListDevices returns every device visible to the token.
func (c *HTTPClient) ListDevices(ctx context.Context) ([]protocol.Device, error) {
	var devices []protocol.Device
	if err := c.do(ctx, "list devices", http.MethodGet, "/api/devices", nil, "", &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// GetDevice returns a single device.
func (c *HTTPClient) GetDevice(ctx context.Context, mac string) (*protocol.Device, error) {
	var dev protocol.Device
	if err := c.do(ctx, "get device", http.MethodGet, "/api/devices/"+url.PathEscape(mac), nil, "", &dev); err != nil {
		return nil, err
	}
	return &dev, nil
}

// AddDevice registers a new device.
func (c *HTTPClient) AddDevice(ctx context.Context, dev protocol.NewDevice) (*protocol.Device, error) {
	body, err := json.Marshal(dev)
	if err != nil {
		return nil, fmt.Errorf("encode device: %w", err)
	}

	var created protocol.Device
	if err := c.do(ctx, "add device", http.MethodPost, "/api/devices", body, "application/json", &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// DeleteDevice removes a device.
func (c *HTTPClient) DeleteDevice(ctx context.Context, mac string) error {
	return c.do(ctx, "delete device", http.MethodDelete, "/api/devices/"+url.PathEscape(mac), nil, "", nil)
}

// ListScripts returns the full script set of a device.
func (c *HTTPClient) ListScripts(ctx context.Context, mac string) ([]protocol.ScriptMeta, error) {
	scripts := []protocol.ScriptMeta{}
	if err := c.do(ctx, "list scripts", http.MethodGet, "/api/scripts/"+url.PathEscape(mac), nil, "", &scripts); err != nil {
		return nil, err
	}
	return scripts, nil
}

// UploadScript sends content as a multipart form with fields file and
// scriptName.
func (c *HTTPClient) UploadScript(ctx context.Context, mac, name string, content io.Reader) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("scriptName", name); err != nil {
		return fmt.Errorf("encode upload: %w", err)
	}
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return fmt.Errorf("encode upload: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return fmt.Errorf("read script content: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("encode upload: %w", err)
	}

	return c.do(ctx, "upload script", http.MethodPost, "/api/scripts/"+url.PathEscape(mac), buf.Bytes(), w.FormDataContentType(), nil)
}

// EnqueueScript asks the authority to queue name for execution.
func (c *HTTPClient) EnqueueScript(ctx context.Context, mac, name string) (*Ack, error) {
	return c.queue(ctx, "enqueue script", "/api/enqueue-script/", mac, name)
}

// DequeueScript removes name from the device's queue.
func (c *HTTPClient) DequeueScript(ctx context.Context, mac, name string) (*Ack, error) {
	return c.queue(ctx, "dequeue script", "/api/dequeue-script/", mac, name)
}

// DeleteScript removes a script from the device.
func (c *HTTPClient) DeleteScript(ctx context.Context, mac, name string) error {
	path := "/api/scripts/" + url.PathEscape(mac) + "/" + url.PathEscape(name)
	return c.do(ctx, "delete script", http.MethodDelete, path, nil, "", nil)
}

func (c *HTTPClient) queue(ctx context.Context, op, prefix, mac, name string) (*Ack, error) {
	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", op, err)
	}

	ack := &Ack{Success: true}
	if err := c.do(ctx, op, http.MethodPost, prefix+url.PathEscape(mac), body, "application/json", ack); err != nil {
		return nil, err
	}
	return ack, nil
}

// do executes a rate-limited, authenticated request and decodes a JSON
// response into result when result is non-nil.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, body []byte, contentType string, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &TransportError{Op: op, Err: err}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("authority request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &AuthorityError{Op: op, Status: resp.StatusCode, Message: errorMessage(data, resp.Status)}
	}

	if result != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return &AuthorityError{Op: op, Status: resp.StatusCode, Message: "invalid response: " + err.Error()}
		}
	}
	return nil
}

// errorMessage extracts {"error": "..."} or {"errors": [...]} from a failed
// response, falling back to the raw body.
func errorMessage(data []byte, status string) string {
	var body struct {
		Error  string   `json:"error"`
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if len(body.Errors) > 0 {
			return strings.Join(body.Errors, "; ")
		}
	}
	if text := strings.TrimSpace(string(data)); text != "" {
		return text
	}
	return status
}

// Ensure HTTPClient implements Client interface.
var _ Client = (*HTTPClient)(nil)
