package authority

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/markus-barta/lockfleet/internal/protocol"
	"github.com/rs/zerolog"
)

const testMAC = "AA:BB:CC:DD:EE:FF"

// mockAuthority records requests and serves canned responses.
type mockAuthority struct {
	t *testing.T

	mu       sync.Mutex
	requests []string
	uploads  map[string]string // scriptName → content
	queued   []string
}

func newMockAuthority(t *testing.T) (*mockAuthority, *httptest.Server) {
	t.Helper()
	m := &mockAuthority{t: t, uploads: make(map[string]string)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/devices", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]any{
			{"macAddress": testMAC, "name": "Front door", "emoji": "🚪", "lastPingTime": 1700000000.5,
				"scripts": []map[string]any{{"name": "unlock.py", "status": "idle"}}},
			{"macAddress": "11:22:33:44:55:66", "name": "Garage", "lastPingTime": 0},
		})
	})
	mux.HandleFunc("GET /api/devices/{mac}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("mac") != testMAC {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Device not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"macAddress": testMAC, "name": "Front door", "lastPingTime": 1700000001})
	})
	mux.HandleFunc("POST /api/devices", func(w http.ResponseWriter, r *http.Request) {
		var nd protocol.NewDevice
		if err := json.NewDecoder(r.Body).Decode(&nd); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "No data provided"})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"macAddress": nd.MACAddress, "name": nd.Name, "emoji": nd.Emoji, "scripts": []any{}})
	})
	mux.HandleFunc("DELETE /api/devices/{mac}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Device removed"})
	})
	mux.HandleFunc("GET /api/scripts/{mac}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]any{
			{"name": "unlock.py", "status": "queued", "queuePosition": 2},
		})
	})
	mux.HandleFunc("POST /api/scripts/{mac}", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "No file provided"})
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)

		m.mu.Lock()
		m.uploads[r.FormValue("scriptName")] = string(data)
		m.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Script " + hdr.Filename + " uploaded successfully"})
	})
	mux.HandleFunc("DELETE /api/scripts/{mac}/{name}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("name") != "unlock.py" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Script or device not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})
	mux.HandleFunc("POST /api/enqueue-script/{mac}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Name == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Script name is required"})
			return
		}
		m.mu.Lock()
		m.queued = append(m.queued, body.Name)
		m.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Script enqueued"})
	})
	mux.HandleFunc("POST /api/dequeue-script/{mac}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Failed to dequeue script"})
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Missing Authorization Header"})
			return
		}
		m.mu.Lock()
		m.requests = append(m.requests, r.Method+" "+r.URL.Path)
		m.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return m, srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(srv *httptest.Server, token string) *HTTPClient {
	return NewClient(ClientConfig{
		Token:             token,
		BaseURL:           srv.URL + "/",
		Timeout:           5 * time.Second,
		RequestsPerSecond: 1000,
		Burst:             100,
	}, zerolog.Nop())
}

func TestListDevices(t *testing.T) {
	_, srv := newMockAuthority(t)
	c := newTestClient(srv, "secret")

	devices, err := c.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(devices))
	}

	front := devices[0]
	if front.MACAddress != testMAC || front.LastPingTime != 1700000000.5 {
		t.Errorf("device[0] = %+v", front)
	}
	if len(front.Scripts) != 1 || front.Scripts[0].Status != protocol.ScriptIdle {
		t.Errorf("device[0].Scripts = %+v", front.Scripts)
	}
	if devices[1].Scripts != nil {
		t.Errorf("device[1].Scripts = %+v, want nil when omitted", devices[1].Scripts)
	}
}

func TestListDevices_ScriptsKeyedByName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"macAddress":"`+testMAC+`","lastPingTime":1700000000,`+
			`"scripts":{"s1":{"status":"running"},"s2":{"name":"s2","status":"idle"}}}]`)
	}))
	defer srv.Close()

	devices, err := newTestClient(srv, "secret").ListDevices(context.Background())
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 1 || len(devices[0].Scripts) != 2 {
		t.Fatalf("devices = %+v", devices)
	}
	if s := devices[0].Scripts[0]; s.Name != "s1" || s.Status != protocol.ScriptRunning {
		t.Errorf("scripts[0] = %+v", s)
	}
}

func TestGetDevice_NotFound(t *testing.T) {
	_, srv := newMockAuthority(t)
	c := newTestClient(srv, "secret")

	dev, err := c.GetDevice(context.Background(), testMAC)
	if err != nil || dev.LastPingTime != 1700000001 {
		t.Fatalf("GetDevice = %+v, %v", dev, err)
	}

	_, err = c.GetDevice(context.Background(), "00:00:00:00:00:00")
	if !IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
	var ae *AuthorityError
	if !errors.As(err, &ae) || ae.Message != "Device not found" {
		t.Errorf("authority message = %v", err)
	}
}

func TestAddAndDeleteDevice(t *testing.T) {
	m, srv := newMockAuthority(t)
	c := newTestClient(srv, "secret")

	dev, err := c.AddDevice(context.Background(), protocol.NewDevice{MACAddress: testMAC, Name: "Back door", Emoji: "🔒"})
	if err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	if dev.Name != "Back door" || dev.Scripts == nil {
		t.Errorf("created = %+v", dev)
	}

	if err := c.DeleteDevice(context.Background(), testMAC); err != nil {
		t.Fatalf("DeleteDevice: %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	want := []string{"POST /api/devices", "DELETE /api/devices/" + testMAC}
	if strings.Join(m.requests, "|") != strings.Join(want, "|") {
		t.Errorf("requests = %v, want %v", m.requests, want)
	}
}

func TestUploadScript(t *testing.T) {
	m, srv := newMockAuthority(t)
	c := newTestClient(srv, "secret")

	if err := c.UploadScript(context.Background(), testMAC, "unlock.py", strings.NewReader("print('open')")); err != nil {
		t.Fatalf("UploadScript: %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if got := m.uploads["unlock.py"]; got != "print('open')" {
		t.Errorf("uploaded content = %q", got)
	}
}

func TestScriptQueue(t *testing.T) {
	m, srv := newMockAuthority(t)
	c := newTestClient(srv, "secret")
	ctx := context.Background()

	ack, err := c.EnqueueScript(ctx, testMAC, "unlock.py")
	if err != nil {
		t.Fatalf("EnqueueScript: %v", err)
	}
	if !ack.Success || ack.Message != "Script enqueued" {
		t.Errorf("ack = %+v", ack)
	}
	m.mu.Lock()
	if len(m.queued) != 1 || m.queued[0] != "unlock.py" {
		t.Errorf("queued = %v", m.queued)
	}
	m.mu.Unlock()

	_, err = c.DequeueScript(ctx, testMAC, "unlock.py")
	var ae *AuthorityError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want AuthorityError", err)
	}
	if ae.Status != http.StatusBadRequest || ae.Message != "Failed to dequeue script" {
		t.Errorf("AuthorityError = %+v", ae)
	}

	scripts, err := c.ListScripts(ctx, testMAC)
	if err != nil {
		t.Fatalf("ListScripts: %v", err)
	}
	if len(scripts) != 1 || scripts[0].QueuePosition != 2 {
		t.Errorf("scripts = %+v", scripts)
	}
}

func TestDeleteScript(t *testing.T) {
	_, srv := newMockAuthority(t)
	c := newTestClient(srv, "secret")

	if err := c.DeleteScript(context.Background(), testMAC, "unlock.py"); err != nil {
		t.Fatalf("DeleteScript: %v", err)
	}
	if err := c.DeleteScript(context.Background(), testMAC, "missing.py"); !IsNotFound(err) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name      string
		client    func(t *testing.T) *HTTPClient
		transport bool
		status    int
	}{
		{
			name: "bad token",
			client: func(t *testing.T) *HTTPClient {
				_, srv := newMockAuthority(t)
				return newTestClient(srv, "wrong")
			},
			status: http.StatusUnauthorized,
		},
		{
			name: "unreachable",
			client: func(t *testing.T) *HTTPClient {
				_, srv := newMockAuthority(t)
				c := newTestClient(srv, "secret")
				srv.Close()
				return c
			},
			transport: true,
		},
		{
			name: "plain text error body",
			client: func(t *testing.T) *HTTPClient {
				srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					http.Error(w, "gateway melted", http.StatusBadGateway)
				}))
				t.Cleanup(srv.Close)
				return newTestClient(srv, "secret")
			},
			status: http.StatusBadGateway,
		},
		{
			name: "unparsable success body",
			client: func(t *testing.T) *HTTPClient {
				srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.Header().Set("Content-Type", "application/json")
					_, _ = io.WriteString(w, `{"devices": "oops"`)
				}))
				t.Cleanup(srv.Close)
				return newTestClient(srv, "secret")
			},
			status: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.client(t).ListDevices(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}

			var te *TransportError
			if tt.transport != errors.As(err, &te) {
				t.Fatalf("TransportError = %v, want %v (err: %v)", !tt.transport, tt.transport, err)
			}
			if tt.transport {
				return
			}

			var ae *AuthorityError
			if !errors.As(err, &ae) || ae.Status != tt.status {
				t.Fatalf("err = %v, want status %d", err, tt.status)
			}
			if ae.Message == "" {
				t.Error("authority message is empty")
			}
		})
	}
}

func TestCancelledContextIsTransportError(t *testing.T) {
	_, srv := newMockAuthority(t)
	c := newTestClient(srv, "secret")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.ListDevices(ctx)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled in chain", err)
	}
}
