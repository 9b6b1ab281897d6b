package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func echoJSON(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"echo":` + string(body) + `}`))
}

func gzipped(t *testing.T, s string) io.Reader {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(s)); err != nil {
		t.Fatalf("write gzip: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return &buf
}

func TestGzipMiddleware(t *testing.T) {
	const payload = `{"reference":"TXN-1","status":"success"}`

	tests := []struct {
		name           string
		body           func(t *testing.T) io.Reader
		requestGzip    bool
		acceptGzip     bool
		wantStatus     int
		wantCompressed bool
		wantBody       string
	}{
		{
			name:           "plain request, gzip response",
			body:           func(t *testing.T) io.Reader { return strings.NewReader(payload) },
			acceptGzip:     true,
			wantStatus:     http.StatusOK,
			wantCompressed: true,
			wantBody:       `{"echo":` + payload + `}`,
		},
		{
			name:       "plain request, plain response",
			body:       func(t *testing.T) io.Reader { return strings.NewReader(payload) },
			wantStatus: http.StatusOK,
			wantBody:   `{"echo":` + payload + `}`,
		},
		{
			name:           "compressed webhook body",
			body:           func(t *testing.T) io.Reader { return gzipped(t, payload) },
			requestGzip:    true,
			acceptGzip:     true,
			wantStatus:     http.StatusOK,
			wantCompressed: true,
			wantBody:       `{"echo":` + payload + `}`,
		},
		{
			name:        "broken gzip body",
			body:        func(t *testing.T) io.Reader { return strings.NewReader("not gzip") },
			requestGzip: true,
			wantStatus:  http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/webhooks/vtpass", tt.body(t))
			req.Header.Set("Content-Type", "application/json")
			if tt.requestGzip {
				req.Header.Set("Content-Encoding", "gzip")
			}
			if tt.acceptGzip {
				req.Header.Set("Accept-Encoding", "gzip")
			}

			w := httptest.NewRecorder()
			GzipMiddleware(http.HandlerFunc(echoJSON)).ServeHTTP(w, req)

			res := w.Result()
			defer res.Body.Close()

			if res.StatusCode != tt.wantStatus {
				t.Fatalf("status: got %d want %d", res.StatusCode, tt.wantStatus)
			}
			if tt.wantBody == "" {
				return
			}

			compressed := res.Header.Get("Content-Encoding") == "gzip"
			if compressed != tt.wantCompressed {
				t.Fatalf("content-encoding gzip = %v, want %v", compressed, tt.wantCompressed)
			}

			var reader io.Reader = res.Body
			if compressed {
				gr, err := gzip.NewReader(res.Body)
				if err != nil {
					t.Fatalf("new gzip reader: %v", err)
				}
				defer gr.Close()
				reader = gr
			}
			body, err := io.ReadAll(reader)
			if err != nil {
				t.Fatalf("read body: %v", err)
			}
			if string(body) != tt.wantBody {
				t.Fatalf("body = %q, want %q", body, tt.wantBody)
			}
		})
	}
}
