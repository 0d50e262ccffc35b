package link

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/agvlink/internal/agv"
	"github.com/banshee-data/agvlink/internal/agv/wire"
)

// localHostRequest creates an httptest request that appears to come from localhost.
// This bypasses tsweb.AllowDebugAccess which checks for loopback IPs.
func localHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestAttachAdminRoutes_CommandAPI(t *testing.T) {
	s, conn := connectedSession(t, Config{})
	mux := http.NewServeMux()
	s.AttachAdminRoutes(mux)

	tests := []struct {
		name           string
		method         string
		form           url.Values
		expectedStatus int
		bodyContains   string
	}{
		{"drive", http.MethodPost, url.Values{"command": {"drive 200 0"}}, http.StatusOK, "drive v=200 w=0"},
		{"missing", http.MethodPost, url.Values{}, http.StatusBadRequest, "Missing command"},
		{"unknown", http.MethodPost, url.Values{"command": {"dance"}}, http.StatusBadRequest, "unknown command"},
		{"get", http.MethodGet, nil, http.StatusMethodNotAllowed, "Method not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.form != nil {
				body = strings.NewReader(tt.form.Encode())
			}
			req := localHostRequest(tt.method, "/debug/link-api", body)
			if tt.form != nil {
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			}
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.expectedStatus, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tt.bodyContains) {
				t.Errorf("body %q does not contain %q", rec.Body.String(), tt.bodyContains)
			}
		})
	}

	if got := conn.Written(); string(got) != string([]byte{0xD1, 0xC8, 0x00, 0x00, 0x00}) {
		t.Errorf("written = % X", got)
	}
}

func TestAttachAdminRoutes_CommandAPINotConnected(t *testing.T) {
	s := NewSession(Config{Dialer: NewMockDialer()})
	defer s.Close()
	mux := http.NewServeMux()
	s.AttachAdminRoutes(mux)

	req := localHostRequest(http.MethodPost, "/debug/link-api", strings.NewReader("command=stop"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestAttachAdminRoutes_Page(t *testing.T) {
	s := NewSession(Config{Name: "ctrl", Dialer: NewMockDialer()})
	defer s.Close()
	mux := http.NewServeMux()
	s.AttachAdminRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/ctrl", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "/debug/ctrl-tail") || !strings.Contains(body, "disconnected") {
		t.Errorf("unexpected page: %s", body)
	}
}

func TestAttachAdminRoutes_Tail(t *testing.T) {
	s, conn := connectedSession(t, Config{})
	mux := http.NewServeMux()
	s.AttachAdminRoutes(mux)

	ctx, cancel := context.WithCancel(context.Background())
	req := localHostRequest(http.MethodGet, "/debug/link-tail", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		mux.ServeHTTP(rec, req)
		close(done)
	}()

	// wait for the handler to subscribe before producing data
	deadline := time.Now().Add(time.Second)
	for {
		s.subscriberMu.Lock()
		n := len(s.subscribers)
		s.subscriberMu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	conn.AddReadData(wire.EncodeIMU(agv.IMUSample{Seq: 3, Roll: 1}))
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tail handler did not exit")
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, ": ping\n\n") {
		t.Errorf("missing initial ping: %q", body)
	}
	if !strings.Contains(body, "event: imu\n") || !strings.Contains(body, `"seq":3`) {
		t.Errorf("sample event missing: %q", body)
	}
}
