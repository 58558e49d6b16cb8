package admission

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nhalm/admission/identity"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "forwarded-for single entry",
			remoteAddr: "10.0.0.1:1234",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7"},
			want:       "203.0.113.7",
		},
		{
			name:       "forwarded-for takes first entry",
			remoteAddr: "10.0.0.1:1234",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7, 198.51.100.1, 10.0.0.1"},
			want:       "203.0.113.7",
		},
		{
			name:       "forwarded-for entries are trimmed",
			remoteAddr: "10.0.0.1:1234",
			headers:    map[string]string{"X-Forwarded-For": "  203.0.113.7  , 198.51.100.1"},
			want:       "203.0.113.7",
		},
		{
			name:       "forwarded-for wins over real-ip",
			remoteAddr: "10.0.0.1:1234",
			headers: map[string]string{
				"X-Forwarded-For": "203.0.113.7",
				"X-Real-IP":       "198.51.100.1",
			},
			want: "203.0.113.7",
		},
		{
			name:       "real-ip fallback",
			remoteAddr: "10.0.0.1:1234",
			headers:    map[string]string{"X-Real-IP": "198.51.100.1"},
			want:       "198.51.100.1",
		},
		{
			name:       "remote addr strips port",
			remoteAddr: "203.0.113.7:52180",
			want:       "203.0.113.7",
		},
		{
			name:       "ipv6 remote addr",
			remoteAddr: "[2001:db8::1]:52180",
			want:       "2001:db8::1",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "203.0.113.7",
			want:       "203.0.113.7",
		},
		{
			name: "nothing identifiable pools into unknown",
			want: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDefaultKey(t *testing.T) {
	keyFn := DefaultKey()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:52180"
	if got := keyFn(req); got != "rate:ip:203.0.113.7" {
		t.Errorf("anonymous key = %q, want rate:ip:203.0.113.7", got)
	}

	req = req.WithContext(identity.WithIdentity(req.Context(), "user-42"))
	if got := keyFn(req); got != "rate:user:user-42" {
		t.Errorf("identified key = %q, want rate:user:user-42", got)
	}
}

func TestCustomKey(t *testing.T) {
	keyFn := CustomKey(func(r *http.Request) string {
		return "login:" + r.Header.Get("X-Real-IP")
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Real-IP", "203.0.113.7")
	if got := keyFn(req); got != "rate:login:203.0.113.7" {
		t.Errorf("custom key = %q, want rate:login:203.0.113.7", got)
	}
}
