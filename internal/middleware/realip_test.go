package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"cf header wins", map[string]string{
			"CF-Connecting-IP": "203.0.113.1",
			"X-Forwarded-For":  "198.51.100.2, 10.0.0.1",
		}, "203.0.113.1"},
		{"first xff entry", map[string]string{
			"X-Forwarded-For": "198.51.100.2, 10.0.0.1",
		}, "198.51.100.2"},
		{"xff whitespace trimmed", map[string]string{
			"X-Forwarded-For": "  198.51.100.7 , 10.0.0.1",
		}, "198.51.100.7"},
		{"no headers", nil, "unknown"},
		{"empty xff", map[string]string{"X-Forwarded-For": " , 10.0.0.1"}, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := ExtractClientIP(r); got != tt.want {
				t.Errorf("ExtractClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRealIPContext(t *testing.T) {
	var got string
	h := RealIP()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIPFromContext(r.Context())
	}))

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("CF-Connecting-IP", "203.0.113.5")
	h.ServeHTTP(httptest.NewRecorder(), r)

	if got != "203.0.113.5" {
		t.Errorf("context ip = %q", got)
	}
}
