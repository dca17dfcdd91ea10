package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddlewareIssuesAndReusesClientID(t *testing.T) {
	t.Parallel()

	var gotClient, gotSession string
	h := Middleware(true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotClient = ClientIDFromContext(r.Context())
		gotSession = SessionIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.Header.Set(SessionHeaderName, "sess-1")
	h.ServeHTTP(rec, req)

	if !isValidAnonID(gotClient) {
		t.Fatalf("expected generated client id, got %q", gotClient)
	}
	if gotSession != "sess-1" {
		t.Errorf("session id = %q, want sess-1", gotSession)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != gotClient {
		t.Fatalf("expected cookie with client id, got %v", cookies)
	}

	first := gotClient
	req = httptest.NewRequest(http.MethodGet, "/api/v1/sessions?session_id=from-query", nil)
	req.AddCookie(cookies[0])
	h.ServeHTTP(httptest.NewRecorder(), req)
	if gotClient != first {
		t.Errorf("client id changed: %q -> %q", first, gotClient)
	}
	if gotSession != "from-query" {
		t.Errorf("session id = %q, want from-query", gotSession)
	}
}

func TestSanitizeSessionID(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":                 "",
		"  abc-123 ":       "abc-123",
		"has space":        "",
		"../../etc/passwd": "",
		"a:b.c_d":          "a:b.c_d",
	}
	for in, want := range tests {
		if got := SanitizeSessionID(in); got != want {
			t.Errorf("SanitizeSessionID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIPFromRequest(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	if got := IPFromRequest(req); got != "10.0.0.1" {
		t.Errorf("IPFromRequest = %q", got)
	}
}
