package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/YKarmar/JobFunnel/internal/apperr"
	"github.com/YKarmar/JobFunnel/internal/scan"
	"github.com/YKarmar/JobFunnel/internal/types"
	"github.com/YKarmar/JobFunnel/internal/vault"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeAuth struct {
	mu        sync.Mutex
	sessions  map[string]*types.Session
	loggedOut []string
	exchange  error
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{sessions: map[string]*types.Session{
		"s1": {ID: "s1", Provider: types.ProviderGoogle, OwnerEmail: "me@example.com"},
	}}
}

func (f *fakeAuth) BeginAuth(p types.Provider, next string) (*vault.AuthStart, error) {
	return &vault.AuthStart{URL: "https://idp.example/authorize?state=st-" + string(p), State: "st-" + string(p)}, nil
}

func (f *fakeAuth) CompleteAuth(_ context.Context, p types.Provider, code, state string) (*types.Session, string, error) {
	if f.exchange != nil {
		return nil, "", f.exchange
	}
	s := &types.Session{ID: "s2", Provider: p}
	f.mu.Lock()
	f.sessions[s.ID] = s
	f.mu.Unlock()
	return s, "/results", nil
}

func (f *fakeAuth) Session(_ context.Context, id string) (*types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		return s, nil
	}
	return nil, apperr.New(apperr.KindAuthExpired, "session not found")
}

func (f *fakeAuth) Logout(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	f.loggedOut = append(f.loggedOut, id)
	return nil
}

func (f *fakeAuth) IssueCookie(id string) (string, error) { return "signed." + id, nil }

func (f *fakeAuth) SessionIDFromCookie(v string) (string, error) {
	id, ok := strings.CutPrefix(v, "signed.")
	if !ok {
		return "", apperr.New(apperr.KindAuthExpired, "bad cookie")
	}
	return id, nil
}

func (f *fakeAuth) SessionTTL() time.Duration { return time.Hour }

type fakeScanner struct {
	got scan.Request
	res *types.ScanResult
	err error
}

func (f *fakeScanner) Run(_ context.Context, req scan.Request) (*types.ScanResult, error) {
	f.got = req
	return f.res, f.err
}

func newTestRouter(auth Auth, sc Scanner) *Router {
	return NewRouter(Options{
		Auth:           auth,
		Scanner:        sc,
		FrontendURL:    "http://app.example/",
		AllowedOrigins: []string{"http://app.example"},
	})
}

func do(rt *Router, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	rt.Engine.ServeHTTP(w, req)
	return w
}

func withSession(req *http.Request, id string) *http.Request {
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "signed." + id})
	return req
}

func errorKind(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		OK    bool `json:"ok"`
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	if body.OK {
		t.Fatalf("error response has ok=true")
	}
	return body.Error.Kind
}

func TestHealth(t *testing.T) {
	rt := newTestRouter(newFakeAuth(), &fakeScanner{})
	w := do(rt, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok":true`) {
		t.Fatalf("health = %d %s", w.Code, w.Body.String())
	}
	if w.Header().Get(TraceHeader) == "" {
		t.Error("trace header not set")
	}
}

func TestTraceHeaderIsEchoed(t *testing.T) {
	rt := newTestRouter(newFakeAuth(), &fakeScanner{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(TraceHeader, "abc-123")
	w := do(rt, req)
	if got := w.Header().Get(TraceHeader); got != "abc-123" {
		t.Errorf("trace header = %q", got)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind apperr.Kind
		want int
	}{
		{apperr.KindAuthStateMismatch, http.StatusBadRequest},
		{apperr.KindInvalidRequest, http.StatusBadRequest},
		{apperr.KindAuthExpired, http.StatusUnauthorized},
		{apperr.KindScanInProgress, http.StatusConflict},
		{apperr.KindProviderRateLimited, http.StatusTooManyRequests},
		{apperr.KindAuthProviderError, http.StatusBadGateway},
		{apperr.KindProviderUnavailable, http.StatusServiceUnavailable},
		{apperr.KindScanError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.kind); got != tt.want {
			t.Errorf("StatusFor(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestAuthStatus(t *testing.T) {
	rt := newTestRouter(newFakeAuth(), &fakeScanner{})

	w := do(rt, httptest.NewRequest(http.MethodGet, "/api/auth/status", nil))
	if !strings.Contains(w.Body.String(), `"authenticated":false`) {
		t.Errorf("anonymous status = %s", w.Body.String())
	}

	w = do(rt, withSession(httptest.NewRequest(http.MethodGet, "/api/auth/status", nil), "s1"))
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["authenticated"] != true || body["email"] != "me@example.com" || body["provider"] != "google" {
		t.Errorf("signed-in status = %v", body)
	}
}

func TestAuthStartSetsStateCookie(t *testing.T) {
	rt := newTestRouter(newFakeAuth(), &fakeScanner{})
	w := do(rt, httptest.NewRequest(http.MethodGet, "/api/auth/outlook/start?next=/results", nil))
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d", w.Code)
	}
	if loc := w.Header().Get("Location"); !strings.HasPrefix(loc, "https://idp.example/authorize") {
		t.Errorf("Location = %q", loc)
	}
	var state *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == StateCookie {
			state = c
		}
	}
	if state == nil || state.Value != "st-microsoft" || !state.HttpOnly {
		t.Fatalf("state cookie = %+v", state)
	}

	w = do(rt, httptest.NewRequest(http.MethodGet, "/api/auth/yahoo/start", nil))
	if w.Code != http.StatusBadRequest || errorKind(t, w) != string(apperr.KindInvalidRequest) {
		t.Errorf("unknown provider = %d %s", w.Code, w.Body.String())
	}
}

func TestAuthCallback(t *testing.T) {
	callback := func(query, cookie string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/api/auth/google/callback?"+query, nil)
		if cookie != "" {
			req.AddCookie(&http.Cookie{Name: StateCookie, Value: cookie})
		}
		return req
	}

	failures := []struct {
		name     string
		auth     func() *fakeAuth
		query    string
		cookie   string
		wantKind apperr.Kind
		wantMsg  string
	}{
		{name: "state mismatch", query: "code=c&state=st-google", cookie: "st-other",
			wantKind: apperr.KindAuthStateMismatch, wantMsg: "login state does not match"},
		{name: "missing state cookie", query: "code=c&state=st-google",
			wantKind: apperr.KindAuthStateMismatch, wantMsg: "start sign-in again"},
		{name: "provider error", query: "error=access_denied&state=st-google", cookie: "st-google",
			wantKind: apperr.KindAuthProviderError, wantMsg: "access_denied"},
		{
			name: "exchange failure keeps its kind",
			auth: func() *fakeAuth {
				a := newFakeAuth()
				a.exchange = apperr.New(apperr.KindAuthProviderError, "token endpoint refused the code")
				return a
			},
			query: "code=c&state=st-google", cookie: "st-google",
			wantKind: apperr.KindAuthProviderError, wantMsg: "token endpoint refused the code",
		},
	}
	for _, tt := range failures {
		t.Run(tt.name, func(t *testing.T) {
			auth := newFakeAuth()
			if tt.auth != nil {
				auth = tt.auth()
			}
			w := do(newTestRouter(auth, &fakeScanner{}), callback(tt.query, tt.cookie))
			if w.Code != http.StatusFound {
				t.Fatalf("got %d %s, want redirect", w.Code, w.Body.String())
			}
			loc, err := url.Parse(w.Header().Get("Location"))
			if err != nil {
				t.Fatal(err)
			}
			if loc.Host != "app.example" || loc.Path != "/" {
				t.Errorf("Location = %q", loc)
			}
			q := loc.Query()
			if q.Get("auth") != "error" || q.Get("kind") != string(tt.wantKind) || !strings.Contains(q.Get("message"), tt.wantMsg) {
				t.Errorf("query = %v", q)
			}
			for _, c := range w.Result().Cookies() {
				if c.Name == SessionCookie {
					t.Errorf("failed sign-in set a session cookie: %+v", c)
				}
			}
		})
	}

	t.Run("success", func(t *testing.T) {
		rt := newTestRouter(newFakeAuth(), &fakeScanner{})
		w := do(rt, callback("code=c&state=st-google", "st-google"))
		if w.Code != http.StatusFound {
			t.Fatalf("got %d %s", w.Code, w.Body.String())
		}
		if loc := w.Header().Get("Location"); loc != "http://app.example/results" {
			t.Errorf("Location = %q", loc)
		}
		var sess *http.Cookie
		for _, c := range w.Result().Cookies() {
			if c.Name == SessionCookie {
				sess = c
			}
		}
		if sess == nil || sess.Value != "signed.s2" || !sess.HttpOnly || sess.MaxAge != 3600 {
			t.Errorf("session cookie = %+v", sess)
		}
		if sess != nil && sess.SameSite != http.SameSiteLaxMode {
			t.Errorf("SameSite = %v", sess.SameSite)
		}
	})
}

func TestLogout(t *testing.T) {
	auth := newFakeAuth()
	rt := newTestRouter(auth, &fakeScanner{})
	w := do(rt, withSession(httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil), "s1"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(auth.loggedOut) != 1 || auth.loggedOut[0] != "s1" {
		t.Errorf("logged out = %v", auth.loggedOut)
	}

	w = do(rt, httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil))
	if w.Code != http.StatusOK {
		t.Errorf("anonymous logout = %d", w.Code)
	}
}

func scanRequestBody(start, end string) *strings.Reader {
	return strings.NewReader(`{"start_date":"` + start + `","end_date":"` + end + `"}`)
}

func TestScan(t *testing.T) {
	t.Run("requires a session", func(t *testing.T) {
		rt := newTestRouter(newFakeAuth(), &fakeScanner{})
		w := do(rt, httptest.NewRequest(http.MethodPost, "/api/scan", scanRequestBody("2024-01-01", "2024-01-31")))
		if w.Code != http.StatusUnauthorized || errorKind(t, w) != string(apperr.KindAuthExpired) {
			t.Errorf("got %d %s", w.Code, w.Body.String())
		}
	})

	t.Run("rejects bad dates", func(t *testing.T) {
		sc := &fakeScanner{}
		rt := newTestRouter(newFakeAuth(), sc)
		for _, body := range []string{
			`{"start_date":"01/02/2024","end_date":"2024-01-31"}`,
			`{"start_date":"2024-01-01","end_date":""}`,
			`not json`,
		} {
			req := withSession(httptest.NewRequest(http.MethodPost, "/api/scan", strings.NewReader(body)), "s1")
			req.Header.Set("Content-Type", "application/json")
			w := do(rt, req)
			if w.Code != http.StatusBadRequest || errorKind(t, w) != string(apperr.KindInvalidRequest) {
				t.Errorf("body %q: got %d %s", body, w.Code, w.Body.String())
			}
		}
		if sc.got.SessionID != "" {
			t.Error("scanner ran for an invalid request")
		}
	})

	t.Run("maps scanner failures", func(t *testing.T) {
		sc := &fakeScanner{err: apperr.New(apperr.KindScanInProgress, "busy")}
		rt := newTestRouter(newFakeAuth(), sc)
		req := withSession(httptest.NewRequest(http.MethodPost, "/api/scan", scanRequestBody("2024-01-01", "2024-01-31")), "s1")
		w := do(rt, req)
		if w.Code != http.StatusConflict || errorKind(t, w) != string(apperr.KindScanInProgress) {
			t.Errorf("got %d %s", w.Code, w.Body.String())
		}
	})

	t.Run("returns the result", func(t *testing.T) {
		sc := &fakeScanner{res: &types.ScanResult{
			Identity:  "me@example.com",
			StartDate: "2024-01-01",
			EndDate:   "2024-01-31",
			Summary:   types.Summary{Applications: 3, Offers: 1},
			Artifacts: types.Artifacts{
				Dir:              "/srv/jobfunnel/artifacts/3f9a",
				SummaryJSON:      "/srv/jobfunnel/artifacts/3f9a/summary.json",
				FunnelImageBytes: []byte{0x89, 'P', 'N', 'G'},
			},
		}}
		rt := newTestRouter(newFakeAuth(), sc)
		req := withSession(httptest.NewRequest(http.MethodPost, "/api/scan",
			strings.NewReader(`{"identity":"me@example.com","start_date":"2024-01-01","end_date":"2024-01-31"}`)), "s1")
		w := do(rt, req)
		if w.Code != http.StatusOK {
			t.Fatalf("got %d %s", w.Code, w.Body.String())
		}
		if sc.got.SessionID != "s1" || sc.got.Identity != "me@example.com" {
			t.Errorf("request = %+v", sc.got)
		}
		if !sc.got.Start.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) ||
			!sc.got.End.Equal(time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("window = %v..%v", sc.got.Start, sc.got.End)
		}

		var body struct {
			OK          bool          `json:"ok"`
			Summary     types.Summary `json:"summary"`
			FunnelImage string        `json:"funnel_image"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		if !body.OK || body.Summary.Applications != 3 || body.Summary.Offers != 1 {
			t.Errorf("body = %+v", body)
		}
		if !strings.HasPrefix(body.FunnelImage, "data:image/png;base64,") {
			t.Errorf("funnel_image = %q", body.FunnelImage)
		}

		var fields map[string]json.RawMessage
		if err := json.Unmarshal(w.Body.Bytes(), &fields); err != nil {
			t.Fatal(err)
		}
		if _, ok := fields["artifacts"]; ok {
			t.Error("response exposes artifacts")
		}
		if strings.Contains(w.Body.String(), "/srv/jobfunnel") {
			t.Errorf("response leaks a server path: %s", w.Body.String())
		}
	})
}

func TestCORS(t *testing.T) {
	rt := newTestRouter(newFakeAuth(), &fakeScanner{})

	req := httptest.NewRequest(http.MethodOptions, "/api/scan", nil)
	req.Header.Set("Origin", "http://app.example")
	w := do(rt, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "http://app.example" ||
		w.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Errorf("preflight headers = %v", w.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = do(rt, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("foreign origin was allowed")
	}
}
