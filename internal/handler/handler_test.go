package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vestibule-io/vestibule/internal/auth"
	"github.com/vestibule-io/vestibule/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestHandler(t *testing.T) (*Handler, *gin.Engine, string, *int) {
	t.Helper()
	hash, err := auth.HashPassword("password")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	cfg := &config.Config{
		Hostname: "vestibule.io",
		HTTPPort: 8080,
		Users: []config.User{
			{Login: "admin", Password: hash, Roles: []string{"ADMINS"}},
			{Login: "user", Password: hash, Roles: []string{"USERS"}},
		},
		Apps: []config.App{{ID: 1, Host: "app1", ForwardTo: "localhost:9000"}},
		Davs: []config.Dav{{ID: 1, Host: "files1", Directory: "/tmp/files1"}},
	}
	sessions, err := auth.NewManager("vestibule.io", time.Hour)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	path := filepath.Join(t.TempDir(), "vestibule.yaml")
	reloads := 0
	h := New(path, cfg, sessions, func() { reloads++ })
	return h, h.Router(), path, &reloads
}

func sessionCookie(t *testing.T, h *Handler, login string, roles []string) *http.Cookie {
	t.Helper()
	cookie, err := h.sessions.Cookie(auth.Principal{Login: login, Roles: roles})
	if err != nil {
		t.Fatalf("Cookie: %v", err)
	}
	return cookie
}

func request(router *gin.Engine, method, target string, body io.Reader, cookie *http.Cookie) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, target, body)
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		r.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	return w
}

func TestWebsiteRoot(t *testing.T) {
	_, router, _, _ := newTestHandler(t)
	w := request(router, http.MethodGet, "/", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Body.String() != "Hello world from main server !" {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestReloadEndpoint(t *testing.T) {
	_, router, _, reloads := newTestHandler(t)
	w := request(router, http.MethodGet, "/reload", nil, nil)
	if w.Code != http.StatusOK || w.Body.String() != "Apps reloaded !" {
		t.Fatalf("status = %d body = %q", w.Code, w.Body.String())
	}
	if *reloads != 1 {
		t.Errorf("reload triggered %d times", *reloads)
	}
}

func TestLocalAuth(t *testing.T) {
	_, router, _, _ := newTestHandler(t)

	tests := []struct {
		name       string
		payload    string
		wantStatus int
		wantCookie bool
	}{
		{"valid credentials", `{"login":"admin","password":"password"}`, http.StatusOK, true},
		{"wrong password", `{"login":"admin","password":"nope"}`, http.StatusUnauthorized, false},
		{"unknown login", `{"login":"ghost","password":"password"}`, http.StatusUnauthorized, false},
		{"malformed body", `{`, http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := request(router, http.MethodPost, "/auth/local", strings.NewReader(tt.payload), nil)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			cookies := w.Result().Cookies()
			found := false
			for _, c := range cookies {
				if c.Name == auth.CookieName {
					found = true
					if c.Domain != "vestibule.io" || c.Path != "/" {
						t.Errorf("cookie scope = %q %q", c.Domain, c.Path)
					}
				}
			}
			if found != tt.wantCookie {
				t.Errorf("cookie present = %v, want %v", found, tt.wantCookie)
			}
		})
	}
}

func TestMalformedStoredHashIsInternalError(t *testing.T) {
	h, router, _, _ := newTestHandler(t)
	h.cfg.Users[0].Password = "not-a-phc-string"
	w := request(router, http.MethodPost, "/auth/local", strings.NewReader(`{"login":"admin","password":"password"}`), nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestAdminGate(t *testing.T) {
	h, router, _, _ := newTestHandler(t)

	if w := request(router, http.MethodGet, "/api/admin/users", nil, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: status = %d", w.Code)
	}
	userCookie := sessionCookie(t, h, "user", []string{"USERS"})
	if w := request(router, http.MethodGet, "/api/admin/users", nil, userCookie); w.Code != http.StatusForbidden {
		t.Errorf("non-admin: status = %d", w.Code)
	}
	adminCookie := sessionCookie(t, h, "admin", []string{"ADMINS"})
	w := request(router, http.MethodGet, "/api/admin/users", nil, adminCookie)
	if w.Code != http.StatusOK {
		t.Fatalf("admin: status = %d", w.Code)
	}
	var users []config.User
	if err := json.Unmarshal(w.Body.Bytes(), &users); err != nil {
		t.Fatalf("decoding users: %v", err)
	}
	if len(users) != 2 {
		t.Errorf("listed %d users", len(users))
	}
}

func TestUserCRUD(t *testing.T) {
	h, router, path, _ := newTestHandler(t)
	admin := sessionCookie(t, h, "admin", []string{"ADMINS"})

	// New user without a password is refused.
	w := request(router, http.MethodPost, "/api/admin/users", strings.NewReader(`{"login":"new","roles":["USERS"]}`), admin)
	if w.Code != http.StatusNotAcceptable {
		t.Errorf("new user without password: status = %d", w.Code)
	}

	// New user with a password gets it hashed.
	w = request(router, http.MethodPost, "/api/admin/users", strings.NewReader(`{"login":"new","password":"secret12","roles":["USERS"]}`), admin)
	if w.Code != http.StatusCreated {
		t.Fatalf("add user: status = %d", w.Code)
	}
	var added *config.User
	for i := range h.cfg.Users {
		if h.cfg.Users[i].Login == "new" {
			added = &h.cfg.Users[i]
		}
	}
	if added == nil {
		t.Fatal("user not added")
	}
	if !strings.HasPrefix(added.Password, "$argon2id$") {
		t.Errorf("stored password not hashed: %q", added.Password)
	}
	if ok, _ := auth.CheckPassword("secret12", added.Password); !ok {
		t.Error("stored hash does not verify")
	}

	// Update with empty password keeps the previous hash.
	previous := added.Password
	w = request(router, http.MethodPost, "/api/admin/users", strings.NewReader(`{"login":"new","password":"","roles":["USERS","OTHER"]}`), admin)
	if w.Code != http.StatusCreated {
		t.Fatalf("update user: status = %d", w.Code)
	}
	for i := range h.cfg.Users {
		if h.cfg.Users[i].Login == "new" {
			if h.cfg.Users[i].Password != previous {
				t.Error("empty password did not keep the previous hash")
			}
			if len(h.cfg.Users[i].Roles) != 2 {
				t.Error("roles not updated")
			}
		}
	}

	// The document was persisted.
	persisted, err := config.FromFile(path)
	if err != nil {
		t.Fatalf("reading persisted config: %v", err)
	}
	if len(persisted.Users) != 3 {
		t.Errorf("persisted %d users", len(persisted.Users))
	}

	// Delete, then delete again.
	if w := request(router, http.MethodDelete, "/api/admin/users/new", nil, admin); w.Code != http.StatusOK {
		t.Errorf("delete user: status = %d", w.Code)
	}
	if w := request(router, http.MethodDelete, "/api/admin/users/new", nil, admin); w.Code != http.StatusBadRequest {
		t.Errorf("delete missing user: status = %d", w.Code)
	}
}

func TestAppCRUD(t *testing.T) {
	h, router, path, _ := newTestHandler(t)
	admin := sessionCookie(t, h, "admin", []string{"ADMINS"})

	app := config.App{ID: 2, Name: "App 2", Host: "app2", ForwardTo: "localhost:9001", Roles: []string{"USERS"}}
	body, _ := json.Marshal(app)
	if w := request(router, http.MethodPost, "/api/admin/apps", bytes.NewReader(body), admin); w.Code != http.StatusCreated {
		t.Fatalf("add app: status = %d", w.Code)
	}
	if len(h.cfg.Apps) != 2 {
		t.Fatalf("have %d apps", len(h.cfg.Apps))
	}

	// Posting an existing id replaces the entry.
	app.Name = "Renamed"
	body, _ = json.Marshal(app)
	if w := request(router, http.MethodPost, "/api/admin/apps", bytes.NewReader(body), admin); w.Code != http.StatusCreated {
		t.Fatalf("update app: status = %d", w.Code)
	}
	if len(h.cfg.Apps) != 2 || h.cfg.Apps[1].Name != "Renamed" {
		t.Errorf("upsert failed: %+v", h.cfg.Apps)
	}

	if w := request(router, http.MethodDelete, "/api/admin/apps/2", nil, admin); w.Code != http.StatusOK {
		t.Errorf("delete app: status = %d", w.Code)
	}
	if w := request(router, http.MethodDelete, "/api/admin/apps/99", nil, admin); w.Code != http.StatusBadRequest {
		t.Errorf("delete missing app: status = %d", w.Code)
	}
	if w := request(router, http.MethodDelete, "/api/admin/apps/nan", nil, admin); w.Code != http.StatusBadRequest {
		t.Errorf("delete bad id: status = %d", w.Code)
	}

	persisted, err := config.FromFile(path)
	if err != nil {
		t.Fatalf("reading persisted config: %v", err)
	}
	if len(persisted.Apps) != 1 {
		t.Errorf("persisted %d apps", len(persisted.Apps))
	}
}

func TestDavCRUDDoesNotLeakPassphraseKey(t *testing.T) {
	h, router, path, _ := newTestHandler(t)
	admin := sessionCookie(t, h, "admin", []string{"ADMINS"})

	dav := config.Dav{ID: 2, Host: "files2", Directory: "/tmp/files2", Passphrase: "topsecret", Roles: []string{"USERS"}}
	body, _ := json.Marshal(dav)
	if w := request(router, http.MethodPost, "/api/admin/davs", bytes.NewReader(body), admin); w.Code != http.StatusCreated {
		t.Fatalf("add dav: status = %d", w.Code)
	}

	w := request(router, http.MethodGet, "/api/admin/davs", nil, admin)
	if w.Code != http.StatusOK {
		t.Fatalf("list davs: status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), `"key"`) {
		t.Error("dav listing leaks the derived key")
	}

	persisted, err := config.FromFile(path)
	if err != nil {
		t.Fatalf("reading persisted config: %v", err)
	}
	if len(persisted.Davs) != 2 || persisted.Davs[1].Passphrase != "topsecret" {
		t.Errorf("persisted davs: %+v", persisted.Davs)
	}
	if persisted.Davs[1].Key != nil {
		t.Error("derived key persisted to disk")
	}

	if w := request(router, http.MethodDelete, "/api/admin/davs/2", nil, admin); w.Code != http.StatusOK {
		t.Errorf("delete dav: status = %d", w.Code)
	}
}
