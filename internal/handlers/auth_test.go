package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"nexus-backend/internal/database"
	"nexus-backend/internal/jwt"
	"nexus-backend/internal/models"
	"nexus-backend/internal/snowflake"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// setupHandlers wires the package globals against a throwaway sqlite
// database, the same way Setup does for a real server.
func setupHandlers(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())

	sugar = zap.NewNop().Sugar()
	cfg = &models.ConfigFile{SelfContained: true}

	var err error
	db, err = database.Setup(cfg, sugar)
	if err != nil {
		t.Fatal(err)
	}

	jwt.Setup("test-secret", false)
	// the worker ID is process-global and can only be set once
	snowflakeOnce.Do(func() {
		if err := snowflake.Setup(1); err != nil {
			t.Fatal(err)
		}
	})
}

var snowflakeOnce sync.Once

func postJSON(t *testing.T, handler http.HandlerFunc, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestLoginUnknownEmailUnauthorized(t *testing.T) {
	setupHandlers(t)

	rec := postJSON(t, Login, "/api/auth/login", `{"email":"ghost@example.org","password":"whatever"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for an unknown email", rec.Code)
	}
}

func TestRegisterThenLogin(t *testing.T) {
	setupHandlers(t)

	registration := `{"email":"pat@gmail.com","username":"pat","password":"Horse-battery9","confirmPassword":"Horse-battery9"}`
	rec := postJSON(t, Register, "/api/auth/register", registration)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, Login, "/api/auth/login", `{"email":"pat@gmail.com","password":"Horse-battery9"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "token") {
		t.Error("login response carries no token")
	}

	rec = postJSON(t, Login, "/api/auth/login", `{"email":"pat@gmail.com","password":"wrong"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password status = %d, want 401", rec.Code)
	}
}

func TestRegisterDuplicateUsernameConflict(t *testing.T) {
	setupHandlers(t)

	registration := `{"email":"pat@gmail.com","username":"pat","password":"Horse-battery9","confirmPassword":"Horse-battery9"}`
	if rec := postJSON(t, Register, "/api/auth/register", registration); rec.Code != http.StatusCreated {
		t.Fatalf("first register status = %d", rec.Code)
	}

	again := `{"email":"other@gmail.com","username":"pat","password":"Horse-battery9","confirmPassword":"Horse-battery9"}`
	rec := postJSON(t, Register, "/api/auth/register", again)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate username status = %d, want 409", rec.Code)
	}
}
