package handlers

import (
	"fmt"
	"net/http"
	"time"

	"nexus-backend/internal/database"
	"nexus-backend/internal/hub"
	"nexus-backend/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

var sugar *zap.SugaredLogger
var db *database.DB
var cfg *models.ConfigFile

// Setup builds the HTTP edge and blocks serving it. Everything
// interesting happens over the socket; HTTP only covers auth issuance,
// ICE config and the websocket upgrade.
func Setup(isHttps bool, _cfg *models.ConfigFile, _sugar *zap.SugaredLogger, _db *database.DB) error {
	sugar = _sugar
	db = _db
	cfg = _cfg

	r := chi.NewRouter()
	if cfg.PrintHttpRequests {
		r.Use(middleware.Logger)
	}

	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api", func(api chi.Router) {
		api.Route("/auth", func(r chi.Router) {
			r.Post("/login", Login)
			r.Post("/register", Register)
			r.With(UserVerifier).Get("/isLoggedIn", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
		})

		api.With(UserVerifier).Get("/ice", IceServers)
	})

	var websocketPath string
	if cfg.BehindNginx {
		websocketPath = "/ws/"
	} else {
		websocketPath = "/ws"
		r.Handle("/*", http.FileServer(http.Dir("./public/static")))
	}

	// the upgrade itself is open; the socket authenticates with the
	// first `join` frame
	r.Get(websocketPath, hub.HandleClient)

	address := fmt.Sprintf("%s:%s", cfg.Address, cfg.Port)

	if isHttps {
		return http.ListenAndServeTLS(address, cfg.TlsCert, cfg.TlsKey, r)
	}
	return http.ListenAndServe(address, r)
}
