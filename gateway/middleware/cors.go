package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// CORSConfig lists what browsers may send to the command surface.
type CORSConfig struct {
	AllowedOrigins   []string
	AllowCredentials bool
}

// CORS answers preflight requests for the wallet UI.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Requested-With"},
		AllowCredentials: cfg.AllowCredentials,
	}).Handler
}
