package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// corsPolicy lets browsers on any origin call the proxy endpoints.
var corsPolicy = cors.New(cors.Options{
	AllowedOrigins:       []string{"*"},
	AllowedMethods:       []string{http.MethodPost, http.MethodOptions},
	AllowedHeaders:       []string{"Authorization", "Content-Type", RequestIDHeader},
	OptionsSuccessStatus: http.StatusNoContent,
})

// CORS sets the cross-origin headers and answers preflight requests with
// 204 and an empty body.
func CORS(next http.Handler) http.Handler {
	return corsPolicy.Handler(next)
}
