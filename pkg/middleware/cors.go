package middleware

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
)

// AllowedMethods collects the HTTP methods served by the given routers plus
// OPTIONS for preflight requests.
func AllowedMethods(routers ...chi.Routes) ([]string, error) {
	seen := map[string]bool{http.MethodOptions: true}
	for _, r := range routers {
		err := chi.Walk(r, func(method, _ string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
			seen[method] = true
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	methods := make([]string, 0, len(seen))
	for m := range seen {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods, nil
}

// CORS creates a CORS middleware for the dashboard origins. Only the given
// methods pass a preflight.
func CORS(allowedOrigins, allowedMethods []string) func(http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   allowedMethods,
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", chimiddleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	})

	return c.Handler
}
