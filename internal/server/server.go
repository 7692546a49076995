package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
	oapimiddleware "github.com/oapi-codegen/nethttp-middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dgnsrekt/forumlive/api"
	"github.com/dgnsrekt/forumlive/internal/auth"
)

func NewRouter(server *Server, logger *zap.Logger) (http.Handler, error) {
	// Load OpenAPI spec for validation
	loader := openapi3.NewLoader()
	swagger, err := loader.LoadFromData(api.OpenAPISpec)
	if err != nil {
		return nil, fmt.Errorf("loading openapi spec: %w", err)
	}
	if err := swagger.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("validating openapi spec: %w", err)
	}
	swagger.Servers = nil // Allow any host

	gzip, err := gzhttp.NewWrapper(gzhttp.MinSize(1024))
	if err != nil {
		return nil, fmt.Errorf("creating gzip wrapper: %w", err)
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(zapLoggerMiddleware(logger))

	// Non-validated routes
	r.Get("/openapi.yaml", openapiHandler)
	r.Get("/docs", swaggerUIHandler)
	if server.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(server.gatherer, promhttp.HandlerOpts{}))
	}

	// API routes with OpenAPI validation
	r.Group(func(apiRouter chi.Router) {
		apiRouter.Use(server.auth.Middleware)
		apiRouter.Use(oapimiddleware.OapiRequestValidator(swagger))

		// Streams are never compressed.
		apiRouter.Get("/api/live/sse", server.handleSSE)
		if server.hub != nil {
			apiRouter.Get("/api/live/ws", server.hub.HandleLive)
		}

		apiRouter.Group(func(jsonRouter chi.Router) {
			jsonRouter.Use(func(next http.Handler) http.Handler { return gzip(next) })

			jsonRouter.Get("/api/status", server.handleStatus)
			jsonRouter.Get("/api/live", server.handleListen)
			jsonRouter.Get("/api/live/lastid", server.handleLastID)
			jsonRouter.Post("/api/users", server.handleCreateUser)

			jsonRouter.Group(func(writeRouter chi.Router) {
				writeRouter.Use(auth.RequireUser)

				writeRouter.Put("/api/users/me/avatar", server.handleUpdateAvatar)
				writeRouter.Post("/api/content", server.handleCreateContent)
				writeRouter.Put("/api/content/{id}", server.handleUpdateContent)
				writeRouter.Delete("/api/content/{id}", server.handleDeleteContent)
				writeRouter.Post("/api/messages", server.handlePostMessage)
				writeRouter.Put("/api/messages/{id}", server.handleEditMessage)
				writeRouter.Delete("/api/messages/{id}", server.handleDeleteMessage)
				writeRouter.Put("/api/variables/{name}", server.handleSetVariable)
				writeRouter.Delete("/api/variables/{name}", server.handleDeleteVariable)
				writeRouter.Post("/api/watches/{id}", server.handleAddWatch)
				writeRouter.Delete("/api/watches/{id}", server.handleRemoveWatch)
			})
		})
	})

	return r, nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Last-Event-ID")
		w.Header().Set("Access-Control-Expose-Headers", lastIDHeader)

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("query", maskQueryToken(r.URL.RawQuery)),
				zap.String("requestID", middleware.GetReqID(r.Context())),
			)
			next.ServeHTTP(w, r)
		})
	}
}

// maskQueryToken masks the access token parameter in a query string
func maskQueryToken(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "<unparseable>"
	}
	if token := values.Get(auth.TokenParam); token != "" {
		masked := "****"
		if len(token) > 8 {
			masked = token[:4] + "****"
		}
		values.Set(auth.TokenParam, masked)
	}
	var parts []string
	for k, vs := range values {
		for _, v := range vs {
			parts = append(parts, k+"="+v)
		}
	}
	return strings.Join(parts, "&")
}

func openapiHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(api.OpenAPISpec)
}

func swaggerUIHandler(w http.ResponseWriter, r *http.Request) {
	html := `<!DOCTYPE html>
<html>
<head>
    <title>Forumlive API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5.10.3/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5.10.3/swagger-ui-bundle.js"></script>
    <script>
        window.onload = function() {
            SwaggerUIBundle({
                url: "/openapi.yaml",
                dom_id: '#swagger-ui',
            });
        };
    </script>
</body>
</html>`
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(html))
}
