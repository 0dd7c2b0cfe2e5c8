package server_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/taskflow/pkg/application"
	"github.com/iota-uz/taskflow/pkg/server"
)

type pingController struct{ path string }

func (c *pingController) Key() string { return c.path }

func (c *pingController) Register(r *mux.Router) {
	r.HandleFunc(c.path, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pong"))
	}).Methods(http.MethodGet)
}

func TestHTTPServer_Router(t *testing.T) {
	t.Parallel()

	app := application.New(&application.ApplicationOptions{})
	app.RegisterControllers(&pingController{path: "/ping"})
	app.RegisterMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Seen", "1")
			next.ServeHTTP(w, r)
		})
	})
	notFound := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := server.NewHTTPServer(app, notFound, notFound).Router()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "pong", rec.Body.String())
	require.Equal(t, "1", rec.Header().Get("X-Seen"))

	// fallback handlers go through the middleware chain too
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, "1", rec.Header().Get("X-Seen"))
}

func TestApplication_ControllerKeysReplace(t *testing.T) {
	t.Parallel()

	app := application.New(&application.ApplicationOptions{})
	first := &pingController{path: "/ping"}
	second := &pingController{path: "/ping"}
	app.RegisterControllers(first, &pingController{path: "/other"}, second)

	controllers := app.Controllers()
	require.Len(t, controllers, 2)
	require.Same(t, second, controllers[0])
}
