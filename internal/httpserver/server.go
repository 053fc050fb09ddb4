package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"outreach/internal/observability"
)

type Server struct {
	Mux *mux.Router
}

// New builds the router with health probes and the request middleware.
// Handlers are attached afterwards with API.Register and Webhook.Register.
func New(readyTimeout time.Duration, checks ...ReadyzCheck) *Server {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", Healthz()).Methods(http.MethodGet)
	r.HandleFunc("/readyz", Readyz(readyTimeout, checks...)).Methods(http.MethodGet)
	r.Use(Logging, Metrics(observability.APIRequests))
	return &Server{Mux: r}
}

// Serve runs srv until ctx ends and then shuts it down within grace.
func Serve(ctx context.Context, srv *http.Server, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
