package middleware

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iota-uz/taskflow/pkg/composables"
	"github.com/iota-uz/taskflow/pkg/logging"
)

// ProvidePool puts pool into every request context. A nil pool is a no-op so
// the in-memory backend can share the same middleware chain.
func ProvidePool(pool *pgxpool.Pool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if pool == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(composables.WithPool(r.Context(), pool)))
		})
	}
}

// WithTransaction wraps the handler in a transaction when a pool is in the
// context, so outbox appends commit together with the handler's writes.
// The transaction is rolled back when the handler answers with a 4xx or 5xx.
func WithTransaction() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pool, err := composables.UsePool(r.Context())
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			tx, err := pool.Begin(r.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			defer func() {
				if err := tx.Rollback(r.Context()); err != nil {
					if errors.Is(err, pgx.ErrTxClosed) {
						return
					}
					logger := composables.UseLogger(r.Context(), logging.Nop())
					logger.WithError(err).Error("failed to rollback transaction")
				}
			}()
			rec := wrapResponseWriter(w)
			next.ServeHTTP(rec, r.WithContext(composables.WithTx(r.Context(), tx)))
			if rec.Status() >= http.StatusBadRequest {
				return
			}
			if err := tx.Commit(r.Context()); err != nil {
				composables.UseLogger(r.Context(), logging.Nop()).WithError(err).Error("failed to commit transaction")
			}
		})
	}
}
