// Package httpapi exposes the decay engine over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	lberrors "github.com/vnykmshr/lbucket/pkg/common/errors"
	"github.com/vnykmshr/lbucket/pkg/common/log"
	"github.com/vnykmshr/lbucket/pkg/decay"
	"github.com/vnykmshr/lbucket/pkg/metrics"
	"github.com/vnykmshr/lbucket/pkg/ratelimit"
)

// maxBodyBytes bounds request bodies; commands are a handful of short
// strings.
const maxBodyBytes = 64 << 10

// Engine is the command surface the API serves. *decay.Engine implements
// it.
type Engine interface {
	Count(ctx context.Context, key string, seconds int64) error
	CountBucket(ctx context.Context, key string, seconds int64) error
	Get(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, key string) (bool, error)
	Exec(ctx context.Context, args []string) (decay.Reply, error)
}

type Options struct {
	Engine  Engine
	Limiter *ratelimit.ClientLimiter
	Metrics *metrics.Registry
	Logger  log.Logger
}

type api struct {
	engine Engine
	logger log.Logger
}

// NewHandler builds the API handler with routes and middleware.
func NewHandler(opts Options) http.Handler {
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultRegistry
	}
	a := &api{engine: opts.Engine, logger: log.OrNop(opts.Logger)}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(recoverer(a.logger))
	r.Use(withLogger(a.logger))
	r.Use(instrument(opts.Metrics))
	if opts.Limiter != nil && opts.Limiter.Enabled() {
		r.Use(limit(opts.Limiter))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/counters/{key}/hits", a.handleHit)
		r.Get("/counters/{key}", a.handleGet)
		r.Delete("/counters/{key}", a.handleDelete)
		r.Post("/exec", a.handleExec)
	})

	return otelhttp.NewHandler(r, "http.server",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

type counterResponse struct {
	Key     string `json:"key"`
	Value   int64  `json:"value"`
	Deleted *bool  `json:"deleted,omitempty"`
}

type execRequest struct {
	Args []string `json:"args"`
}

type execResponse struct {
	Reply decay.Reply `json:"reply"`
}

// keyParam returns the decoded {key} segment. chi routes on RawPath when
// the request has one, and the parameter is still escaped in that case
// only.
func keyParam(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "key")
	if r.URL.RawPath == "" {
		return raw, nil
	}
	key, err := url.PathUnescape(raw)
	if err != nil {
		return "", lberrors.NewValidationError("httpapi", "key", raw, "invalid escaping")
	}
	return key, nil
}

func (a *api) handleHit(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	secs, err := strconv.ParseInt(q.Get("duration"), 10, 64)
	if err != nil {
		a.writeError(w, r, lberrors.NewValidationError("httpapi", "duration", q.Get("duration"), "must be an integer number of seconds"))
		return
	}

	switch q.Get("strategy") {
	case "", decay.StrategyPocket.String():
		err = a.engine.Count(r.Context(), key, secs)
	case decay.StrategyBucket.String():
		err = a.engine.CountBucket(r.Context(), key, secs)
	default:
		err = lberrors.NewValidationError("httpapi", "strategy", q.Get("strategy"), "unknown strategy").
			WithHint("use pocket or bucket")
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleGet(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	v, err := a.engine.Get(r.Context(), key)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counterResponse{Key: key, Value: v})
}

func (a *api) handleDelete(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	deleted, err := a.engine.Delete(r.Context(), key)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counterResponse{Key: key, Deleted: &deleted})
}

func (a *api) handleExec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		a.writeError(w, r, lberrors.NewValidationError("httpapi", "body", nil, err.Error()).
			WithHint(`send {"args": ["COUNT", "key", "60"]}`))
		return
	}
	reply, err := a.engine.Exec(r.Context(), req.Args)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, execResponse{Reply: reply})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
