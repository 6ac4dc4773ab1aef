// Package httpapi is the HTTP surface of the scheduler: the cron trigger,
// channel automation, job actions, run history and push token
// registration.
package httpapi

import (
	"context"
	"net/http"
	hpprof "net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"reelforge/internal/channels"
	"reelforge/internal/jobs"
	"reelforge/internal/notifier"
	"reelforge/internal/orchestrator"
	logx "reelforge/pkg/logx"
)

type Config struct {
	Enabled     bool
	Addr        string
	CronSecret  string
	JWTSecret   string
	CORSOrigins []string
	// Debug adds stack traces to error bodies and mounts /debug/pprof.
	Debug        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	PipelineTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		// run-scheduled answers only after the whole pass.
		c.WriteTimeout = 35 * time.Minute
	}
	return c
}

type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Channels     *channels.Repo
	Jobs         *jobs.Manager
	Pipeline     orchestrator.Pipeline
	Executor     orchestrator.Executor
	Tokens       *notifier.Tokens
	Log          logx.Logger
}

// API holds the handlers. It is immutable once built; Service swaps whole
// APIs on reconfigure.
type API struct {
	cfg  Config
	d    Deps
	log  logx.Logger
	auth *authenticator
}

func NewAPI(cfg Config, d Deps) *API {
	cfg = cfg.withDefaults()
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &API{
		cfg:  cfg,
		d:    d,
		log:  d.Log,
		auth: newAuthenticator(cfg.CronSecret, cfg.JWTSecret),
	}
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(a.recoverer)
	r.Use(a.accessLog)
	if len(a.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: a.cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", headerCronSecret},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(a.auth.require)

		r.Post("/run-scheduled", a.runScheduled)
		r.Post("/flags/reset", a.resetFlags)

		r.Get("/channels", a.listChannels)
		r.Get("/channels/{id}", a.getChannel)
		r.Put("/channels/{id}/automation", a.updateAutomation)
		r.Post("/channels/{id}/run", a.runChannel)

		r.Post("/jobs", a.createJob)
		r.Get("/jobs", a.listJobs)
		r.Get("/jobs/{id}", a.getJob)
		r.Delete("/jobs/{id}", a.deleteJob)
		r.Post("/jobs/{id}/approve", a.jobAction(a.d.Jobs.Approve))
		r.Post("/jobs/{id}/reject", a.jobAction(a.d.Jobs.Reject))
		r.Post("/jobs/{id}/cancel", a.jobAction(a.d.Jobs.Cancel))
		r.Post("/jobs/{id}/retry", a.retryJob)

		r.Get("/runs", a.listRuns)
		r.Get("/runs/{id}/events", a.listEvents)

		r.Post("/push/tokens", a.registerToken)
	})

	if a.cfg.Debug {
		r.Route("/debug/pprof", func(r chi.Router) {
			r.Use(a.auth.require)
			r.Get("/cmdline", hpprof.Cmdline)
			r.Get("/profile", hpprof.Profile)
			r.Get("/symbol", hpprof.Symbol)
			r.Get("/trace", hpprof.Trace)
			r.Get("/*", pprofIndex)
		})
	}
	return r
}

// pprof.Index serves named profiles from the path tail.
func pprofIndex(w http.ResponseWriter, r *http.Request) {
	r2 := r.Clone(r.Context())
	r2.URL.Path = "/debug/pprof/" + chi.URLParam(r, "*")
	hpprof.Index(w, r2)
}

func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		lvl := a.log.Debug
		if status >= 500 {
			lvl = a.log.Warn
		}
		lvl("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", status),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("took", time.Since(start)),
			logx.String("req", chimw.GetReqID(r.Context())),
		)
	})
}

func (a *API) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				a.log.Error("http handler panic", logx.Any("panic", rec), logx.String("path", r.URL.Path), logx.Stack())
				a.writeErr(w, panicError(rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// enqueuePipeline runs the pipeline for id on the executor. Without an
// executor the pipeline runs on a detached goroutine.
func (a *API) enqueuePipeline(id string) error {
	run := func(ctx context.Context) error {
		_, err := a.d.Pipeline.Run(ctx, id)
		return err
	}
	if a.d.Executor == nil {
		go func() {
			ctx := context.Background()
			if a.cfg.PipelineTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, a.cfg.PipelineTimeout)
				defer cancel()
			}
			if err := run(ctx); err != nil {
				a.log.Warn("pipeline failed", logx.String("job", id), logx.Err(err))
			}
		}()
		return nil
	}
	_, err := a.d.Executor.Enqueue(orchestrator.PipelineTask(id, a.cfg.PipelineTimeout, run))
	return err
}
