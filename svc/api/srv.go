// Package api is the loopback control surface for the host shell: health,
// metrics, and the record lifecycle operations the launcher UI drives.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"

	"clipvault/cfg"
	"clipvault/svc/db"
	"clipvault/svc/svc"
	"clipvault/svc/util"
)

type Server struct {
	router     *chi.Mux
	history    *svc.History
	cfg        *cfg.Cfg
	db         *db.Store
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, h *svc.History, store *db.Store) *Server {
	r := chi.NewRouter()
	mw := NewMw(c)
	s := &Server{
		router:  r,
		history: h,
		cfg:     c,
		db:      store,
	}
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
		r.Handle("/metrics", promhttp.Handler())
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("url", req.URL.String()).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.Metrics)
		r.Use(mw.ContextTimeout)
		r.Use(mw.JSONContentType)
		r.Use(mw.RateLimit)
		hdl := &Hdl{history: h, cfg: c}
		r.Get("/records", hdl.QueryRecords)
		r.Post("/records/{id}/pin", hdl.PinRecord)
		r.Delete("/records/{id}", hdl.DeleteRecord)
		r.Delete("/records", hdl.DeleteAllRecords)
		r.Post("/clipboard/notify", hdl.NotifyClipboard)
	})
	s.httpServer = &http.Server{
		// Loopback only: the control API is for the host shell on this
		// machine, never the network.
		Addr:           "127.0.0.1:" + c.Port,
		Handler:        r,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 64 * 1024,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting control server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("control server failed")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
