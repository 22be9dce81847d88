// Package report serves the drill-down view of an index over HTTP.
package report

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/dhcgn/mbox-drill/query"
)

//go:embed templates/*.html
var templateFS embed.FS

// Querier is the part of the aggregation engine the report needs.
type Querier interface {
	Breakout(ctx context.Context, dim query.Dimension, f query.Filter, limit int) ([]query.Row, error)
	Totals(ctx context.Context, f query.Filter) (query.Totals, error)
	LargestMessages(ctx context.Context, f query.Filter, limit int) ([]query.LargeMessage, error)
}

type Options struct {
	// Source names the index on the page.
	Source         string
	Top            int
	RequestTimeout time.Duration
}

type Server struct {
	engine  Querier
	opts    Options
	logger  *slog.Logger
	metrics *Metrics
	tmpl    *template.Template
	router  *mux.Router
}

func New(engine Querier, opts Options, logger *slog.Logger) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("report engine is nil")
	}
	if opts.Top <= 0 {
		opts.Top = 30
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	printer := message.NewPrinter(language.English)
	tmpl, err := template.New("index.html").Funcs(template.FuncMap{
		"bytes": func(n int64) string { return humanize.Bytes(uint64(max(n, 0))) },
		"count": func(n int64) string { return printer.Sprintf("%d", n) },
	}).ParseFS(templateFS, "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	s := &Server{
		engine:  engine,
		opts:    opts,
		logger:  logger,
		metrics: NewMetrics(),
		tmpl:    tmpl,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.metrics.Middleware)
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/api/totals", s.handleTotals).Methods(http.MethodGet)
	r.HandleFunc("/api/breakout/{dimension}", s.handleBreakout).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve answers requests on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		s.logger.Info("report server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve report: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("report server shutdown error", "err", err)
			return err
		}
		s.logger.Info("report server stopped")
		return nil
	})
	return group.Wait()
}

type activeFilter struct {
	Dimension query.Dimension
	Value     string
	RemoveURL string
}

type viewRow struct {
	query.Row
	URL string
}

type breakout struct {
	Dimension query.Dimension
	Limited   bool
	Rows      []viewRow
}

type viewMessage struct {
	query.LargeMessage
	Year string
}

type pageData struct {
	Source   string
	All      query.Totals
	Filtered query.Totals
	Active   []activeFilter
	ClearURL string
	Groups   []breakout
	Largest  []viewMessage
	Top      int
}

func pageURL(f query.Filter) string {
	if enc := f.Values().Encode(); enc != "" {
		return "/?" + enc
	}
	return "/"
}

// limitFor returns how many rows of dim the page shows. Labels and years
// are few, senders and domains are not.
func (s *Server) limitFor(dim query.Dimension) int {
	switch dim {
	case query.Domain, query.Sender:
		return s.opts.Top
	}
	return 0
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()

	f := query.FilterFromValues(r.URL.Query())
	data := pageData{
		Source:   s.opts.Source,
		ClearURL: "/",
		Top:      s.opts.Top,
	}
	for _, d := range f.Pinned() {
		data.Active = append(data.Active, activeFilter{
			Dimension: d,
			Value:     f.Get(d),
			RemoveURL: pageURL(f.Without(d)),
		})
	}

	var unpinned []query.Dimension
	for _, d := range query.Dimensions {
		if f.Get(d) == "" {
			unpinned = append(unpinned, d)
		}
	}
	data.Groups = make([]breakout, len(unpinned))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() (err error) {
		done := s.metrics.observeQuery("totals")
		defer func() { done(err) }()
		data.All, err = s.engine.Totals(groupCtx, query.Filter{})
		return err
	})
	group.Go(func() (err error) {
		done := s.metrics.observeQuery("totals")
		defer func() { done(err) }()
		data.Filtered, err = s.engine.Totals(groupCtx, f)
		return err
	})
	for i, d := range unpinned {
		i, d := i, d
		group.Go(func() (err error) {
			done := s.metrics.observeQuery("breakout_" + string(d))
			defer func() { done(err) }()
			limit := s.limitFor(d)
			rows, err := s.engine.Breakout(groupCtx, d, f, limit)
			if err != nil {
				return err
			}
			b := breakout{Dimension: d, Limited: limit > 0 && len(rows) == limit}
			for _, row := range rows {
				b.Rows = append(b.Rows, viewRow{Row: row, URL: pageURL(f.With(d, row.Key))})
			}
			data.Groups[i] = b
			return nil
		})
	}
	group.Go(func() (err error) {
		done := s.metrics.observeQuery("largest")
		defer func() { done(err) }()
		largest, err := s.engine.LargestMessages(groupCtx, f, s.opts.Top)
		if err != nil {
			return err
		}
		for _, m := range largest {
			data.Largest = append(data.Largest, viewMessage{LargeMessage: m, Year: query.YearKey(m.Year)})
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		s.serverError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.ExecuteTemplate(w, "index.html", data); err != nil {
		s.logger.Error("render report", "err", err)
	}
}

type breakoutResponse struct {
	Dimension query.Dimension   `json:"dimension"`
	Filter    map[string]string `json:"filter"`
	Rows      []query.Row       `json:"rows"`
}

func (s *Server) handleBreakout(w http.ResponseWriter, r *http.Request) {
	dim, err := query.ParseDimension(mux.Vars(r)["dimension"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()

	f := query.FilterFromValues(r.URL.Query())
	done := s.metrics.observeQuery("breakout_" + string(dim))
	rows, err := s.engine.Breakout(ctx, dim, f, limit)
	done(err)
	if err != nil {
		s.serverError(w, r, err)
		return
	}

	filter := map[string]string{}
	for _, d := range f.Pinned() {
		filter[string(d)] = f.Get(d)
	}
	writeJSON(w, http.StatusOK, breakoutResponse{Dimension: dim, Filter: filter, Rows: rows})
}

func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()

	done := s.metrics.observeQuery("totals")
	totals, err := s.engine.Totals(ctx, query.FilterFromValues(r.URL.Query()))
	done(err)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("report query failed", "path", r.URL.Path, "query", r.URL.RawQuery, "err", err)
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusServiceUnavailable, "query timed out")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
