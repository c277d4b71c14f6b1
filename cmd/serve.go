package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/listings-cli/internal/aggregate"
	"github.com/sells-group/listings-cli/internal/export"
	"github.com/sells-group/listings-cli/internal/model"
	"github.com/sells-group/listings-cli/internal/report"
	"github.com/sells-group/listings-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for runs, listings, exports and reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}
		engine, err := newEngine(cfg)
		if err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		srv := newAPIServer(ctx, &runner{
			engine:     engine,
			store:      st,
			verifier:   newVerifier(cfg),
			strategies: cfg.Aggregate.Strategies,
		})
		err = startServer(ctx, buildRouter(srv), resolvePort(servePort, cfg.Server.Port))
		srv.wait()
		return err
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// resolvePort returns the flag port if set, otherwise the config port.
func resolvePort(flagPort, cfgPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfgPort
}

// startServer listens on port until ctx is done, then shuts down gracefully.
func startServer(ctx context.Context, handler http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

// Run status values reported by the API.
const (
	runRunning  = "running"
	runComplete = "complete"
	runFailed   = "failed"
)

// trackedRun is a run started through the API and the outcome of saving it.
type trackedRun struct {
	run       *aggregate.Run
	persisted chan struct{}
	saved     []store.SaveResult
	saveErr   error
}

// apiServer holds the runs started through the API. Runs live for the
// server's lifetime, not the request's.
type apiServer struct {
	ctx    context.Context
	runner *runner

	mu   sync.Mutex
	runs map[string]*trackedRun
	wg   sync.WaitGroup
}

func newAPIServer(ctx context.Context, r *runner) *apiServer {
	return &apiServer{ctx: ctx, runner: r, runs: make(map[string]*trackedRun)}
}

// wait blocks until every started run has been persisted.
func (s *apiServer) wait() {
	s.wg.Wait()
}

func (s *apiServer) start(req aggregate.Request) (*trackedRun, error) {
	run, err := s.runner.start(s.ctx, req)
	if err != nil {
		return nil, err
	}
	tr := &trackedRun{run: run, persisted: make(chan struct{})}

	s.mu.Lock()
	s.runs[run.ID()] = tr
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(tr.persisted)
		res := run.Wait()
		tr.saved, tr.saveErr = s.runner.finish(context.WithoutCancel(s.ctx), res)
		if tr.saveErr != nil {
			zap.L().Error("run not persisted", zap.String("run_id", run.ID()), zap.Error(tr.saveErr))
			return
		}
		zap.L().Info("run complete",
			zap.String("run_id", run.ID()),
			zap.Int("merged", res.Summary.Merged),
			zap.Int("errors", len(res.Summary.Errors)),
		)
	}()
	return tr, nil
}

func (s *apiServer) get(id string) (*trackedRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.runs[id]
	return tr, ok
}

// buildRouter creates the HTTP routes.
func buildRouter(s *apiServer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/runs", s.handleStartRun)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleRunStatus)
		r.Post("/runs/{id}/stop", s.handleStopRun)
		r.Get("/listings", s.handleListings)
		r.Get("/export", s.handleExport)
		r.Get("/report", s.handleReport)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// runRequest is the POST /api/runs body.
type runRequest struct {
	Query       string   `json:"query"`
	Locations   []string `json:"locations"`
	Strategies  []string `json:"strategies,omitempty"`
	Concurrency int      `json:"concurrency,omitempty"`
	TimeoutSecs int      `json:"timeout_secs,omitempty"`
	// Async returns as soon as the run starts instead of waiting for it.
	Async bool `json:"async,omitempty"`
}

// runResponse reports a run. Records and Summary are set once it completes.
type runResponse struct {
	RunID    string                `json:"run_id"`
	Status   string                `json:"status"`
	Progress *aggregate.Status     `json:"progress,omitempty"`
	Records  []model.MergedRecord  `json:"records,omitempty"`
	Summary  *model.RunSummary     `json:"summary,omitempty"`
	Saved    map[store.Outcome]int `json:"saved,omitempty"`
	Error    string                `json:"error,omitempty"`
}

func (s *apiServer) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tr, err := s.start(aggregate.Request{
		Query:       req.Query,
		Locations:   req.Locations,
		Strategies:  req.Strategies,
		Concurrency: req.Concurrency,
		Timeout:     time.Duration(req.TimeoutSecs) * time.Second,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Async {
		writeJSON(w, http.StatusAccepted, runResponse{RunID: tr.run.ID(), Status: runRunning})
		return
	}

	select {
	case <-tr.persisted:
		writeJSON(w, http.StatusOK, describeRun(tr, true))
	case <-r.Context().Done():
		// The client went away; the run carries on and is still persisted.
	}
}

func (s *apiServer) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	tr, ok := s.get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	withRecords, _ := strconv.ParseBool(r.URL.Query().Get("records"))
	writeJSON(w, http.StatusOK, describeRun(tr, withRecords))
}

func (s *apiServer) handleStopRun(w http.ResponseWriter, r *http.Request) {
	tr, ok := s.get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	tr.run.Stop()
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": tr.run.ID(), "status": "stopping"})
}

// describeRun reports a tracked run. A run counts as complete only once it
// has been persisted.
func describeRun(tr *trackedRun, withRecords bool) runResponse {
	progress := tr.run.Status()
	resp := runResponse{RunID: tr.run.ID(), Status: runRunning, Progress: &progress}

	select {
	case <-tr.persisted:
	default:
		return resp
	}

	res := tr.run.Wait()
	resp.Summary = &res.Summary
	resp.Status = runComplete
	if res.Summary.Failed() {
		resp.Status = runFailed
	}
	if withRecords {
		resp.Records = res.Records
	}
	if tr.saved != nil {
		resp.Saved = store.Tally(tr.saved)
	}
	if tr.saveErr != nil {
		resp.Error = tr.saveErr.Error()
	}
	return resp
}

func (s *apiServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runs, err := s.runner.store.ListRuns(r.Context(), store.RunFilter{
		Query:  q.Get("query"),
		Limit:  intParam(q.Get("limit")),
		Offset: intParam(q.Get("offset")),
	})
	if err != nil {
		zap.L().Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *apiServer) listings(r *http.Request) ([]model.MergedRecord, error) {
	q := r.URL.Query()
	return s.runner.store.ListListings(r.Context(), store.ListingFilter{
		Industry: q.Get("industry"),
		Location: q.Get("location"),
		Limit:    intParam(q.Get("limit")),
		Offset:   intParam(q.Get("offset")),
	})
}

func (s *apiServer) handleListings(w http.ResponseWriter, r *http.Request) {
	records, err := s.listings(r)
	if err != nil {
		zap.L().Error("list listings failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list listings")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *apiServer) handleExport(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("format")
	if name == "" {
		name = string(export.FormatCSV)
	}
	f, err := export.ParseFormat(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.listings(r)
	if err != nil {
		zap.L().Error("export listings failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list listings")
		return
	}

	w.Header().Set("Content-Type", f.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="listings.%s"`, f))
	if err := export.Write(w, f, records); err != nil {
		zap.L().Error("export write failed", zap.Error(err))
	}
}

func (s *apiServer) handleReport(w http.ResponseWriter, r *http.Request) {
	records, err := s.listings(r)
	if err != nil {
		zap.L().Error("report listings failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list listings")
		return
	}
	writeJSON(w, http.StatusOK, report.Build(records, time.Now()))
}

func intParam(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
