package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"promptpilot/internal/detect"
	"promptpilot/internal/dispatch"
	"promptpilot/internal/journal"
	"promptpilot/internal/notify"
	"promptpilot/internal/quarantine"
)

// engine is a dispatcher with its journals and metrics attached.
type engine struct {
	disp     *dispatch.Dispatcher
	matchLog *journal.MatchLog
	errorLog *journal.ErrorLog
	metrics  *http.Server
	logger   *zap.Logger
}

// newEngine builds the dispatcher for a session. Quarantines and terminal
// failures are reported through notifier.
func newEngine(s *session, patterns []detect.Pattern, notifier notify.Notifier) (*engine, error) {
	cfg := s.cfg
	logger := s.logger
	e := &engine{logger: logger}

	var reg prometheus.Registerer
	if cfg.Metrics.Addr != "" {
		r := prometheus.NewRegistry()
		r.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		reg = r
		e.metrics = startMetricsServer(cfg.Metrics.Addr, r, logger.Named("metrics"))
	}

	trackerOpts := []quarantine.Option{
		quarantine.WithLogger(logger.Named("quarantine")),
		quarantine.WithRegisterer(reg),
		quarantine.WithQuarantineHook(func(qe *quarantine.QuarantineError) {
			go send(logger, notifier, notify.NewQuarantineNotification(qe.PatternID, int(qe.Errors)))
		}),
	}
	if cfg.Journal.Errors {
		el, err := journal.NewErrorLog(cfg.LogPath(), cfg.Journal.MaxSize, logger.Named("journal"))
		if err != nil {
			logger.Warn("Error journal disabled", zap.Error(err))
		} else {
			e.errorLog = el
			trackerOpts = append(trackerOpts, quarantine.WithErrorSink(el))
		}
	}

	dcfg := cfg.DispatcherConfig()
	dispOpts := []dispatch.Option{
		dispatch.WithLogger(logger.Named("dispatch")),
		dispatch.WithTracker(quarantine.New(dcfg.Quarantine, trackerOpts...)),
	}
	if cfg.Journal.Matches {
		e.matchLog = journal.NewMatchLog(cfg.LogPath(), cfg.Journal.MaxSize, logger.Named("journal"))
		dispOpts = append(dispOpts, dispatch.WithMatchRecorder(e.matchLog))
	}

	d, err := dispatch.New(dcfg, patterns, dispOpts...)
	if err != nil {
		e.Close()
		return nil, err
	}
	d.OnFatal(func(err error) {
		logger.Error("Matching stopped", zap.Error(err))
		go send(logger, notifier, notify.NewFailureNotification(err))
	})
	e.disp = d

	logger.Info("Dispatcher ready",
		zap.String("mode", string(d.Mode())),
		zap.Int("patterns", len(patterns)),
		zap.Bool("metrics", e.metrics != nil))
	return e, nil
}

// logReport writes the quarantine report of the session to the log.
func (e *engine) logReport() {
	rep := e.disp.ErrorReport()
	var matches, errs int64
	for _, m := range rep.Metrics {
		matches += m.Matches
		errs += m.Errors
	}
	e.logger.Info("Session report",
		zap.Int64("matches", matches),
		zap.Int64("errors", errs),
		zap.Int("recentErrors", len(rep.RecentErrors)),
		zap.Strings("disabled", rep.DisabledPatterns))
}

// Close stops the dispatcher, flushes the journals and shuts the metrics
// server down.
func (e *engine) Close() {
	if e.disp != nil {
		if err := e.disp.Close(); err != nil {
			e.logger.Warn("Dispatcher close failed", zap.Error(err))
		}
	}
	if e.matchLog != nil {
		if err := e.matchLog.Close(); err != nil {
			e.logger.Warn("Match journal close failed", zap.Error(err))
		}
	}
	if e.errorLog != nil {
		if err := e.errorLog.Close(); err != nil {
			e.logger.Warn("Error journal close failed", zap.Error(err))
		}
	}
	if e.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.metrics.Shutdown(ctx)
	}
}

// startMetricsServer serves reg on /metrics and a liveness probe on /health.
func startMetricsServer(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Metrics server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return srv
}

// send delivers n and logs a failure.
func send(logger *zap.Logger, notifier notify.Notifier, n *notify.Notification) {
	if err := notifier.Send(context.Background(), n); err != nil {
		logger.Warn("Failed to send notification",
			zap.String("notifier", notifier.Name()),
			zap.String("event", string(n.Event)),
			zap.Error(err))
	}
}
