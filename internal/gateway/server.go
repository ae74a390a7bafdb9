package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/functionsdo/gateway/internal/config"
	"github.com/functionsdo/gateway/internal/logging"
)

// Server runs the gateway behind the main listener plus an optional admin
// listener for metrics, config introspection and reload.
type Server struct {
	gateway    *Gateway
	main       *http.Server
	admin      *http.Server
	configPath string
	watcher    *config.Watcher

	mu            sync.Mutex
	reloadHistory []ReloadResult
}

// NewServer builds the gateway and its listeners. configPath feeds reload;
// empty disables file-based reloading.
func NewServer(cfg *config.Config, configPath string) (*Server, error) {
	gw, err := New(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gateway:    gw,
		configPath: configPath,
	}
	s.main = &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           gw.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
	if cfg.Server.AdminListen != "" {
		s.admin = &http.Server{
			Addr:         cfg.Server.AdminListen,
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}
	return s, nil
}

// Gateway returns the underlying gateway, e.g. for mounting extra routes
// before Start.
func (s *Server) Gateway() *Gateway { return s.gateway }

// Start launches the listeners and returns once they are accepting.
func (s *Server) Start() error {
	errCh := make(chan error, 2)

	go func() {
		logging.Info("gateway listening", zap.String("addr", s.main.Addr))
		if err := s.main.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("main listener: %w", err)
		}
	}()

	if s.admin != nil {
		go func() {
			logging.Info("admin listening", zap.String("addr", s.admin.Addr))
			if err := s.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("admin listener: %w", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
	}
	return nil
}

// Run starts the server and blocks until SIGINT or SIGTERM. SIGHUP reloads
// the config file.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range quit {
		if sig == syscall.SIGHUP {
			result := s.ReloadConfig()
			if result.Success {
				logging.Info("config reloaded on SIGHUP", zap.Int("changes", len(result.Changes)))
			} else {
				logging.Error("config reload failed", zap.String("error", result.Error))
			}
			continue
		}
		logging.Info("shutting down", zap.String("signal", sig.String()))
		timeout := s.gateway.Config().Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		return s.Shutdown(timeout)
	}
	return nil
}

// Shutdown drains the listeners and releases the gateway's workers.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			logging.Warn("config watcher stop", zap.Error(err))
		}
	}
	if s.admin != nil {
		if err := s.admin.Shutdown(ctx); err != nil {
			logging.Error("admin shutdown", zap.Error(err))
		}
	}
	if err := s.main.Shutdown(ctx); err != nil {
		logging.Error("main shutdown", zap.Error(err))
	}
	if err := s.gateway.Close(); err != nil {
		return err
	}
	logging.Info("shutdown complete")
	return nil
}

// ReloadConfig re-reads the config file and applies it.
func (s *Server) ReloadConfig() ReloadResult {
	if s.configPath == "" {
		return s.recordReload(ReloadResult{
			Timestamp: time.Now(),
			Error:     "no config path configured",
		})
	}

	newCfg, err := config.NewLoader().Load(s.configPath)
	if err != nil {
		return s.recordReload(ReloadResult{
			Timestamp: time.Now(),
			Error:     fmt.Sprintf("config load failed: %v", err),
		})
	}
	return s.recordReload(s.gateway.Reload(newCfg))
}

// WatchConfig starts an fsnotify watcher on the config file; changes apply
// through the same path as SIGHUP.
func (s *Server) WatchConfig() error {
	if s.configPath == "" {
		return fmt.Errorf("no config path to watch")
	}
	w, err := config.NewWatcher(s.configPath)
	if err != nil {
		return err
	}
	w.OnChange(func(cfg *config.Config) {
		s.recordReload(s.gateway.Reload(cfg))
	})
	if err := w.Start(); err != nil {
		return err
	}
	s.watcher = w
	return nil
}

func (s *Server) recordReload(result ReloadResult) ReloadResult {
	s.mu.Lock()
	s.reloadHistory = append(s.reloadHistory, result)
	if len(s.reloadHistory) > 50 {
		s.reloadHistory = s.reloadHistory[len(s.reloadHistory)-50:]
	}
	s.mu.Unlock()
	return result
}

func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", s.gateway.metrics.Handler())

	mux.HandleFunc("/admin/health", func(w http.ResponseWriter, r *http.Request) {
		adminJSON(w, http.StatusOK, map[string]any{
			"status":        "ok",
			"version":       BuildVersion,
			"uptimeSeconds": int64(time.Since(s.gateway.startTime).Seconds()),
		})
	})

	mux.HandleFunc("/admin/config", func(w http.ResponseWriter, r *http.Request) {
		raw, err := config.Redacted(s.gateway.Config())
		if err != nil {
			http.Error(w, "config serialization failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(raw)
	})

	mux.HandleFunc("/admin/reload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		result := s.ReloadConfig()
		status := http.StatusOK
		if !result.Success {
			status = http.StatusInternalServerError
		}
		adminJSON(w, status, result)
	})

	mux.HandleFunc("/admin/reload/history", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		history := make([]ReloadResult, len(s.reloadHistory))
		copy(history, s.reloadHistory)
		s.mu.Unlock()
		adminJSON(w, http.StatusOK, map[string]any{
			"history": history,
			"count":   len(history),
		})
	})

	mux.HandleFunc("/admin/webhooks", func(w http.ResponseWriter, r *http.Request) {
		adminJSON(w, http.StatusOK, s.gateway.hooks.Stats())
	})

	return mux
}

func adminJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("admin response encode", zap.Error(err))
	}
}
