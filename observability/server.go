package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/benz9527/xsensor/lib/infra"
	"github.com/benz9527/xsensor/xlog"
)

// MetricsServer exposes a prometheus handler on /metrics.
type MetricsServer struct {
	server *http.Server
	logger xlog.XLogger
}

func NewMetricsServer(addr string, handler http.Handler, logger xlog.XLogger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Serve blocks until ctx ends, then shuts the server down gracefully.
func (s *MetricsServer) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return infra.WrapErrorStackWithMessage(err, "[observability] listen "+s.server.Addr)
	}
	return s.serve(ctx, ln)
}

func (s *MetricsServer) serve(ctx context.Context, ln net.Listener) error {
	errC := make(chan error, 1)
	go func() {
		s.logger.Info("metrics server listening", zap.String("addr", ln.Addr().String()))
		errC <- s.server.Serve(ln)
	}()
	select {
	case err := <-errC:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return infra.WrapErrorStackWithMessage(err, "[observability] shutdown metrics server")
	}
	return nil
}
