package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Domenick1991/hostelpay/api"
	"github.com/Domenick1991/hostelpay/config"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	httpSwagger "github.com/swaggo/http-swagger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Handlers are the HTTP handler groups mounted under /api.
type Handlers struct {
	Bookings *api.BookingHandler
	Payments *api.PaymentHandler
}

type Servers struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	health     *Health
}

// Run starts the gRPC health server and the HTTP API and blocks until ctx is
// canceled or a server fails.
func Run(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger, handlers Handlers, checks ...HealthCheck) error {
	s := newServers(cfg, logger, handlers, checks)

	errCh := make(chan error, 2)

	lis, err := net.Listen("tcp", cfg.GRPC.Address)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPC.Address, err)
	}
	go func() { errCh <- s.grpcServer.Serve(lis) }()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go s.health.Watch(ctx, 15*time.Second)

	logger.WithFields(logrus.Fields{
		"http": cfg.HTTP.Address,
		"grpc": cfg.GRPC.Address,
	}).Info("servers started")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	}
}

func newServers(cfg *config.Config, logger logrus.FieldLogger, handlers Handlers, checks []HealthCheck) *Servers {
	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	h := NewHealth(healthSrv, logger, checks...)

	httpSrv := &http.Server{
		Addr:    cfg.HTTP.Address,
		Handler: NewRouter(cfg, logger, handlers, h),
	}

	return &Servers{
		grpcServer: grpcSrv,
		httpServer: httpSrv,
		health:     h,
	}
}

// NewRouter builds the gin engine with CORS, request logging, docs and the
// authenticated /api groups.
func NewRouter(cfg *config.Config, logger logrus.FieldLogger, handlers Handlers, h *Health) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), api.RequestLogger(logger))

	if len(cfg.HTTP.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.HTTP.AllowedOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowHeaders:     []string{"Authorization", "Content-Type"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", h.Handle)

	if cfg.HTTP.SwaggerDir != "" {
		router.Static("/swagger", cfg.HTTP.SwaggerDir)
		router.GET("/docs/*any", gin.WrapH(httpSwagger.Handler(
			httpSwagger.URL("/swagger/payments.swagger.json"),
		)))
	}

	apiGroup := router.Group("/api", api.BearerAuth(time.Now))
	if handlers.Bookings != nil {
		handlers.Bookings.Register(apiGroup.Group("/bookings"))
	}
	if handlers.Payments != nil {
		handlers.Payments.Register(apiGroup.Group("/payments"))
	}
	return router
}
