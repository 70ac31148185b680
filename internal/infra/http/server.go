package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"signtrust/internal/domain"
	"signtrust/internal/usecase"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestObserver records request latency per route.
type RequestObserver interface {
	ObserveRequest(method, route string, status int, elapsed time.Duration)
}

// HealthCheck reports whether a backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

type RateLimitConfig struct {
	Requests   int
	Window     time.Duration
	FailClosed bool
}

type Deps struct {
	Trails    *usecase.AuditTrailService
	Emitter   *usecase.AuditEmitter
	OTP       *usecase.OTPChallenge
	Signing   *usecase.SigningFlow
	Verifier  *usecase.IntegrityVerifier
	Limiter   domain.RateLimiter
	RateLimit RateLimitConfig
	Observer  RequestObserver
	Metrics   http.Handler
	Health    map[string]HealthCheck
	Logger    *zap.Logger
}

type Server struct {
	r        *gin.Engine
	trails   *usecase.AuditTrailService
	emitter  *usecase.AuditEmitter
	otp      *usecase.OTPChallenge
	signing  *usecase.SigningFlow
	verifier *usecase.IntegrityVerifier

	limiter   domain.RateLimiter
	rateLimit RateLimitConfig
	observer  RequestObserver
	metrics   http.Handler
	health    map[string]HealthCheck
	logger    *zap.Logger
}

func NewServer(deps Deps) *Server {
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		r:         r,
		trails:    deps.Trails,
		emitter:   deps.Emitter,
		otp:       deps.OTP,
		signing:   deps.Signing,
		verifier:  deps.Verifier,
		limiter:   deps.Limiter,
		rateLimit: deps.RateLimit,
		observer:  deps.Observer,
		metrics:   deps.Metrics,
		health:    deps.Health,
		logger:    deps.Logger,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.emitter == nil && s.trails != nil {
		s.emitter = usecase.NewAuditEmitter(s.trails)
	}
	r.Use(s.observe())
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.r
}

func (s *Server) routes() {
	s.r.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.r.GET("/metrics", gin.WrapH(s.metrics))
	}

	v1 := s.r.Group("/v1")
	{
		v1.POST("/trails", s.handleCreateTrail)
		v1.POST("/trails/:resource_id/records", s.handleAddRecord)
		v1.POST("/trails/:resource_id/seal", s.handleSealTrail)
		v1.GET("/trails/:resource_id/verify", s.handleVerifyTrail)
		v1.GET("/trails/:resource_id/export", s.handleExportTrail)

		v1.POST("/otp", s.limit(routeOTPIssue), s.handleIssueOTP)
		v1.POST("/otp/verify", s.limit(routeOTPVerify), s.handleVerifyOTP)
		v1.GET("/otp/:short_id", s.handleOTPStatus)

		v1.POST("/signatures", s.limit(routeSign), s.handleSign)
		v1.GET("/signatures/:signature_id/integrity", s.handleIntegrity)
	}
	s.r.NoRoute(func(c *gin.Context) {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
}

func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		if s.observer != nil {
			s.observer.ObserveRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
		}
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	checks := gin.H{}
	status := http.StatusOK
	for name, check := range s.health {
		if err := check(c.Request.Context()); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
