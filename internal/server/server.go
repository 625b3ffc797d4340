package server

import (
	"context"
	"net/http"
	"time"

	"github.com/fiskalwerk/rksv/internal/audit"
	auditdomain "github.com/fiskalwerk/rksv/internal/audit/domain"
	"github.com/fiskalwerk/rksv/internal/cache"
	"github.com/fiskalwerk/rksv/internal/cashregister"
	"github.com/fiskalwerk/rksv/internal/chain"
	"github.com/fiskalwerk/rksv/internal/clock"
	"github.com/fiskalwerk/rksv/internal/config"
	"github.com/fiskalwerk/rksv/internal/counter"
	"github.com/fiskalwerk/rksv/internal/dep"
	"github.com/fiskalwerk/rksv/internal/migration"
	"github.com/fiskalwerk/rksv/internal/observability"
	obsmiddleware "github.com/fiskalwerk/rksv/internal/observability/logger"
	obsmetrics "github.com/fiskalwerk/rksv/internal/observability/metrics"
	obstracing "github.com/fiskalwerk/rksv/internal/observability/tracing"
	"github.com/fiskalwerk/rksv/internal/providers/pdf"
	"github.com/fiskalwerk/rksv/internal/ratelimit"
	"github.com/fiskalwerk/rksv/internal/receipt"
	"github.com/fiskalwerk/rksv/internal/registrierkasse"
	rksvdomain "github.com/fiskalwerk/rksv/internal/registrierkasse/domain"
	"github.com/fiskalwerk/rksv/internal/scheduler"
	"github.com/fiskalwerk/rksv/internal/signature"
	"github.com/fiskalwerk/rksv/pkg/db"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	config.Module,
	observability.Module,
	clock.Module,
	db.Module,
	migration.Module,
	cache.Module,
	ratelimit.Module,
	audit.Module,
	cashregister.Module,
	counter.Module,
	receipt.Module,
	signature.Module,
	chain.Module,
	registrierkasse.Module,
	dep.Module,
	pdf.Module,
	scheduler.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	svc         rksvdomain.Service
	auditSvc    auditdomain.Recorder
	depExporter *dep.Exporter
	depPusher   dep.Pusher
	pdf         *pdf.Provider
	signLimiter *ratelimit.SignLimiter
	log         *zap.Logger
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	Svc         rksvdomain.Service
	AuditSvc    auditdomain.Recorder
	DEPExporter *dep.Exporter
	DEPPusher   dep.Pusher `optional:"true"`
	PDF         *pdf.Provider
	SignLimiter *ratelimit.SignLimiter
	Log         *zap.Logger
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		svc:         p.Svc,
		auditSvc:    p.AuditSvc,
		depExporter: p.DEPExporter,
		depPusher:   p.DEPPusher,
		pdf:         p.PDF,
		signLimiter: p.SignLimiter,
		log:         p.Log.Named("http.server"),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1")

	registers := v1.Group("/cash-registers")
	registers.POST("", s.createCashRegister)
	registers.GET("", s.listCashRegisters)
	registers.GET("/:cash_register_id", s.getCashRegister)
	registers.POST("/:cash_register_id/deactivate", s.deactivateCashRegister)
	registers.POST("/:cash_register_id/reactivate", s.reactivateCashRegister)
	registers.POST("/:cash_register_id/deregister", s.deregisterCashRegister)
	registers.GET("/:cash_register_id/audit-logs", s.listAuditLogs)

	registers.POST("/:cash_register_id/receipts", s.signLimiter.Middleware(), s.signReceipt)
	registers.POST("/:cash_register_id/receipts/null", s.signLimiter.Middleware(), s.createNullReceipt)
	registers.POST("/:cash_register_id/receipts/closing", s.signLimiter.Middleware(), s.createClosingReceipt)
	registers.GET("/:cash_register_id/receipts", s.listReceipts)
	registers.GET("/:cash_register_id/verify", s.verifyChain)
	registers.GET("/:cash_register_id/dep", s.exportDEP)

	receipts := v1.Group("/receipts")
	receipts.GET("/:public_id", s.getReceipt)
	receipts.GET("/:public_id/verify", s.verifyReceipt)
	receipts.GET("/:public_id/pdf", s.receiptPDF)
}
