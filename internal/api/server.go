package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var ErrNoSupervisor = errors.New("supervisor is required")
var ErrNoEventSource = errors.New("event source is required")

type Server struct {
	router *gin.Engine

	httpSrv *http.Server
}

type ServerOptions struct {
	Supervisor supervisor
	Events     eventSource
	History    historySource
	Logger     *zap.Logger
	Addr       string
}

func NewServer(opts *ServerOptions) (*Server, error) {
	if opts.Supervisor == nil {
		return nil, ErrNoSupervisor
	}
	if opts.Events == nil {
		return nil, ErrNoEventSource
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(
		RecoveryMiddleware(opts.Logger),
		RequestIDMiddleware(),
		LoggingMiddleware(opts.Logger),
	)

	h := NewHandler(opts.Supervisor, opts.Events, opts.History, opts.Logger)
	setupRouter(router, h)

	return &Server{
		router: router,
		httpSrv: &http.Server{
			Addr:    opts.Addr,
			Handler: router,
		}}, nil
}

func (s *Server) Run() error {
	return s.httpSrv.ListenAndServe()
}
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) Router() http.Handler {
	return s.router
}

func setupRouter(router *gin.Engine, h *handler) {
	group := router.Group("/")
	group.POST("/downloads", h.addDownload)
	group.GET("/downloads", h.listDownloads)
	group.GET("/downloads/:id", h.getDownload)

	group.POST("/downloads/start", h.startAll)
	group.POST("/downloads/cancel", h.cancelAll)
	group.POST("/downloads/:id/start", h.startDownload)
	group.POST("/downloads/:id/cancel", h.cancelDownload)

	group.DELETE("/downloads/:id", h.removeDownload)
	group.DELETE("/downloads", h.clearDownloads)

	group.GET("/events", h.pollEvents)
	group.GET("/history", h.listHistory)
}
