package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/god233012yamil/fetchd/internal/core"
	"github.com/god233012yamil/fetchd/internal/event"
	"github.com/god233012yamil/fetchd/internal/storage"
	"go.uber.org/zap"
)

type supervisor interface {
	Add(url string) (*core.Download, error)
	Get(id string) (*core.Download, error)
	List() []*core.Download
	Start(id string) error
	StartAll() int
	Cancel(id string) error
	CancelAll() int
	Remove(id string) error
	Clear() error
}

// eventSource is the single-consumer side of the event channel.
// Only the events handler drains it.
type eventSource interface {
	Poll(max int) []event.Event
}

type historySource interface {
	List(ctx context.Context) ([]storage.Record, error)
}

type handler struct {
	downloads supervisor
	events    eventSource
	history   historySource
	logger    *zap.Logger
}

const historyTimeout = 30 * time.Second
const defaultEventsMax = 256

var errBadMax = errors.New("max must be a positive integer")

func NewHandler(sup supervisor, events eventSource, history historySource, logger *zap.Logger) *handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &handler{downloads: sup, events: events, history: history, logger: logger}
}

func (h *handler) addDownload(c *gin.Context) {
	req := AddDownloadRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequestResponse(c, err)
		return
	}

	d, err := h.downloads.Add(req.URL)
	if err != nil {
		h.errorResponse(c, err)
		return
	}
	SetDownloadID(c, d.ID)
	h.logger.Info("download added",
		zap.String("reqid", GetRequestID(c)),
		zap.String("download_id", d.ID),
		zap.String("url", d.URL),
	)
	c.JSON(http.StatusCreated, NewDownloadResponse(d))
}

func (h *handler) listDownloads(c *gin.Context) {
	c.JSON(http.StatusOK, NewDownloadsListResponse(h.downloads.List()))
}

func (h *handler) getDownload(c *gin.Context) {
	id := c.Param("id")
	SetDownloadID(c, id)

	d, err := h.downloads.Get(id)
	if err != nil {
		h.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, NewDownloadResponse(d))
}

func (h *handler) startDownload(c *gin.Context) {
	id := c.Param("id")
	SetDownloadID(c, id)

	if err := h.downloads.Start(id); err != nil {
		h.errorResponse(c, err)
		return
	}
	h.logger.Info("download started",
		zap.String("reqid", GetRequestID(c)),
		zap.String("download_id", id),
	)
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (h *handler) startAll(c *gin.Context) {
	n := h.downloads.StartAll()
	h.logger.Info("start all",
		zap.String("reqid", GetRequestID(c)),
		zap.Int("started", n),
	)
	c.JSON(http.StatusAccepted, AffectedResponse{Affected: n})
}

func (h *handler) cancelDownload(c *gin.Context) {
	id := c.Param("id")
	SetDownloadID(c, id)

	if err := h.downloads.Cancel(id); err != nil {
		h.errorResponse(c, err)
		return
	}
	// cancellation is async: the terminal event confirms completion
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (h *handler) cancelAll(c *gin.Context) {
	n := h.downloads.CancelAll()
	h.logger.Info("cancel all",
		zap.String("reqid", GetRequestID(c)),
		zap.Int("cancelled", n),
	)
	c.JSON(http.StatusAccepted, AffectedResponse{Affected: n})
}

func (h *handler) removeDownload(c *gin.Context) {
	id := c.Param("id")
	SetDownloadID(c, id)

	if err := h.downloads.Remove(id); err != nil {
		h.errorResponse(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) clearDownloads(c *gin.Context) {
	if err := h.downloads.Clear(); err != nil {
		h.errorResponse(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) pollEvents(c *gin.Context) {
	max := defaultEventsMax
	if raw := c.Query("max"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			h.badRequestResponse(c, errBadMax)
			return
		}
		max = v
	}
	c.JSON(http.StatusOK, NewEventsResponse(h.events.Poll(max)))
}

func (h *handler) listHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusOK, HistoryResponse{Records: []storage.Record{}})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), historyTimeout)
	defer cancel()

	recs, err := h.history.List(ctx)
	if err != nil {
		h.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, HistoryResponse{Records: recs})
}

func (h *handler) badRequestResponse(c *gin.Context, err error) {
	if c != nil && err != nil {
		c.Error(err) //nolint:errcheck
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "bad request",
		"details": err.Error(),
	})
}

func (h *handler) errorResponse(c *gin.Context, err error) {
	if c != nil && err != nil {
		c.Error(err) //nolint:errcheck
	}
	if err == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "internal server error",
		})
		return
	}

	if appErr, ok := core.AsAppError(err); ok {
		s := appErr.HTTPStatus()
		p := gin.H{
			"error": appErr.PublicMessage(),
			"code":  appErr.Code,
		}
		if appErr.SafeToShow {
			switch {
			case appErr.Err != nil:
				p["details"] = appErr.Err.Error()
			case appErr.Message != "":
				p["details"] = appErr.Message
			}
		}
		h.logger.Warn("handler error",
			zap.String("reqid", GetRequestID(c)),
			zap.String("download_id", GetDownloadID(c)),
			zap.String("error", err.Error()),
		)
		c.AbortWithStatusJSON(s, p)
		return
	}

	h.logger.Error("handler unknown error",
		zap.String("reqid", GetRequestID(c)),
		zap.String("download_id", GetDownloadID(c)),
		zap.String("error", err.Error()),
	)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error": "internal server error",
	})
}
