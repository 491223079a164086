// Package admin serves the operational HTTP endpoints: health, metrics,
// session status and read-only views of the store.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/sync"
)

// Sessions is the view of the running sessions.
type Sessions interface {
	Statuses() []sync.SessionStatus
	Trigger(accountID string) bool
}

// Store is the subset of the store the endpoints read.
type Store interface {
	ListCursors(ctx context.Context) ([]store.Cursor, error)
	ListQuarantine(ctx context.Context) ([]store.QuarantineEntry, error)
	ListMessages(ctx context.Context, f store.MessageFilter) ([]model.MessageRecord, error)
	GetMessage(ctx context.Context, id string) (*model.MessageRecord, error)
	GetUnreadNotifications(ctx context.Context) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
}

const defaultMessageLimit = 100

// NewRouter builds the admin routes.
func NewRouter(sessions Sessions, st Store, log zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.GET("/accounts", func(c *gin.Context) {
		c.JSON(http.StatusOK, sessions.Statuses())
	})
	r.POST("/accounts/:id/sync", func(c *gin.Context) {
		if !sessions.Trigger(c.Param("id")) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown account"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "sync requested"})
	})

	r.GET("/cursors", func(c *gin.Context) {
		cursors, err := st.ListCursors(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, cursors)
	})

	r.GET("/quarantine", func(c *gin.Context) {
		entries, err := st.ListQuarantine(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, entries)
	})

	r.GET("/messages", func(c *gin.Context) {
		f := store.MessageFilter{
			AccountID: c.Query("account"),
			Folder:    c.Query("folder"),
			Limit:     defaultMessageLimit,
		}
		if label := c.Query("label"); label != "" {
			cat := model.Category(label)
			f.Label = &cat
		}
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			f.Limit = n
		}

		msgs, err := st.ListMessages(c.Request.Context(), f)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, msgs)
	})

	r.GET("/messages/:id", func(c *gin.Context) {
		msg, err := st.GetMessage(c.Request.Context(), c.Param("id"))
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, msg)
	})

	r.GET("/notifications", func(c *gin.Context) {
		notes, err := st.GetUnreadNotifications(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, notes)
	})
	r.POST("/notifications/:id/read", func(c *gin.Context) {
		if err := st.MarkNotificationRead(c.Request.Context(), c.Param("id")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	return r
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("admin request")
	}
}

// Serve runs the admin server on addr until ctx is cancelled, then shuts
// it down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("admin server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
