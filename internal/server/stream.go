package server

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/previewr/internal/devserver"
	"github.com/loykin/previewr/internal/metrics"
)

// stream pushes a status snapshot right away and then every streamEvery
// until the client goes away, a snapshot fails or a write fails. The ticker
// and the writer are released on every exit path.
func (r *Router) stream(c *gin.Context, projectID string, withLogs bool) {
	ctx := c.Request.Context()
	log := r.log.With("project", projectID)

	w := NewSSEWriter(c.Writer)
	defer w.Close()
	defer metrics.StreamOpened()()

	if err := w.Start(); err != nil {
		log.Debug("start status stream failed", "error", err)
		return
	}
	ticker := time.NewTicker(r.streamEvery)
	defer ticker.Stop()

	send := func() bool {
		st, err := r.snapshot(ctx, projectID, withLogs)
		if err != nil {
			log.Error("status snapshot failed", "error", err)
			return false
		}
		if err := w.WriteData(st); err != nil {
			log.Debug("status stream write failed", "error", err)
			return false
		}
		return true
	}

	log.Debug("status stream opened")
	defer log.Debug("status stream closed")
	if !send() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !send() {
				return
			}
		}
	}
}

func (r *Router) snapshot(ctx context.Context, projectID string, withLogs bool) (st devserver.Status, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("status check panicked: %v", p)
		}
	}()
	return r.svc.Status(ctx, projectID, withLogs), nil
}
