package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/roundhouse/internal/rights"
)

const heartbeatInterval = 15 * time.Second

// jobEvents streams a job's progress as server-sent events until it stops
// or the client goes away. The final event is "completed" with the job row.
func (h *handlers) jobEvents(c *gin.Context) {
	id, ok := idParam(c)
	if !ok || !require(c, rights.TypeInstanceManager, rights.InstanceRead) {
		return
	}
	ctx := c.Request.Context()
	st, err := h.m.GetJobStatus(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	last := viewStatus(st)
	if !st.Job.Running() {
		writeSSE(c.Writer, "completed", last)
		c.Writer.Flush()
		return
	}
	writeSSE(c.Writer, "progress", last)
	c.Writer.Flush()

	ticker := time.NewTicker(h.streamInterval)
	heartbeat := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case <-ticker.C:
			st, err := h.m.GetJobStatus(ctx, id)
			if err != nil {
				writeSSE(c.Writer, "error", map[string]string{"error": err.Error()})
				c.Writer.Flush()
				return
			}
			v := viewStatus(st)
			if !st.Job.Running() {
				writeSSE(c.Writer, "completed", v)
				c.Writer.Flush()
				return
			}
			if v.Stage != last.Stage || v.Percent != last.Percent {
				writeSSE(c.Writer, "progress", v)
				c.Writer.Flush()
				last = v
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
}
