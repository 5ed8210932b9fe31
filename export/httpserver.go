package export

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/mori-go/mori/events"
	"github.com/mori-go/mori/schedule"
	"github.com/mori-go/mori/status"
)

// BundleProvider returns the most recently published schedule bundle, or
// the zero Bundle before the first NewIteration. Session implements this
// trivially by closing over its own scheduler.
type BundleProvider func() schedule.Bundle

// Server is a read-only HTTP introspection surface over one session's
// status, event store and latest schedule bundle: GET /tensors, GET
// /events, GET /schedule. Grounded on the teacher's server.GenerateRoutes/
// Serve shape (gin router with recovery and cors middleware, one router
// per process), cut
// down to read-only GETs since this surface never mutates session state.
type Server struct {
	status  *status.MemoryStatus
	store   *events.Store
	bundle  BundleProvider
	addr    string
	httpSrv *http.Server
}

// NewServer builds a Server bound to st/store/bundle, listening on addr
// once Start is called.
func NewServer(addr string, st *status.MemoryStatus, store *events.Store, bundle BundleProvider) *Server {
	return &Server{status: st, store: store, bundle: bundle, addr: addr}
}

func (s *Server) routes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = []string{"Content-Type", "Accept"}

	r := gin.New()
	r.Use(gin.Recovery(), cors.New(corsConfig))

	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "mori is running") })

	r.GET("/tensors", func(c *gin.Context) {
		snap, err := SnapshotStatus(s.status)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	r.GET("/events", func(c *gin.Context) {
		if iterStr := c.Query("iteration"); iterStr != "" {
			iter, err := strconv.Atoi(iterStr)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "iteration must be an integer"})
				return
			}
			c.JSON(http.StatusOK, recordEvents(s.store.Events(iter)))
			return
		}
		var all []EventRecord
		for _, iter := range s.store.Iterations() {
			all = append(all, recordEvents(s.store.Events(iter))...)
		}
		c.JSON(http.StatusOK, all)
	})

	r.GET("/schedule", func(c *gin.Context) {
		if s.bundle == nil {
			c.JSON(http.StatusOK, ScheduleBundleRecord{})
			return
		}
		c.JSON(http.StatusOK, RecordBundle(s.bundle()))
	})

	return r
}

func recordEvents(evs []events.MemoryEvent) []EventRecord {
	out := make([]EventRecord, 0, len(evs))
	for _, ev := range evs {
		out = append(out, RecordEvent(ev))
	}
	return out
}

// Start begins serving in the background, returning once the listener is
// bound (so a caller can observe a chosen port of 0 resolve, and so an
// immediate Stop race-frees the same address).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.httpSrv = &http.Server{Handler: s.routes()}
	go s.httpSrv.Serve(ln)
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
