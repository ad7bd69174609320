// Package webhook exposes the HTTP surface: the provider webhook that feeds
// the queue, plus liveness and queue-statistics endpoints.
package webhook

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/ekkle/salesos/queue"
)

type Config struct {
	Port    int    `split_words:"true" default:"3000"`
	Secret  string `split_words:"true"`
	MaxBody int64  `split_words:"true" default:"1048576"`
}

// Enqueuer is the queue surface the webhook writes to.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job) (*queue.Job, error)
	Stats(ctx context.Context, now time.Time) (queue.Stats, error)
	Ping(ctx context.Context) error
}

// Pinger is a dependency the detailed health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	cfg    Config
	jobs   Enqueuer
	store  Pinger
	engine *gin.Engine
	http   *http.Server
}

func NewServer(cfg Config, jobs Enqueuer, st Pinger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{cfg: cfg, jobs: jobs, store: st, engine: engine}

	engine.POST("/webhook/whatsapp", s.handleWebhook)
	engine.GET("/webhook/whatsapp", s.handleLiveness)
	engine.GET("/health", s.handleHealth)
	engine.GET("/health/detailed", s.handleHealthDetailed)
	engine.GET("/health/queue", s.handleQueueStats)

	return s
}

// Handler exposes the routes for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	log.Info().Str("addr", addr).Msg("webhook: listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

type ackBody struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Processed bool   `json:"processed"`
}

// handleWebhook acknowledges everything with 200 except a shared-secret
// mismatch: the provider must only retry on transport failures.
func (s *Server) handleWebhook(c *gin.Context) {
	if s.cfg.Secret != "" && !s.authorized(c) {
		c.JSON(http.StatusUnauthorized, ackBody{Success: false, Message: "invalid webhook secret"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, s.maxBody()))
	if err != nil {
		log.Warn().Err(err).Msg("webhook: body read failed")
		c.JSON(http.StatusOK, ackBody{Success: true, Message: "unreadable body"})
		return
	}

	inbound, outcome := Decode(body)
	if outcome != OutcomeOK {
		log.Debug().Str("outcome", outcome.String()).Msg("webhook: payload dropped")
		c.JSON(http.StatusOK, ackBody{Success: true, Message: "ignored: " + outcome.String()})
		return
	}

	job := &queue.Job{
		MessageID: inbound.MessageID,
		Phone:     inbound.Phone,
		Message:   inbound.Text,
		PushName:  inbound.PushName,
		Timestamp: inbound.Timestamp,
	}
	if _, err := s.jobs.Enqueue(c.Request.Context(), job); err != nil {
		log.Error().Err(err).Str("message_id", inbound.MessageID).Msg("webhook: enqueue failed")
		c.JSON(http.StatusOK, ackBody{Success: true, Message: "queue unavailable"})
		return
	}

	log.Info().
		Str("message_id", inbound.MessageID).
		Str("phone", inbound.Phone).
		Msg("webhook: message enqueued")
	c.JSON(http.StatusOK, ackBody{Success: true, Message: "queued", Processed: true})
}

func (s *Server) authorized(c *gin.Context) bool {
	if secret := c.GetHeader("x-webhook-secret"); secret == s.cfg.Secret {
		return true
	}
	auth := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	return ok && token == s.cfg.Secret
}

func (s *Server) maxBody() int64 {
	if s.cfg.MaxBody <= 0 {
		return 1 << 20
	}
	return s.cfg.MaxBody
}

func (s *Server) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "endpoint": "whatsapp webhook"})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleHealthDetailed(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true

	if err := s.store.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	} else {
		checks["database"] = "ok"
	}
	if err := s.jobs.Ping(ctx); err != nil {
		checks["queue"] = err.Error()
		healthy = false
	} else {
		checks["queue"] = "ok"
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"healthy": healthy, "checks": checks})
}

func (s *Server) handleQueueStats(c *gin.Context) {
	stats, err := s.jobs.Stats(c.Request.Context(), time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"waiting":   stats.Waiting,
		"active":    stats.Active,
		"completed": stats.Completed,
		"failed":    stats.Failed,
		"delayed":   stats.Delayed,
	})
}
