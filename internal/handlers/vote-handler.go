package handlers

import (
	"context"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"voting-service/internal/database/mongo"
	"voting-service/internal/models"
	"voting-service/internal/services"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	voteVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vote_verifications_total",
			Help: "Total number of vote verification attempts",
		},
		[]string{"status"},
	)

	voteSolves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vote_solves_total",
			Help: "Total number of vote solve attempts",
		},
		[]string{"status"},
	)

	voteSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vote_submissions_total",
			Help: "Total number of vote submissions",
		},
		[]string{"status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vote_request_duration_seconds",
			Help:    "Time spent processing vote requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
)

type VoteHandler struct {
	votingService  *services.VotingService
	catalogService *services.CatalogService
}

func NewVoteHandler(votingService *services.VotingService, catalogService *services.CatalogService) *VoteHandler {
	return &VoteHandler{
		votingService:  votingService,
		catalogService: catalogService,
	}
}

func (h *VoteHandler) RegisterRoutes(app *fiber.App) {
	app.Get("/health", h.HealthCheck)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	voteGroup := app.Group("/vote", h.banGate)
	voteGroup.Post("/verify", h.Verify)
	voteGroup.Post("/solve", h.Solve)
	voteGroup.Get("/teachers", h.GetTeachers)
	voteGroup.Get("/options", h.GetOptions)
	voteGroup.Get("/image", h.GetImage)
	voteGroup.Post("/submit", h.Submit)
}

// banGate turns away banned identities before any handler runs. Operations
// still gate on their own, narrower identity when BAN_IDENTITY_SCOPE is
// ip_code.
func (h *VoteHandler) banGate(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.votingService.GateIdentity(ctx, clientIP(c)); err != nil {
		return h.respondError(c, err)
	}
	return c.Next()
}

func (h *VoteHandler) Verify(c fiber.Ctx) error {
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("verify").Observe(time.Since(start).Seconds())
	}()

	var req models.VerifyRequest
	if err := c.Bind().Body(&req); err != nil || req.Code == "" {
		voteVerifications.WithLabelValues("failure").Inc()
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	challenge, err := h.votingService.Verify(ctx, req.Code, clientIP(c))
	if err != nil {
		voteVerifications.WithLabelValues("failure").Inc()
		return h.respondError(c, err)
	}

	voteVerifications.WithLabelValues("success").Inc()
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "Vote code verified",
		"data": fiber.Map{
			"challenge": challenge,
		},
	})
}

func (h *VoteHandler) Solve(c fiber.Ctx) error {
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("solve").Observe(time.Since(start).Seconds())
	}()

	var req models.SolveRequest
	if err := c.Bind().Body(&req); err != nil || req.Code == "" || req.Challenge == "" {
		voteSolves.WithLabelValues("failure").Inc()
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := h.votingService.Solve(ctx, req.Code, req.Challenge, clientIP(c))
	if err != nil {
		voteSolves.WithLabelValues("failure").Inc()
		return h.respondError(c, err)
	}

	voteSolves.WithLabelValues("success").Inc()
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "Vote challenge solved",
		"data": fiber.Map{
			"teachers":        result.Teachers,
			"continuationKey": result.ContinuationKey,
		},
	})
}

func (h *VoteHandler) GetTeachers(c fiber.Ctx) error {
	challenge := c.Query("challenge")
	if challenge == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Challenge is required",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	teachers, err := h.votingService.Teachers(ctx, challenge, clientIP(c))
	if err != nil {
		return h.respondError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": fiber.Map{
			"teachers": teachers,
		},
	})
}

func (h *VoteHandler) GetOptions(c fiber.Ctx) error {
	challenge := c.Query("challenge")
	if challenge == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Challenge is required",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	options, err := h.votingService.Options(ctx, challenge, clientIP(c))
	if err != nil {
		return h.respondError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": fiber.Map{
			"options": options,
		},
	})
}

func (h *VoteHandler) GetImage(c fiber.Ctx) error {
	challenge := c.Query("challenge")
	teacherID := c.Query("teacher_id")
	if challenge == "" || teacherID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Challenge and teacher_id are required",
		})
	}
	number, _ := strconv.Atoi(c.Query("number", "1"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := h.votingService.AuthorizeImage(ctx, challenge, clientIP(c)); err != nil {
		return h.respondError(c, err)
	}

	img, err := h.catalogService.GetImage(ctx, teacherID, number)
	if err != nil {
		log.Printf("Failed to get image for teacher %s: %v", teacherID, err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid teacher ID",
		})
	}
	if img == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Image not found",
		})
	}

	c.Set(fiber.HeaderContentType, "image/png")
	return c.Send(img)
}

func (h *VoteHandler) Submit(c fiber.Ctx) error {
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("submit").Observe(time.Since(start).Seconds())
	}()

	var req models.SubmitRequest
	if err := c.Bind().Body(&req); err != nil || req.Code == "" {
		voteSubmissions.WithLabelValues("failure").Inc()
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := h.votingService.Submit(ctx, &req, clientIP(c)); err != nil {
		voteSubmissions.WithLabelValues("failure").Inc()
		return h.respondError(c, err)
	}

	voteSubmissions.WithLabelValues("success").Inc()
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "Vote successfully submitted",
	})
}

func (h *VoteHandler) HealthCheck(c fiber.Ctx) error {
	if !mongo.IsConnected() {
		return c.Status(fiber.StatusServiceUnavailable).SendString("MongoDB unavailable")
	}
	return c.Status(fiber.StatusOK).SendString("Voting Service is healthy")
}

// respondError maps service errors onto responses. Banned and validation
// errors carry detail; everything else the voting flow rejects comes back as
// the same generic message on purpose.
func (h *VoteHandler) respondError(c fiber.Ctx, err error) error {
	var banned *services.BannedError
	if errors.As(err, &banned) {
		retrySeconds := int(banned.RetryAfter().Seconds())
		c.Set("Retry-After", strconv.Itoa(retrySeconds))
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":             "Too many attempts",
			"retryAfterSeconds": retrySeconds,
		})
	}

	var validation *services.ValidationError
	if errors.As(err, &validation) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": validation.Error(),
			"field": validation.Field,
		})
	}

	if errors.Is(err, services.ErrInvalidCode) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Invalid or already used vote code",
		})
	}

	log.Printf("Internal error handling vote request: %v", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Internal server error",
	})
}

// clientIP prefers the first X-Forwarded-For hop so bans hold behind the
// reverse proxy.
func clientIP(c fiber.Ctx) string {
	if forwarded := c.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	return c.IP()
}
