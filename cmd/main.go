package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"voting-service/internal/config"
	"voting-service/internal/database/mongo"
	"voting-service/internal/database/redis"
	"voting-service/internal/event"
	"voting-service/internal/handlers"
	"voting-service/internal/models"
	"voting-service/internal/repository"
	"voting-service/internal/services"
	"voting-service/pkg/discovery"

	"github.com/gofiber/fiber/v3"
)

func setupLogging() (*os.File, error) {
	logDir := filepath.Join("/evolvia", "log", "voting_service")
	err := os.MkdirAll(logDir, 0755)
	if err != nil {
		return nil, fmt.Errorf("failed to create log directory: %v", err)
	}

	currentTime := time.Now()
	logFileName := fmt.Sprintf("log_%s.log", currentTime.Format("2006-01-02"))
	logFile := filepath.Join(logDir, logFileName)

	file, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %v", err)
	}

	log.SetOutput(file)
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	return file, nil
}

func main() {
	logFile, err := setupLogging()
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logFile.Close()

	cfg := config.ServiceConfig

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	})

	// Initialize repositories
	voteCodeRepo := repository.NewVoteCodeRepository(mongo.Mongo_Database)
	voteRepo := repository.NewVoteRepository(mongo.Mongo_Client, mongo.Mongo_Database)
	teacherRepo := repository.NewTeacherRepository(mongo.Mongo_Database)
	challengeRepo := repository.NewChallengeRepository(redis.Redis_Client)
	attemptRepo := repository.NewAttemptRepository(redis.Redis_Client)
	cacheRepo := repository.NewCacheRepository(redis.Redis_Client)

	// Create database indexes
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := voteCodeRepo.CreateIndexes(ctx); err != nil {
		log.Printf("Warning: Failed to create vote code indexes: %v", err)
	}
	if err := voteRepo.CreateIndexes(ctx); err != nil {
		log.Printf("Warning: Failed to create vote indexes: %v", err)
	}
	if err := teacherRepo.CreateIndexes(ctx); err != nil {
		log.Printf("Warning: Failed to create teacher indexes: %v", err)
	}
	if unused, err := voteCodeRepo.CountByState(ctx, models.CodeStateUnused); err == nil {
		log.Printf("%d unused vote codes in circulation", unused)
	}
	cancel()

	// Initialize event publisher
	eventPublisher, err := event.NewEventPublisher(cfg.RabbitMQ.URI, cfg.RabbitMQ.Exchange)
	if err != nil {
		log.Printf("Warning: Failed to initialize event publisher: %v", err)
	}

	// Initialize services
	attemptTracker := services.NewAttemptTracker(attemptRepo, cfg.Voting)
	attemptTracker.OnBan(func(identity string, until time.Time) {
		if eventPublisher == nil {
			return
		}
		banEvent := &event.BanEvent{
			EventType:   event.EventTypeIdentityBanned,
			Identity:    identity,
			BannedUntil: until.Unix(),
			Timestamp:   time.Now().Unix(),
		}
		if err := eventPublisher.PublishBanEvent(banEvent); err != nil {
			log.Printf("Warning: Failed to publish ban event: %v", err)
		}
	})
	catalogService := services.NewCatalogService(teacherRepo, cacheRepo, cfg.Voting)
	votingService := services.NewVotingService(voteCodeRepo, voteRepo, challengeRepo, catalogService, attemptTracker, eventPublisher, cfg.Voting)
	intakeService := services.NewIntakeService(voteCodeRepo, catalogService)

	// Initialize event consumer for admin-side events
	eventConsumer, err := event.NewEventConsumer(cfg.RabbitMQ.URI, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.QueueName, intakeService)
	if err != nil {
		log.Printf("Warning: Failed to initialize event consumer: %v", err)
	} else {
		if err := eventConsumer.Start(); err != nil {
			log.Printf("Warning: Failed to start event consumer: %v", err)
			eventConsumer.Close()
			eventConsumer = nil
		} else {
			log.Println("Successfully started admin event consumer")
		}
	}

	// Initialize and register handlers
	voteHandler := handlers.NewVoteHandler(votingService, catalogService)
	voteHandler.RegisterRoutes(app)

	if err := discovery.ServiceDiscovery.Register(); err != nil {
		log.Printf("Warning: Failed to register with service discovery: %v", err)
	}

	shutdownChan := make(chan os.Signal, 1)
	doneChan := make(chan bool, 1)

	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on port %s", cfg.Server.Port)
		if err := app.Listen(fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)); err != nil {
			log.Fatalf("Error starting server: %v", err)
		}
		doneChan <- true
	}()

	<-shutdownChan
	log.Println("Shutting down server...")

	ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	}

	// Close event publisher
	if eventPublisher != nil {
		if err := eventPublisher.Close(); err != nil {
			log.Printf("Error closing event publisher: %v", err)
		}
	}

	// Disconnect from MongoDB
	mongo.DisconnectMongo()

	// Deregister from service discovery
	if discovery.ServiceDiscovery != nil {
		if err := discovery.ServiceDiscovery.Deregister(); err != nil {
			log.Printf("Error deregistering from service discovery: %v", err)
		}
	}

	if eventConsumer != nil {
		if err := eventConsumer.Close(); err != nil {
			log.Printf("Error closing event consumer: %v", err)
		}
	}

	<-doneChan
	log.Println("Server shutdown complete")
}
