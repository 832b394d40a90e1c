package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"voting-service/internal/config"
	"voting-service/internal/event"
	"voting-service/internal/models"
	"voting-service/internal/repository"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// CodeLedger is the durable single-use code store. Its transitions are
// compare-and-swap: they apply fully or not at all, and they are the only
// serialization point for concurrent requests on the same code.
type CodeLedger interface {
	FindByCode(ctx context.Context, code string) (*models.VoteCode, error)
	SetChallenge(ctx context.Context, code string, from models.CodeState, token string) (*models.VoteCode, error)
	Unlock(ctx context.Context, code, token, continuationKey string) (*models.VoteCode, error)
}

// VoteRecorder appends one submission batch and spends the code atomically.
type VoteRecorder interface {
	SubmitBatch(ctx context.Context, code, continuationKey string, votes []*models.Vote) error
}

// ChallengeStore is the transient token-to-session binding with TTL expiry.
type ChallengeStore interface {
	Put(ctx context.Context, token string, session *models.ChallengeSession, ttl time.Duration) error
	Get(ctx context.Context, token string) (*models.ChallengeSession, error)
	TTL(ctx context.Context, token string) (time.Duration, error)
	Invalidate(ctx context.Context, token string) error
}

// Catalog is the read boundary to the teacher data this service never owns.
type Catalog interface {
	ListActive(ctx context.Context) ([]models.TeacherInfo, error)
}

// VotingService drives the three-step vote-code lifecycle:
//
//	unused --verify--> challenged --solve--> unlocked --submit--> spent
//
// Invalid input in any state leaves the code untouched and costs the caller
// one attempt. A challenged or unlocked code whose session TTL lapsed is
// returned to circulation by the next verify.
type VotingService struct {
	ledger     CodeLedger
	recorder   VoteRecorder
	challenges ChallengeStore
	catalog    Catalog
	tracker    *AttemptTracker
	publisher  event.Publisher
	cfg        config.VotingConfig
}

// SolveResult is what a successful solve hands back to the client.
type SolveResult struct {
	Teachers        []models.TeacherInfo `json:"teachers"`
	ContinuationKey string               `json:"continuationKey"`
}

func NewVotingService(ledger CodeLedger, recorder VoteRecorder, challenges ChallengeStore, catalog Catalog, tracker *AttemptTracker, publisher event.Publisher, cfg config.VotingConfig) *VotingService {
	return &VotingService{
		ledger:     ledger,
		recorder:   recorder,
		challenges: challenges,
		catalog:    catalog,
		tracker:    tracker,
		publisher:  publisher,
		cfg:        cfg,
	}
}

// GateIdentity rejects a request from a banned identity before any other
// work is done. Used as the entry gate on the voting routes.
func (s *VotingService) GateIdentity(ctx context.Context, ip string) error {
	return s.tracker.Gate(ctx, s.tracker.Identity(ip, ""))
}

// Verify checks a vote code and issues a fresh challenge token. Re-verifying
// a challenged code replaces its token, so a leaked token from an abandoned
// attempt is dead the moment the real student retries.
func (s *VotingService) Verify(ctx context.Context, code, ip string) (string, error) {
	identity := s.tracker.Identity(ip, code)
	if err := s.tracker.Gate(ctx, identity); err != nil {
		return "", err
	}

	if s.cfg.CodeLength > 0 && len(code) != s.cfg.CodeLength {
		return "", s.reject(ctx, identity, "verify", code)
	}

	// One retry: a losing CAS against a concurrent verify on the same code
	// re-reads and goes again from the new state.
	for attempt := 0; attempt < 2; attempt++ {
		voteCode, err := s.ledger.FindByCode(ctx, code)
		if err != nil {
			return "", fmt.Errorf("failed to look up vote code: %w", err)
		}

		now := time.Now().Unix()
		if voteCode == nil || !voteCode.Usable(now) {
			return "", s.reject(ctx, identity, "verify", code)
		}

		switch voteCode.State {
		case models.CodeStateUnused, models.CodeStateChallenged:
			// re-verifiable
		case models.CodeStateUnlocked:
			session, err := s.challenges.Get(ctx, voteCode.ChallengeToken)
			if err != nil {
				return "", err
			}
			if session != nil {
				// Someone is mid-vote with this code right now.
				return "", s.reject(ctx, identity, "verify", code)
			}
			// Session lapsed before submit; the code goes back into play.
		default:
			return "", s.reject(ctx, identity, "verify", code)
		}

		token, err := NewToken(TokenLength)
		if err != nil {
			return "", err
		}

		priorToken := voteCode.ChallengeToken

		if _, err := s.ledger.SetChallenge(ctx, code, voteCode.State, token); err != nil {
			if errors.Is(err, repository.ErrStateConflict) {
				continue
			}
			return "", err
		}

		if priorToken != "" {
			if err := s.challenges.Invalidate(ctx, priorToken); err != nil {
				log.Printf("Warning: failed to invalidate prior challenge for code %s: %v", code, err)
			}
		}

		session := &models.ChallengeSession{
			Code:     code,
			IssuedAt: now,
		}
		if err := s.challenges.Put(ctx, token, session, s.cfg.ChallengeTTL); err != nil {
			return "", err
		}

		s.tracker.Succeed(ctx, identity)
		s.publish(&event.CodeEvent{
			EventType: event.EventTypeCodeChallenged,
			Code:      code,
			Timestamp: now,
		})

		return token, nil
	}

	return "", s.reject(ctx, identity, "verify", code)
}

// Solve exchanges a valid challenge token for the teacher list and the
// continuation key needed at submit time. Repeating a successful solve with
// the same token is idempotent and free of attempt cost.
func (s *VotingService) Solve(ctx context.Context, code, token, ip string) (*SolveResult, error) {
	identity := s.tracker.Identity(ip, code)
	if err := s.tracker.Gate(ctx, identity); err != nil {
		return nil, err
	}

	session, err := s.challenges.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if session == nil || session.Code != code {
		return nil, s.reject(ctx, identity, "solve", code)
	}

	voteCode, err := s.ledger.FindByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to look up vote code: %w", err)
	}

	now := time.Now().Unix()
	if voteCode == nil || !voteCode.Usable(now) || voteCode.ChallengeToken != token {
		return nil, s.reject(ctx, identity, "solve", code)
	}

	teachers, err := s.catalog.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	// Replay of an already-solved session: hand back the same state.
	if session.Solved && voteCode.State == models.CodeStateUnlocked {
		return &SolveResult{
			Teachers:        teachers,
			ContinuationKey: voteCode.ContinuationKey,
		}, nil
	}

	if voteCode.State != models.CodeStateChallenged {
		return nil, s.reject(ctx, identity, "solve", code)
	}

	remaining, err := s.challenges.TTL(ctx, token)
	if err != nil {
		return nil, err
	}
	if remaining <= 0 {
		return nil, s.reject(ctx, identity, "solve", code)
	}

	continuationKey, err := NewToken(TokenLength)
	if err != nil {
		return nil, err
	}

	if _, err := s.ledger.Unlock(ctx, code, token, continuationKey); err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			return nil, s.reject(ctx, identity, "solve", code)
		}
		return nil, err
	}

	session.Solved = true
	session.TeacherIDs = make([]string, 0, len(teachers))
	for _, teacher := range teachers {
		session.TeacherIDs = append(session.TeacherIDs, teacher.ID)
	}
	if err := s.challenges.Put(ctx, token, session, remaining); err != nil {
		return nil, err
	}

	s.tracker.Succeed(ctx, identity)
	s.publish(&event.CodeEvent{
		EventType: event.EventTypeCodeUnlocked,
		Code:      code,
		Teachers:  len(teachers),
		Timestamp: now,
	})

	return &SolveResult{
		Teachers:        teachers,
		ContinuationKey: continuationKey,
	}, nil
}

// Teachers re-serves the cached teacher list for a solved session whose code
// is still unlocked. It exists for clients whose local copy of the list
// expired while their voting session did not. No state changes.
func (s *VotingService) Teachers(ctx context.Context, token, ip string) ([]models.TeacherInfo, error) {
	if _, _, err := s.solvedSession(ctx, token, ip); err != nil {
		return nil, err
	}
	return s.catalog.ListActive(ctx)
}

// Options lists the rating categories a submission may carry.
func (s *VotingService) Options(ctx context.Context, token, ip string) ([]string, error) {
	if _, _, err := s.solvedSession(ctx, token, ip); err != nil {
		return nil, err
	}
	return models.RatingFields(), nil
}

// AuthorizeImage checks that an image request carries a live, solved
// session. Images are part of the voting form, which only exists after
// solve; a pre-solve token is rejected and penalized like any other guess.
func (s *VotingService) AuthorizeImage(ctx context.Context, token, ip string) error {
	identity := s.tracker.Identity(ip, "")
	if err := s.tracker.Gate(ctx, identity); err != nil {
		return err
	}

	session, err := s.challenges.Get(ctx, token)
	if err != nil {
		return err
	}
	if session == nil || !session.Solved {
		return s.reject(ctx, identity, "image", "")
	}
	return nil
}

// Submit records all ratings of one submission and spends the code, as one
// atomic unit. Ratings must reference teachers from the catalog snapshot the
// session was solved against; those rejections are the only specific errors
// the voting flow produces.
func (s *VotingService) Submit(ctx context.Context, req *models.SubmitRequest, ip string) error {
	identity := s.tracker.Identity(ip, req.Code)
	if err := s.tracker.Gate(ctx, identity); err != nil {
		return err
	}

	voteCode, err := s.ledger.FindByCode(ctx, req.Code)
	if err != nil {
		return fmt.Errorf("failed to look up vote code: %w", err)
	}

	now := time.Now().Unix()
	if voteCode == nil || !voteCode.Usable(now) ||
		voteCode.State != models.CodeStateUnlocked ||
		req.ContinuationKey == "" || voteCode.ContinuationKey != req.ContinuationKey {
		return s.reject(ctx, identity, "submit", req.Code)
	}

	session, err := s.challenges.Get(ctx, voteCode.ChallengeToken)
	if err != nil {
		return err
	}
	if session == nil || !session.Solved {
		// The session lapsed between solve and submit; the code will be
		// re-verifiable, but this submission is over.
		return s.reject(ctx, identity, "submit", req.Code)
	}

	if len(req.Ratings) == 0 {
		return &ValidationError{Field: "ratings", Reason: "at least one rating is required"}
	}

	votes := make([]*models.Vote, 0, len(req.Ratings))
	for teacherID, ratings := range req.Ratings {
		if !session.SnapshotContains(teacherID) {
			return &ValidationError{Field: "teacherId", Reason: fmt.Sprintf("unknown teacher %s", teacherID)}
		}
		if field := ratings.InvalidField(); field != "" {
			return &ValidationError{Field: field, Reason: fmt.Sprintf("must be between %d and %d", models.RatingMin, models.RatingMax)}
		}

		objectID, err := bson.ObjectIDFromHex(teacherID)
		if err != nil {
			return &ValidationError{Field: "teacherId", Reason: fmt.Sprintf("unknown teacher %s", teacherID)}
		}

		votes = append(votes, &models.Vote{
			TeacherID:   objectID,
			Ratings:     ratings,
			SubmittedAt: now,
			SourceIP:    ip,
		})
	}

	if err := s.recorder.SubmitBatch(ctx, req.Code, req.ContinuationKey, votes); err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			// A parallel submit won the race; this code is spent.
			return s.reject(ctx, identity, "submit", req.Code)
		}
		return err
	}

	if err := s.challenges.Invalidate(ctx, voteCode.ChallengeToken); err != nil {
		log.Printf("Warning: failed to invalidate challenge after submit for code %s: %v", req.Code, err)
	}

	s.tracker.Succeed(ctx, identity)
	s.publish(&event.CodeEvent{
		EventType: event.EventTypeVoteSubmitted,
		Code:      req.Code,
		Teachers:  len(votes),
		Timestamp: now,
	})

	return nil
}

// solvedSession validates a token for the read-only endpoints: the session
// must exist, be solved, and its code must still be unlocked.
func (s *VotingService) solvedSession(ctx context.Context, token, ip string) (*models.ChallengeSession, *models.VoteCode, error) {
	identity := s.tracker.Identity(ip, "")
	if err := s.tracker.Gate(ctx, identity); err != nil {
		return nil, nil, err
	}

	session, err := s.challenges.Get(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	if session == nil || !session.Solved {
		return nil, nil, s.reject(ctx, identity, "teachers", "")
	}

	voteCode, err := s.ledger.FindByCode(ctx, session.Code)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to look up vote code: %w", err)
	}
	if voteCode == nil || !voteCode.Usable(time.Now().Unix()) ||
		voteCode.State != models.CodeStateUnlocked || voteCode.ChallengeToken != token {
		return nil, nil, s.reject(ctx, identity, "teachers", "")
	}

	return session, voteCode, nil
}

// reject charges the identity one failed attempt and returns the generic
// error. Every client-caused failure funnels through here, so enumeration is
// never free.
func (s *VotingService) reject(ctx context.Context, identity, operation, code string) error {
	if err := s.tracker.Fail(ctx, identity); err != nil {
		log.Printf("Warning: failed to record attempt failure for %s: %v", identity, err)
	}
	log.Printf("Rejected %s request from %s (code %q)", operation, identity, code)
	return ErrInvalidCode
}

func (s *VotingService) publish(codeEvent *event.CodeEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishCodeEvent(codeEvent); err != nil {
		log.Printf("Failed to publish %s event: %v", codeEvent.EventType, err)
	}
}
