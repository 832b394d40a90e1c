package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"voting-service/internal/event"
	"voting-service/internal/models"
	"voting-service/internal/repository"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// fakeLedger mirrors the compare-and-swap semantics of the Mongo-backed vote
// code repository: a transition applies only when the filter still matches.
type fakeLedger struct {
	mu    sync.Mutex
	codes map[string]*models.VoteCode
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{codes: make(map[string]*models.VoteCode)}
}

func (f *fakeLedger) seed(code *models.VoteCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *code
	f.codes[code.Code] = &copied
}

func (f *fakeLedger) get(code string) models.VoteCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.codes[code]
}

func (f *fakeLedger) FindByCode(ctx context.Context, code string) (*models.VoteCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.codes[code]
	if !ok {
		return nil, nil
	}
	copied := *stored
	return &copied, nil
}

func (f *fakeLedger) SetChallenge(ctx context.Context, code string, from models.CodeState, token string) (*models.VoteCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.codes[code]
	if !ok || stored.State != from || stored.Disabled {
		return nil, repository.ErrStateConflict
	}
	stored.State = models.CodeStateChallenged
	stored.ChallengeToken = token
	stored.ContinuationKey = ""
	copied := *stored
	return &copied, nil
}

func (f *fakeLedger) Unlock(ctx context.Context, code, token, continuationKey string) (*models.VoteCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.codes[code]
	if !ok || stored.State != models.CodeStateChallenged || stored.ChallengeToken != token || stored.Disabled {
		return nil, repository.ErrStateConflict
	}
	stored.State = models.CodeStateUnlocked
	stored.ContinuationKey = continuationKey
	copied := *stored
	return &copied, nil
}

// spend is the ledger half of fakeRecorder.SubmitBatch.
func (f *fakeLedger) spend(code, continuationKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.codes[code]
	if !ok || stored.State != models.CodeStateUnlocked || stored.ContinuationKey != continuationKey || stored.Disabled {
		return repository.ErrStateConflict
	}
	stored.State = models.CodeStateSpent
	stored.ChallengeToken = ""
	stored.ContinuationKey = ""
	return nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	ledger *fakeLedger
	votes  []*models.Vote
}

func (f *fakeRecorder) SubmitBatch(ctx context.Context, code, continuationKey string, votes []*models.Vote) error {
	if err := f.ledger.spend(code, continuationKey); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.votes = append(f.votes, votes...)
	return nil
}

type storedSession struct {
	session models.ChallengeSession
	expiry  time.Time
}

// fakeChallengeStore keeps sessions with real deadlines; an expired entry
// reads as absent, exactly like a lapsed Redis key.
type fakeChallengeStore struct {
	mu       sync.Mutex
	sessions map[string]storedSession
}

func newFakeChallengeStore() *fakeChallengeStore {
	return &fakeChallengeStore{sessions: make(map[string]storedSession)}
}

func (f *fakeChallengeStore) Put(ctx context.Context, token string, session *models.ChallengeSession, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[token] = storedSession{session: *session, expiry: time.Now().Add(ttl)}
	return nil
}

func (f *fakeChallengeStore) Get(ctx context.Context, token string) (*models.ChallengeSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.sessions[token]
	if !ok || time.Now().After(stored.expiry) {
		return nil, nil
	}
	copied := stored.session
	return &copied, nil
}

func (f *fakeChallengeStore) TTL(ctx context.Context, token string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.sessions[token]
	if !ok {
		return 0, nil
	}
	remaining := time.Until(stored.expiry)
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

func (f *fakeChallengeStore) Invalidate(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, token)
	return nil
}

func (f *fakeChallengeStore) expire(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, token)
}

type fakeCatalog struct {
	teachers []models.TeacherInfo
}

func (f *fakeCatalog) ListActive(ctx context.Context) ([]models.TeacherInfo, error) {
	return f.teachers, nil
}

type fakePublisher struct {
	mu         sync.Mutex
	codeEvents []*event.CodeEvent
}

func (f *fakePublisher) PublishCodeEvent(codeEvent *event.CodeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codeEvents = append(f.codeEvents, codeEvent)
	return nil
}

func (f *fakePublisher) PublishBanEvent(banEvent *event.BanEvent) error { return nil }

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, 0, len(f.codeEvents))
	for _, codeEvent := range f.codeEvents {
		types = append(types, codeEvent.EventType)
	}
	return types
}

type votingFixture struct {
	service    *VotingService
	ledger     *fakeLedger
	recorder   *fakeRecorder
	challenges *fakeChallengeStore
	attempts   *fakeAttemptStore
	publisher  *fakePublisher
	teacherIDs []string
}

func newVotingFixture() *votingFixture {
	ledger := newFakeLedger()
	recorder := &fakeRecorder{ledger: ledger}
	challenges := newFakeChallengeStore()
	attempts := newFakeAttemptStore()
	publisher := &fakePublisher{}

	teacherIDs := []string{bson.NewObjectID().Hex(), bson.NewObjectID().Hex()}
	catalog := &fakeCatalog{teachers: []models.TeacherInfo{
		{ID: teacherIDs[0], Name: "Alice Schmidt", Subjects: []string{"math"}},
		{ID: teacherIDs[1], Name: "Bob Keller", Subjects: []string{"history"}},
	}}

	cfg := testVotingConfig()
	tracker := NewAttemptTracker(attempts, cfg)
	service := NewVotingService(ledger, recorder, challenges, catalog, tracker, publisher, cfg)

	return &votingFixture{
		service:    service,
		ledger:     ledger,
		recorder:   recorder,
		challenges: challenges,
		attempts:   attempts,
		publisher:  publisher,
		teacherIDs: teacherIDs,
	}
}

func (fx *votingFixture) seedCode(code string) {
	fx.ledger.seed(&models.VoteCode{
		Code:      code,
		State:     models.CodeStateUnused,
		CreatedAt: time.Now().Unix(),
	})
}

func (fx *votingFixture) failureCount(identity string) int64 {
	fx.attempts.mu.Lock()
	defer fx.attempts.mu.Unlock()
	return fx.attempts.counts[identity]
}

func TestVotingFlow(t *testing.T) {
	ctx := context.Background()
	fx := newVotingFixture()
	fx.seedCode("ABC123")

	token, err := fx.service.Verify(ctx, "ABC123", "10.0.0.1")
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if len(token) != TokenLength {
		t.Errorf("Expected challenge token length %d, got %d", TokenLength, len(token))
	}
	if state := fx.ledger.get("ABC123").State; state != models.CodeStateChallenged {
		t.Errorf("Expected code state challenged after verify, got %s", state)
	}

	result, err := fx.service.Solve(ctx, "ABC123", token, "10.0.0.1")
	if err != nil {
		t.Fatalf("Solve returned error: %v", err)
	}
	if len(result.Teachers) != 2 {
		t.Errorf("Expected 2 teachers, got %d", len(result.Teachers))
	}
	if result.ContinuationKey == "" {
		t.Error("Expected a continuation key from solve")
	}
	if state := fx.ledger.get("ABC123").State; state != models.CodeStateUnlocked {
		t.Errorf("Expected code state unlocked after solve, got %s", state)
	}

	options, err := fx.service.Options(ctx, token, "10.0.0.1")
	if err != nil {
		t.Fatalf("Options returned error: %v", err)
	}
	if len(options) != len(models.RatingFields()) {
		t.Errorf("Expected %d rating options, got %d", len(models.RatingFields()), len(options))
	}

	teachers, err := fx.service.Teachers(ctx, token, "10.0.0.1")
	if err != nil {
		t.Fatalf("Teachers returned error: %v", err)
	}
	if len(teachers) != 2 {
		t.Errorf("Expected 2 teachers from read-back, got %d", len(teachers))
	}

	req := &models.SubmitRequest{
		Code:            "ABC123",
		ContinuationKey: result.ContinuationKey,
		Ratings: map[string]models.RatingSet{
			fx.teacherIDs[0]: {Overall: 8, Humor: 9},
			fx.teacherIDs[1]: {Overall: 5},
		},
	}
	if err := fx.service.Submit(ctx, req, "10.0.0.1"); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	if state := fx.ledger.get("ABC123").State; state != models.CodeStateSpent {
		t.Errorf("Expected code state spent after submit, got %s", state)
	}
	if len(fx.recorder.votes) != 2 {
		t.Errorf("Expected 2 recorded votes, got %d", len(fx.recorder.votes))
	}
	if session, _ := fx.challenges.Get(ctx, token); session != nil {
		t.Error("Expected challenge session to be invalidated after submit")
	}

	expected := []string{event.EventTypeCodeChallenged, event.EventTypeCodeUnlocked, event.EventTypeVoteSubmitted}
	types := fx.publisher.eventTypes()
	if len(types) != len(expected) {
		t.Fatalf("Expected %d published events, got %d", len(expected), len(types))
	}
	for i, eventType := range expected {
		if types[i] != eventType {
			t.Errorf("Expected event %d to be %s, got %s", i, eventType, types[i])
		}
	}
}

func TestVerifyRejections(t *testing.T) {
	ctx := context.Background()

	testCases := []struct {
		name string
		seed func(fx *votingFixture)
	}{
		{"unknown code", func(fx *votingFixture) {}},
		{"spent code", func(fx *votingFixture) {
			fx.ledger.seed(&models.VoteCode{Code: "ABC123", State: models.CodeStateSpent})
		}},
		{"disabled code", func(fx *votingFixture) {
			fx.ledger.seed(&models.VoteCode{Code: "ABC123", State: models.CodeStateUnused, Disabled: true})
		}},
		{"expired code", func(fx *votingFixture) {
			fx.ledger.seed(&models.VoteCode{Code: "ABC123", State: models.CodeStateUnused, ExpiresAt: time.Now().Unix() - 60})
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newVotingFixture()
			tc.seed(fx)

			_, err := fx.service.Verify(ctx, "ABC123", "10.0.0.1")
			if !errors.Is(err, ErrInvalidCode) {
				t.Fatalf("Expected ErrInvalidCode, got %v", err)
			}
			if count := fx.failureCount("10.0.0.1"); count != 1 {
				t.Errorf("Expected 1 counted failure, got %d", count)
			}
		})
	}
}

func TestVerifyUnlockedCode(t *testing.T) {
	ctx := context.Background()
	fx := newVotingFixture()
	fx.seedCode("ABC123")

	token, err := fx.service.Verify(ctx, "ABC123", "10.0.0.1")
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if _, err := fx.service.Solve(ctx, "ABC123", token, "10.0.0.1"); err != nil {
		t.Fatalf("Solve returned error: %v", err)
	}

	// While the winning session is live, the code is taken.
	if _, err := fx.service.Verify(ctx, "ABC123", "10.0.0.9"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("Expected ErrInvalidCode while a session is live, got %v", err)
	}

	// Once the session lapses, the code returns to circulation.
	fx.challenges.expire(token)
	fresh, err := fx.service.Verify(ctx, "ABC123", "10.0.0.9")
	if err != nil {
		t.Fatalf("Expected verify to succeed after session lapse, got %v", err)
	}
	if fresh == token {
		t.Error("Expected a fresh challenge token after re-verify")
	}
	if state := fx.ledger.get("ABC123").State; state != models.CodeStateChallenged {
		t.Errorf("Expected code back in challenged state, got %s", state)
	}
}

func TestReVerifyReplacesChallenge(t *testing.T) {
	ctx := context.Background()
	fx := newVotingFixture()
	fx.seedCode("ABC123")

	first, err := fx.service.Verify(ctx, "ABC123", "10.0.0.1")
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	second, err := fx.service.Verify(ctx, "ABC123", "10.0.0.1")
	if err != nil {
		t.Fatalf("Re-verify returned error: %v", err)
	}
	if first == second {
		t.Fatal("Expected re-verify to issue a different token")
	}

	// The first token is dead.
	if _, err := fx.service.Solve(ctx, "ABC123", first, "10.0.0.1"); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("Expected stale token to be rejected, got %v", err)
	}
	// The second one works.
	if _, err := fx.service.Solve(ctx, "ABC123", second, "10.0.0.1"); err != nil {
		t.Errorf("Expected fresh token to solve, got %v", err)
	}
}

func TestSolveRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("wrong token", func(t *testing.T) {
		fx := newVotingFixture()
		fx.seedCode("ABC123")
		if _, err := fx.service.Verify(ctx, "ABC123", "10.0.0.1"); err != nil {
			t.Fatalf("Verify returned error: %v", err)
		}

		_, err := fx.service.Solve(ctx, "ABC123", "nosuchtoken", "10.0.0.1")
		if !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("Expected ErrInvalidCode for wrong token, got %v", err)
		}
		if count := fx.failureCount("10.0.0.1"); count != 1 {
			t.Errorf("Expected wrong token to cost one attempt, got %d", count)
		}
	})

	t.Run("token bound to other code", func(t *testing.T) {
		fx := newVotingFixture()
		fx.seedCode("ABC123")
		fx.seedCode("XYZ789")
		token, err := fx.service.Verify(ctx, "ABC123", "10.0.0.1")
		if err != nil {
			t.Fatalf("Verify returned error: %v", err)
		}

		if _, err := fx.service.Solve(ctx, "XYZ789", token, "10.0.0.1"); !errors.Is(err, ErrInvalidCode) {
			t.Errorf("Expected ErrInvalidCode for mismatched code, got %v", err)
		}
	})

	t.Run("expired session", func(t *testing.T) {
		fx := newVotingFixture()
		fx.seedCode("ABC123")
		token, err := fx.service.Verify(ctx, "ABC123", "10.0.0.1")
		if err != nil {
			t.Fatalf("Verify returned error: %v", err)
		}
		fx.challenges.expire(token)

		if _, err := fx.service.Solve(ctx, "ABC123", token, "10.0.0.1"); !errors.Is(err, ErrInvalidCode) {
			t.Errorf("Expected ErrInvalidCode for expired session, got %v", err)
		}
	})
}

func TestSolveReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fx := newVotingFixture()
	fx.seedCode("ABC123")

	token, err := fx.service.Verify(ctx, "ABC123", "10.0.0.1")
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	first, err := fx.service.Solve(ctx, "ABC123", token, "10.0.0.1")
	if err != nil {
		t.Fatalf("Solve returned error: %v", err)
	}
	second, err := fx.service.Solve(ctx, "ABC123", token, "10.0.0.1")
	if err != nil {
		t.Fatalf("Replayed solve returned error: %v", err)
	}

	if first.ContinuationKey != second.ContinuationKey {
		t.Errorf("Expected replay to return the same continuation key, got %q then %q",
			first.ContinuationKey, second.ContinuationKey)
	}
	if count := fx.failureCount("10.0.0.1"); count != 0 {
		t.Errorf("Expected replay to be free of attempt cost, got %d failures", count)
	}
}

func TestSubmitRejections(t *testing.T) {
	ctx := context.Background()

	solve := func(t *testing.T, fx *votingFixture) (string, string) {
		t.Helper()
		fx.seedCode("ABC123")
		token, err := fx.service.Verify(ctx, "ABC123", "10.0.0.1")
		if err != nil {
			t.Fatalf("Verify returned error: %v", err)
		}
		result, err := fx.service.Solve(ctx, "ABC123", token, "10.0.0.1")
		if err != nil {
			t.Fatalf("Solve returned error: %v", err)
		}
		return token, result.ContinuationKey
	}

	t.Run("wrong continuation key", func(t *testing.T) {
		fx := newVotingFixture()
		solve(t, fx)

		req := &models.SubmitRequest{
			Code:            "ABC123",
			ContinuationKey: "forged",
			Ratings:         map[string]models.RatingSet{fx.teacherIDs[0]: {Overall: 5}},
		}
		if err := fx.service.Submit(ctx, req, "10.0.0.1"); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("Expected ErrInvalidCode for forged key, got %v", err)
		}
		if count := fx.failureCount("10.0.0.1"); count != 1 {
			t.Errorf("Expected forged key to cost one attempt, got %d", count)
		}
		if state := fx.ledger.get("ABC123").State; state != models.CodeStateUnlocked {
			t.Errorf("Expected code to stay unlocked, got %s", state)
		}
	})

	t.Run("missing continuation key", func(t *testing.T) {
		fx := newVotingFixture()
		solve(t, fx)

		req := &models.SubmitRequest{
			Code:    "ABC123",
			Ratings: map[string]models.RatingSet{fx.teacherIDs[0]: {Overall: 5}},
		}
		if err := fx.service.Submit(ctx, req, "10.0.0.1"); !errors.Is(err, ErrInvalidCode) {
			t.Errorf("Expected ErrInvalidCode for missing key, got %v", err)
		}
	})

	t.Run("lapsed session", func(t *testing.T) {
		fx := newVotingFixture()
		token, key := solve(t, fx)
		fx.challenges.expire(token)

		req := &models.SubmitRequest{
			Code:            "ABC123",
			ContinuationKey: key,
			Ratings:         map[string]models.RatingSet{fx.teacherIDs[0]: {Overall: 5}},
		}
		if err := fx.service.Submit(ctx, req, "10.0.0.1"); !errors.Is(err, ErrInvalidCode) {
			t.Errorf("Expected ErrInvalidCode after session lapse, got %v", err)
		}
	})

	t.Run("empty ratings", func(t *testing.T) {
		fx := newVotingFixture()
		_, key := solve(t, fx)

		req := &models.SubmitRequest{Code: "ABC123", ContinuationKey: key}
		err := fx.service.Submit(ctx, req, "10.0.0.1")
		var validation *ValidationError
		if !errors.As(err, &validation) || validation.Field != "ratings" {
			t.Fatalf("Expected validation error on ratings, got %v", err)
		}
		if count := fx.failureCount("10.0.0.1"); count != 0 {
			t.Errorf("Expected validation errors to be free of attempt cost, got %d", count)
		}
	})

	t.Run("teacher outside snapshot", func(t *testing.T) {
		fx := newVotingFixture()
		_, key := solve(t, fx)

		req := &models.SubmitRequest{
			Code:            "ABC123",
			ContinuationKey: key,
			Ratings:         map[string]models.RatingSet{bson.NewObjectID().Hex(): {Overall: 5}},
		}
		err := fx.service.Submit(ctx, req, "10.0.0.1")
		var validation *ValidationError
		if !errors.As(err, &validation) || validation.Field != "teacherId" {
			t.Fatalf("Expected validation error on teacherId, got %v", err)
		}
		if state := fx.ledger.get("ABC123").State; state != models.CodeStateUnlocked {
			t.Errorf("Expected code to stay unlocked, got %s", state)
		}
	})

	t.Run("rating out of range", func(t *testing.T) {
		fx := newVotingFixture()
		_, key := solve(t, fx)

		req := &models.SubmitRequest{
			Code:            "ABC123",
			ContinuationKey: key,
			Ratings:         map[string]models.RatingSet{fx.teacherIDs[0]: {Overall: 5, Humor: 42}},
		}
		err := fx.service.Submit(ctx, req, "10.0.0.1")
		var validation *ValidationError
		if !errors.As(err, &validation) || validation.Field != "humor" {
			t.Fatalf("Expected validation error on humor, got %v", err)
		}
	})
}

func TestSpentCodeStaysSpent(t *testing.T) {
	ctx := context.Background()
	fx := newVotingFixture()
	fx.seedCode("ABC123")

	token, _ := fx.service.Verify(ctx, "ABC123", "10.0.0.1")
	result, err := fx.service.Solve(ctx, "ABC123", token, "10.0.0.1")
	if err != nil {
		t.Fatalf("Solve returned error: %v", err)
	}
	req := &models.SubmitRequest{
		Code:            "ABC123",
		ContinuationKey: result.ContinuationKey,
		Ratings:         map[string]models.RatingSet{fx.teacherIDs[0]: {Overall: 5}},
	}
	if err := fx.service.Submit(ctx, req, "10.0.0.1"); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	if _, err := fx.service.Verify(ctx, "ABC123", "10.0.0.1"); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("Expected verify on spent code to fail, got %v", err)
	}
	if err := fx.service.Submit(ctx, req, "10.0.0.1"); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("Expected repeated submit to fail, got %v", err)
	}
	if len(fx.recorder.votes) != 1 {
		t.Errorf("Expected exactly 1 recorded vote, got %d", len(fx.recorder.votes))
	}
}

func TestConcurrentSubmitsSpendCodeOnce(t *testing.T) {
	ctx := context.Background()
	fx := newVotingFixture()
	fx.seedCode("ABC123")

	token, _ := fx.service.Verify(ctx, "ABC123", "10.0.0.1")
	result, err := fx.service.Solve(ctx, "ABC123", token, "10.0.0.1")
	if err != nil {
		t.Fatalf("Solve returned error: %v", err)
	}

	const racers = 8
	results := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := &models.SubmitRequest{
				Code:            "ABC123",
				ContinuationKey: result.ContinuationKey,
				Ratings:         map[string]models.RatingSet{fx.teacherIDs[0]: {Overall: 7}},
			}
			results <- fx.service.Submit(ctx, req, "10.0.0.1")
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for err := range results {
		if err == nil {
			winners++
			continue
		}
		// Losers either lose the compare-and-swap or, once enough of them
		// piled up failures, hit the ban gate.
		var banned *BannedError
		if !errors.Is(err, ErrInvalidCode) && !errors.As(err, &banned) {
			t.Errorf("Expected losers to get ErrInvalidCode or BannedError, got %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("Expected exactly 1 winning submit, got %d", winners)
	}
	if len(fx.recorder.votes) != 1 {
		t.Errorf("Expected exactly 1 recorded vote, got %d", len(fx.recorder.votes))
	}
	if state := fx.ledger.get("ABC123").State; state != models.CodeStateSpent {
		t.Errorf("Expected code state spent, got %s", state)
	}
}

func TestAuthorizeImageRequiresSolvedSession(t *testing.T) {
	ctx := context.Background()
	fx := newVotingFixture()
	fx.seedCode("ABC123")

	token, err := fx.service.Verify(ctx, "ABC123", "10.0.0.1")
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}

	// Before solve the form does not exist yet; an image request with the
	// fresh token is just a guess.
	if err := fx.service.AuthorizeImage(ctx, token, "10.0.0.1"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("Expected pre-solve image request to be rejected, got %v", err)
	}
	if count := fx.failureCount("10.0.0.1"); count != 1 {
		t.Errorf("Expected pre-solve image request to cost one attempt, got %d", count)
	}

	if _, err := fx.service.Solve(ctx, "ABC123", token, "10.0.0.1"); err != nil {
		t.Fatalf("Solve returned error: %v", err)
	}
	if err := fx.service.AuthorizeImage(ctx, token, "10.0.0.1"); err != nil {
		t.Errorf("Expected post-solve image request to pass, got %v", err)
	}

	if err := fx.service.AuthorizeImage(ctx, "nosuchtoken", "10.0.0.1"); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("Expected unknown token to be rejected, got %v", err)
	}
}

func TestBanExpiryRestoresAccess(t *testing.T) {
	ctx := context.Background()
	fx := newVotingFixture()
	fx.seedCode("ABC123")

	// A ban whose TTL already lapsed reads as absent.
	fx.attempts.mu.Lock()
	fx.attempts.bans["10.0.0.1"] = time.Now().Add(-time.Second)
	fx.attempts.mu.Unlock()

	tracker := NewAttemptTracker(fx.attempts, testVotingConfig())
	if err := tracker.Gate(ctx, "10.0.0.1"); err != nil {
		t.Fatalf("Expected lapsed ban to admit the identity, got %v", err)
	}

	token, err := fx.service.Verify(ctx, "ABC123", "10.0.0.1")
	if err != nil {
		t.Fatalf("Expected verify to succeed after ban expiry, got %v", err)
	}
	if len(token) != TokenLength {
		t.Errorf("Expected challenge token length %d, got %d", TokenLength, len(token))
	}
}

func TestBanAfterRepeatedFailures(t *testing.T) {
	ctx := context.Background()
	fx := newVotingFixture()
	fx.seedCode("ABC123")

	// Burn the whole failure budget on guesses.
	for i := 0; i < 3; i++ {
		if _, err := fx.service.Verify(ctx, "WRONG", "10.0.0.1"); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("Expected ErrInvalidCode on guess %d, got %v", i+1, err)
		}
	}

	// Even the correct code no longer helps.
	_, err := fx.service.Verify(ctx, "ABC123", "10.0.0.1")
	var banned *BannedError
	if !errors.As(err, &banned) {
		t.Fatalf("Expected BannedError after exhausting the budget, got %v", err)
	}

	// A different identity is unaffected.
	if _, err := fx.service.Verify(ctx, "ABC123", "10.0.0.2"); err != nil {
		t.Errorf("Expected a different identity to verify, got %v", err)
	}
}
