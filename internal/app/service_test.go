package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"codeancestry/api/internal/config"
	"codeancestry/api/internal/identity"
	"codeancestry/api/internal/rbac"
	"codeancestry/api/internal/store"
)

type fakeStore struct {
	insertEvolutionFn         func(context.Context, store.Evolution) error
	getEvolutionFn            func(context.Context, string) (store.Evolution, error)
	listEvolutionsFn          func(context.Context, store.FeedFilter) ([]store.Evolution, error)
	listLanguagesFn           func(context.Context) ([]string, error)
	setEvolutionImageFn       func(context.Context, string, string, string) error
	updateMetadataFn          func(context.Context, string, string, string, string) error
	setEvolutionAuthorFn      func(context.Context, string, string) error
	setEvolutionHiddenFn      func(context.Context, string, bool) error
	countEligibleFn           func(context.Context) (int, error)
	evolutionIDAtOffsetFn     func(context.Context, int) (string, error)
	toggleReactionFn          func(context.Context, string, string, string) (bool, error)
	listReactionCountsFn      func(context.Context, string) ([]store.ReactionCount, error)
	listActorReactionsFn      func(context.Context, string, string) ([]string, error)
	insertContentReportFn     func(context.Context, store.ContentReport) error
	listContentReportsFn      func(context.Context, int) ([]store.ContentReport, error)
	getUserByIDFn             func(context.Context, string) (store.User, error)
	lookupRefreshSessionFn    func(context.Context, string) (store.User, error)
	isAccessTokenRevokedFn    func(context.Context, string) (bool, error)
}

func (f *fakeStore) InsertEvolution(ctx context.Context, item store.Evolution) error {
	if f.insertEvolutionFn != nil {
		return f.insertEvolutionFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) GetEvolution(ctx context.Context, evolutionID string) (store.Evolution, error) {
	if f.getEvolutionFn != nil {
		return f.getEvolutionFn(ctx, evolutionID)
	}
	return store.Evolution{}, sql.ErrNoRows
}
func (f *fakeStore) ListEvolutions(ctx context.Context, filter store.FeedFilter) ([]store.Evolution, error) {
	if f.listEvolutionsFn != nil {
		return f.listEvolutionsFn(ctx, filter)
	}
	return nil, nil
}
func (f *fakeStore) ListLanguages(ctx context.Context) ([]string, error) {
	if f.listLanguagesFn != nil {
		return f.listLanguagesFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) SetEvolutionImage(ctx context.Context, evolutionID, stage, imageURL string) error {
	if f.setEvolutionImageFn != nil {
		return f.setEvolutionImageFn(ctx, evolutionID, stage, imageURL)
	}
	return nil
}
func (f *fakeStore) UpdateEvolutionMetadata(ctx context.Context, evolutionID, title, description, language string) error {
	if f.updateMetadataFn != nil {
		return f.updateMetadataFn(ctx, evolutionID, title, description, language)
	}
	return nil
}
func (f *fakeStore) SetEvolutionAuthor(ctx context.Context, evolutionID, authorID string) error {
	if f.setEvolutionAuthorFn != nil {
		return f.setEvolutionAuthorFn(ctx, evolutionID, authorID)
	}
	return nil
}
func (f *fakeStore) SetEvolutionHidden(ctx context.Context, evolutionID string, hidden bool) error {
	if f.setEvolutionHiddenFn != nil {
		return f.setEvolutionHiddenFn(ctx, evolutionID, hidden)
	}
	return nil
}
func (f *fakeStore) CountEligibleEvolutions(ctx context.Context) (int, error) {
	if f.countEligibleFn != nil {
		return f.countEligibleFn(ctx)
	}
	return 0, nil
}
func (f *fakeStore) EvolutionIDAtOffset(ctx context.Context, offset int) (string, error) {
	if f.evolutionIDAtOffsetFn != nil {
		return f.evolutionIDAtOffsetFn(ctx, offset)
	}
	return "", sql.ErrNoRows
}
func (f *fakeStore) ToggleReaction(ctx context.Context, refactoringID, actorID, reactionType string) (bool, error) {
	if f.toggleReactionFn != nil {
		return f.toggleReactionFn(ctx, refactoringID, actorID, reactionType)
	}
	return false, nil
}
func (f *fakeStore) ListReactionCounts(ctx context.Context, refactoringID string) ([]store.ReactionCount, error) {
	if f.listReactionCountsFn != nil {
		return f.listReactionCountsFn(ctx, refactoringID)
	}
	return nil, nil
}
func (f *fakeStore) ListActorReactions(ctx context.Context, refactoringID, actorID string) ([]string, error) {
	if f.listActorReactionsFn != nil {
		return f.listActorReactionsFn(ctx, refactoringID, actorID)
	}
	return nil, nil
}
func (f *fakeStore) InsertContentReport(ctx context.Context, report store.ContentReport) error {
	if f.insertContentReportFn != nil {
		return f.insertContentReportFn(ctx, report)
	}
	return nil
}
func (f *fakeStore) ListContentReports(ctx context.Context, limit int) ([]store.ContentReport, error) {
	if f.listContentReportsFn != nil {
		return f.listContentReportsFn(ctx, limit)
	}
	return nil, nil
}
func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, DisplayName: "User", Role: "member"}, nil
}
func (f *fakeStore) SaveRefreshSession(context.Context, string, string, time.Time) error { return nil }
func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	if f.lookupRefreshSessionFn != nil {
		return f.lookupRefreshSessionFn(ctx, tokenHash)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) RevokeRefreshSession(context.Context, string) error         { return nil }
func (f *fakeStore) RevokeAccessToken(context.Context, string, time.Time) error { return nil }
func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isAccessTokenRevokedFn != nil {
		return f.isAccessTokenRevokedFn(ctx, jti)
	}
	return false, nil
}
func (f *fakeStore) Ping(context.Context) error { return nil }

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg:   config.Config{JWTSecret: "test-secret", AccessTTL: 15 * time.Minute, RefreshTTL: 24 * time.Hour, FeedPageSize: 20},
		store: fs,
	}
}

func anonActor(id string) identity.Actor {
	return identity.Actor{ID: id, Kind: identity.KindAnonymous, Role: rbac.RoleAnonymous}
}

func memberActor(id string) identity.Actor {
	return identity.Actor{ID: id, Kind: identity.KindUser, Role: rbac.RoleMember}
}

func moderatorActor(id string) identity.Actor {
	return identity.Actor{ID: id, Kind: identity.KindUser, Role: rbac.RoleModerator}
}

func domainStatus(t *testing.T, err error) int {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return domainErr.Status
}

func TestFeedDegradesToEmptyOnStoreFailure(t *testing.T) {
	fs := &fakeStore{
		listEvolutionsFn: func(context.Context, store.FeedFilter) ([]store.Evolution, error) {
			return nil, errors.New("connection refused")
		},
	}
	svc := newTestService(fs)

	payload := svc.Feed(context.Background(), FeedQuery{})
	items, ok := payload["items"].([]map[string]any)
	if !ok {
		t.Fatalf("expected items slice, got %T", payload["items"])
	}
	if len(items) != 0 {
		t.Fatalf("expected empty feed on store failure, got %d items", len(items))
	}
}

func TestFeedNormalizesFilter(t *testing.T) {
	var captured store.FeedFilter
	fs := &fakeStore{
		listEvolutionsFn: func(_ context.Context, filter store.FeedFilter) ([]store.Evolution, error) {
			captured = filter
			return nil, nil
		},
	}
	svc := newTestService(fs)

	svc.Feed(context.Background(), FeedQuery{Language: "All", Search: "  cache  ", Sort: "oldest", Limit: 500})
	if captured.Language != "" {
		t.Fatalf(`expected "all" language to clear the filter, got %q`, captured.Language)
	}
	if captured.SearchTerm != "cache" {
		t.Fatalf("expected trimmed search term, got %q", captured.SearchTerm)
	}
	if !captured.SortOldest {
		t.Fatal("expected oldest sort")
	}
	if captured.Limit != 100 {
		t.Fatalf("expected limit capped at 100, got %d", captured.Limit)
	}

	svc.Feed(context.Background(), FeedQuery{})
	if captured.Limit != 20 {
		t.Fatalf("expected default page size 20, got %d", captured.Limit)
	}
	if captured.SortOldest {
		t.Fatal("expected newest-first by default")
	}
}

func TestCreateEvolutionRequiresBeforeImage(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.CreateEvolution(context.Background(), anonActor("anon_abc123"), CreateEvolutionInput{Title: "no image"})
	if status := domainStatus(t, err); status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
}

func TestCreateEvolutionSetsAuthor(t *testing.T) {
	var inserted store.Evolution
	fs := &fakeStore{
		insertEvolutionFn: func(_ context.Context, item store.Evolution) error {
			inserted = item
			return nil
		},
		getEvolutionFn: func(_ context.Context, evolutionID string) (store.Evolution, error) {
			return store.Evolution{ID: evolutionID, AuthorID: inserted.AuthorID, BeforeImageURL: inserted.BeforeImageURL}, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.CreateEvolution(context.Background(), anonActor("anon_abc123"), CreateEvolutionInput{
		BeforeImageURL: "http://cdn/x.png",
		Title:          "  Extract method  ",
	})
	if err != nil {
		t.Fatalf("CreateEvolution() error = %v", err)
	}
	if inserted.AuthorID != "anon_abc123" {
		t.Fatalf("expected anonymous author id recorded, got %q", inserted.AuthorID)
	}
	if inserted.Title != "Extract method" {
		t.Fatalf("expected trimmed title, got %q", inserted.Title)
	}
	if !strings.HasPrefix(inserted.ID, "evo_") {
		t.Fatalf("expected evo_ id prefix, got %q", inserted.ID)
	}
	if payload["authorId"] != "anon_abc123" {
		t.Fatalf("expected authorId in payload, got %v", payload["authorId"])
	}
}

func TestAttachImageRejectsUnknownStage(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.AttachImage(context.Background(), anonActor("anon_abc123"), "evo_1", "middle", "http://cdn/x.png")
	if status := domainStatus(t, err); status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
}

func TestAttachImageOwnerGate(t *testing.T) {
	fs := &fakeStore{
		getEvolutionFn: func(_ context.Context, evolutionID string) (store.Evolution, error) {
			return store.Evolution{ID: evolutionID, AuthorID: "anon_owner1"}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.AttachImage(context.Background(), anonActor("anon_other1"), "evo_1", "after", "http://cdn/x.png")
	if status := domainStatus(t, err); status != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner, got %d", status)
	}
}

func TestAttachImageAfterStage(t *testing.T) {
	var gotStage string
	fs := &fakeStore{
		getEvolutionFn: func(_ context.Context, evolutionID string) (store.Evolution, error) {
			complete := gotStage == "after"
			return store.Evolution{ID: evolutionID, AuthorID: "anon_owner1", IsComplete: complete}, nil
		},
		setEvolutionImageFn: func(_ context.Context, _, stage, _ string) error {
			gotStage = stage
			return nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.AttachImage(context.Background(), anonActor("anon_owner1"), "evo_1", "after", "http://cdn/after.png")
	if err != nil {
		t.Fatalf("AttachImage() error = %v", err)
	}
	if gotStage != "after" {
		t.Fatalf("expected after stage write, got %q", gotStage)
	}
	if payload["isComplete"] != true {
		t.Fatalf("expected completed record in response, got %v", payload["isComplete"])
	}
}

func TestUpdateMetadataAllowsModerator(t *testing.T) {
	updated := false
	fs := &fakeStore{
		getEvolutionFn: func(_ context.Context, evolutionID string) (store.Evolution, error) {
			return store.Evolution{ID: evolutionID, AuthorID: "anon_owner1"}, nil
		},
		updateMetadataFn: func(_ context.Context, _, _, _, _ string) error {
			updated = true
			return nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.UpdateMetadata(context.Background(), moderatorActor("usr_mod"), "evo_1", UpdateMetadataInput{Title: "Cleaned"}); err != nil {
		t.Fatalf("UpdateMetadata() error = %v", err)
	}
	if !updated {
		t.Fatal("expected metadata write for moderator")
	}

	_, err := svc.UpdateMetadata(context.Background(), memberActor("usr_other"), "evo_1", UpdateMetadataInput{Title: "Nope"})
	if status := domainStatus(t, err); status != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner member, got %d", status)
	}
}

func TestClaimRequiresMatchingSession(t *testing.T) {
	fs := &fakeStore{
		getEvolutionFn: func(_ context.Context, evolutionID string) (store.Evolution, error) {
			return store.Evolution{ID: evolutionID, AuthorID: "anon_original"}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.ClaimEvolution(context.Background(), "usr_1", "evo_1", "anon_someoneelse")
	if status := domainStatus(t, err); status != http.StatusForbidden {
		t.Fatalf("expected 403 on session mismatch, got %d", status)
	}

	_, err = svc.ClaimEvolution(context.Background(), "usr_1", "evo_1", "")
	if status := domainStatus(t, err); status != http.StatusBadRequest {
		t.Fatalf("expected 400 on missing session id, got %d", status)
	}
}

func TestClaimTransfersAuthor(t *testing.T) {
	author := "anon_original"
	fs := &fakeStore{
		getEvolutionFn: func(_ context.Context, evolutionID string) (store.Evolution, error) {
			return store.Evolution{ID: evolutionID, AuthorID: author}, nil
		},
		setEvolutionAuthorFn: func(_ context.Context, _, authorID string) error {
			author = authorID
			return nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.ClaimEvolution(context.Background(), "usr_1", "evo_1", "anon_original")
	if err != nil {
		t.Fatalf("ClaimEvolution() error = %v", err)
	}
	if payload["authorId"] != "usr_1" {
		t.Fatalf("expected ownership transferred to usr_1, got %v", payload["authorId"])
	}
}

func TestToggleReactionRejectsUnknownType(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.ToggleReaction(context.Background(), anonActor("anon_abc123"), "evo_1", "sparkles")
	if status := domainStatus(t, err); status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
}

func TestToggleReactionReturnsRecomputedState(t *testing.T) {
	fs := &fakeStore{
		getEvolutionFn: func(_ context.Context, evolutionID string) (store.Evolution, error) {
			return store.Evolution{ID: evolutionID, AuthorID: "anon_owner1", IsComplete: true}, nil
		},
		toggleReactionFn: func(_ context.Context, _, _, _ string) (bool, error) {
			return true, nil
		},
		listReactionCountsFn: func(_ context.Context, _ string) ([]store.ReactionCount, error) {
			return []store.ReactionCount{{ReactionType: "fire", Count: 3}}, nil
		},
		listActorReactionsFn: func(_ context.Context, _, _ string) ([]string, error) {
			return []string{"fire"}, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.ToggleReaction(context.Background(), anonActor("anon_abc123"), "evo_1", "fire")
	if err != nil {
		t.Fatalf("ToggleReaction() error = %v", err)
	}
	if payload["reacted"] != true {
		t.Fatalf("expected reacted true, got %v", payload["reacted"])
	}
	counts := payload["counts"].(map[string]int)
	if counts["fire"] != 3 {
		t.Fatalf("expected fire count 3, got %d", counts["fire"])
	}
	if counts["lightbulb"] != 0 || counts["thinking"] != 0 {
		t.Fatalf("expected zero-filled counts, got %v", counts)
	}
	mine := payload["actorReactions"].([]string)
	if len(mine) != 1 || mine[0] != "fire" {
		t.Fatalf("expected actor reactions [fire], got %v", mine)
	}
}

func TestReactionsZeroFilledWithoutActor(t *testing.T) {
	fs := &fakeStore{
		getEvolutionFn: func(_ context.Context, evolutionID string) (store.Evolution, error) {
			return store.Evolution{ID: evolutionID, IsComplete: true}, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.Reactions(context.Background(), identity.Actor{}, "evo_1")
	if err != nil {
		t.Fatalf("Reactions() error = %v", err)
	}
	counts := payload["counts"].(map[string]int)
	for _, rt := range store.ReactionTypes {
		if counts[rt] != 0 {
			t.Fatalf("expected zero count for %s, got %d", rt, counts[rt])
		}
	}
	if mine := payload["actorReactions"].([]string); len(mine) != 0 {
		t.Fatalf("expected no actor reactions, got %v", mine)
	}
}

func TestRandomEvolutionEmpty(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.RandomEvolution(context.Background())
	if status := domainStatus(t, err); status != http.StatusNotFound {
		t.Fatalf("expected 404 with no eligible records, got %d", status)
	}
}

func TestRandomEvolutionOffsetWithinRange(t *testing.T) {
	const total = 7
	fs := &fakeStore{
		countEligibleFn: func(context.Context) (int, error) { return total, nil },
		evolutionIDAtOffsetFn: func(_ context.Context, offset int) (string, error) {
			if offset < 0 || offset >= total {
				t.Fatalf("offset %d out of range [0,%d)", offset, total)
			}
			return "evo_pick", nil
		},
	}
	svc := newTestService(fs)

	for i := 0; i < 50; i++ {
		payload, err := svc.RandomEvolution(context.Background())
		if err != nil {
			t.Fatalf("RandomEvolution() error = %v", err)
		}
		if payload["id"] != "evo_pick" {
			t.Fatalf("expected picked id, got %v", payload["id"])
		}
	}
}

func TestRandomEvolutionRoughlyUniform(t *testing.T) {
	const (
		total = 5
		draws = 10000
	)
	fs := &fakeStore{
		countEligibleFn: func(context.Context) (int, error) { return total, nil },
		evolutionIDAtOffsetFn: func(_ context.Context, offset int) (string, error) {
			return fmt.Sprintf("evo_%d", offset), nil
		},
	}
	svc := newTestService(fs)

	frequency := make(map[string]int, total)
	for i := 0; i < draws; i++ {
		payload, err := svc.RandomEvolution(context.Background())
		if err != nil {
			t.Fatalf("RandomEvolution() error = %v", err)
		}
		frequency[payload["id"].(string)]++
	}

	if len(frequency) != total {
		t.Fatalf("expected all %d records to be drawn, got %d: %v", total, len(frequency), frequency)
	}

	// Loose bound: each record's share within ±20% of uniform. With 10000
	// draws that is more than six standard deviations of slack.
	expected := draws / total
	for offset := 0; offset < total; offset++ {
		id := fmt.Sprintf("evo_%d", offset)
		got := frequency[id]
		if got < expected*4/5 || got > expected*6/5 {
			t.Fatalf("record %s drawn %d times, expected about %d: %v", id, got, expected, frequency)
		}
	}
}

func TestReportContentValidation(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.ReportContent(context.Background(), anonActor("anon_abc123"), "", "spam")
	if status := domainStatus(t, err); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing id, got %d", status)
	}

	_, err = svc.ReportContent(context.Background(), anonActor("anon_abc123"), "evo_1", "boring")
	if status := domainStatus(t, err); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown reason, got %d", status)
	}
}

func TestReportDuplicateConflicts(t *testing.T) {
	reports := map[string]bool{}
	fs := &fakeStore{
		getEvolutionFn: func(_ context.Context, evolutionID string) (store.Evolution, error) {
			return store.Evolution{ID: evolutionID}, nil
		},
		insertContentReportFn: func(_ context.Context, report store.ContentReport) error {
			key := report.RefactoringID + "/" + report.ReporterID
			if reports[key] {
				return store.ErrDuplicate
			}
			reports[key] = true
			return nil
		},
	}
	svc := newTestService(fs)
	actor := anonActor("anon_abc123")

	payload, err := svc.ReportContent(context.Background(), actor, "evo_1", "spam")
	if err != nil {
		t.Fatalf("first report error = %v", err)
	}
	if payload["success"] != true {
		t.Fatalf("expected success true, got %v", payload["success"])
	}

	_, err = svc.ReportContent(context.Background(), actor, "evo_1", "spam")
	if status := domainStatus(t, err); status != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate report, got %d", status)
	}
	if len(reports) != 1 {
		t.Fatalf("expected a single stored report, got %d", len(reports))
	}
}

func TestHiddenRecordVisibility(t *testing.T) {
	fs := &fakeStore{
		getEvolutionFn: func(_ context.Context, evolutionID string) (store.Evolution, error) {
			return store.Evolution{ID: evolutionID, AuthorID: "usr_owner", IsComplete: true, IsHidden: true}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.GetEvolution(context.Background(), memberActor("usr_stranger"), "evo_1")
	if status := domainStatus(t, err); status != http.StatusNotFound {
		t.Fatalf("expected 404 for stranger, got %d", status)
	}

	if _, err := svc.GetEvolution(context.Background(), memberActor("usr_owner"), "evo_1"); err != nil {
		t.Fatalf("expected owner to see hidden record, got %v", err)
	}
	if _, err := svc.GetEvolution(context.Background(), moderatorActor("usr_mod"), "evo_1"); err != nil {
		t.Fatalf("expected moderator to see hidden record, got %v", err)
	}
}

func TestLanguagesDegradesToEmpty(t *testing.T) {
	fs := &fakeStore{
		listLanguagesFn: func(context.Context) ([]string, error) {
			return nil, errors.New("boom")
		},
	}
	svc := newTestService(fs)

	payload := svc.Languages(context.Background())
	if languages := payload["languages"].([]string); len(languages) != 0 {
		t.Fatalf("expected empty language list on failure, got %v", languages)
	}
}
