package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"codeancestry/api/internal/authpw"
	"codeancestry/api/internal/config"
	"codeancestry/api/internal/email"
	"codeancestry/api/internal/identity"
	"codeancestry/api/internal/rbac"
	"codeancestry/api/internal/search"
	"codeancestry/api/internal/session"
	"codeancestry/api/internal/storage"
	"codeancestry/api/internal/store"
	"codeancestry/api/internal/util"
)

type FeedQuery struct {
	Language string
	Search   string
	Sort     string // "newest" (default) or "oldest"
	Limit    int
}

type CreateEvolutionInput struct {
	BeforeImageURL string `json:"beforeImageUrl"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	Language       string `json:"language"`
}

type UpdateMetadataInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Language    string `json:"language"`
}

var evolutionStages = map[string]struct{}{
	"before": {},
	"during": {},
	"after":  {},
}

type dataStore interface {
	InsertEvolution(context.Context, store.Evolution) error
	GetEvolution(context.Context, string) (store.Evolution, error)
	ListEvolutions(context.Context, store.FeedFilter) ([]store.Evolution, error)
	ListLanguages(context.Context) ([]string, error)
	SetEvolutionImage(context.Context, string, string, string) error
	UpdateEvolutionMetadata(context.Context, string, string, string, string) error
	SetEvolutionAuthor(context.Context, string, string) error
	SetEvolutionHidden(context.Context, string, bool) error
	CountEligibleEvolutions(context.Context) (int, error)
	EvolutionIDAtOffset(context.Context, int) (string, error)
	ToggleReaction(context.Context, string, string, string) (bool, error)
	ListReactionCounts(context.Context, string) ([]store.ReactionCount, error)
	ListActorReactions(context.Context, string, string) ([]string, error)
	InsertContentReport(context.Context, store.ContentReport) error
	ListContentReports(context.Context, int) ([]store.ContentReport, error)
	GetUserByID(context.Context, string) (store.User, error)
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	Ping(ctx context.Context) error
}

// sessionStore is the Redis-backed side channel: refresh tokens and the capped
// analytics buffer. When unset the Postgres refresh_sessions table serves as
// the durable fallback.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	AppendAnalyticsEvent(ctx context.Context, event session.AnalyticsEvent) error
	ListAnalyticsEvents(ctx context.Context) ([]session.AnalyticsEvent, error)
	Ping(ctx context.Context) error
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexEvolution(rec search.Record)
	DeleteEvolution(id string)
	ReindexAllFromPG(ctx context.Context)
}

type uploader interface {
	Upload(ctx context.Context, reader io.Reader, size int64, originalName, contentType string) (storage.UploadResult, error)
	Ping(ctx context.Context) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	search   searchIndex
	uploads  uploader
	authPw   *authpw.Service
	email    *email.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore) *Service {
	return &Service{cfg: cfg, store: dataStore}
}

func (s *Service) SetSessionStore(sessions *session.RedisStore) {
	s.sessions = sessions
}

func (s *Service) SetSearch(svc *search.Service) {
	s.search = svc
}

func (s *Service) SetUploads(svc *storage.Service) {
	s.uploads = svc
}

func (s *Service) SetAuthServices(authPw *authpw.Service, emailSvc *email.Service) {
	s.authPw = authPw
	s.email = emailSvc
}

// Bootstrap runs startup work that needs the full service wired: currently a
// full search reindex so Meilisearch catches up on rows written while it was
// down.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

// Feed lists eligible evolutions for the public feed. Store failures degrade
// to an empty feed: the browse surface stays up even when a query dies.
func (s *Service) Feed(ctx context.Context, q FeedQuery) map[string]any {
	filter := store.FeedFilter{
		Language:   normalizeLanguage(q.Language),
		SearchTerm: strings.TrimSpace(q.Search),
		SortOldest: q.Sort == "oldest",
		Limit:      s.pageSize(q.Limit),
	}

	items, err := s.store.ListEvolutions(ctx, filter)
	if err != nil {
		log.Printf("app: feed query failed: %v", err)
		return map[string]any{"items": []map[string]any{}}
	}

	payload := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload = append(payload, evolutionPayload(item))
	}
	return map[string]any{"items": payload}
}

// Languages returns the distinct languages across eligible evolutions, with
// the same degrade-to-empty policy as the feed.
func (s *Service) Languages(ctx context.Context) map[string]any {
	languages, err := s.store.ListLanguages(ctx)
	if err != nil {
		log.Printf("app: languages query failed: %v", err)
		return map[string]any{"languages": []string{}}
	}
	if languages == nil {
		languages = []string{}
	}
	return map[string]any{"languages": languages}
}

func (s *Service) CreateEvolution(ctx context.Context, actor identity.Actor, input CreateEvolutionInput) (map[string]any, error) {
	beforeURL := strings.TrimSpace(input.BeforeImageURL)
	if beforeURL == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "beforeImageUrl is required", nil)
	}

	item := store.Evolution{
		ID:             util.NewID("evo"),
		AuthorID:       actor.ID,
		BeforeImageURL: beforeURL,
		Title:          strings.TrimSpace(input.Title),
		Description:    strings.TrimSpace(input.Description),
		Language:       strings.TrimSpace(input.Language),
	}
	if err := s.store.InsertEvolution(ctx, item); err != nil {
		return nil, err
	}

	created, err := s.store.GetEvolution(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	return evolutionPayload(created), nil
}

func (s *Service) GetEvolution(ctx context.Context, actor identity.Actor, evolutionID string) (map[string]any, error) {
	item, err := s.store.GetEvolution(ctx, evolutionID)
	if err != nil {
		return nil, err
	}
	if item.IsHidden && !s.canSee(actor, item) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	return evolutionPayload(item), nil
}

// AttachImage sets one stage's screenshot URL. The after stage completes the
// record; completion never reverts, so replacing an image on a finished record
// leaves it finished.
func (s *Service) AttachImage(ctx context.Context, actor identity.Actor, evolutionID, stage, imageURL string) (map[string]any, error) {
	if _, ok := evolutionStages[stage]; !ok {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "stage must be before, during, or after", nil)
	}
	imageURL = strings.TrimSpace(imageURL)
	if imageURL == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "imageUrl is required", nil)
	}

	item, err := s.store.GetEvolution(ctx, evolutionID)
	if err != nil {
		return nil, err
	}
	if !s.isOwner(actor, item) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the author can modify this record", nil)
	}

	if err := s.store.SetEvolutionImage(ctx, evolutionID, stage, imageURL); err != nil {
		return nil, err
	}

	updated, err := s.store.GetEvolution(ctx, evolutionID)
	if err != nil {
		return nil, err
	}
	s.syncIndex(updated)
	return evolutionPayload(updated), nil
}

// UpdateMetadata rewrites the descriptive fields. Allowed at any point in the
// record's life, including after completion.
func (s *Service) UpdateMetadata(ctx context.Context, actor identity.Actor, evolutionID string, input UpdateMetadataInput) (map[string]any, error) {
	item, err := s.store.GetEvolution(ctx, evolutionID)
	if err != nil {
		return nil, err
	}
	if !s.isOwner(actor, item) && !s.canModerate(actor) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the author can modify this record", nil)
	}

	title := strings.TrimSpace(input.Title)
	description := strings.TrimSpace(input.Description)
	language := strings.TrimSpace(input.Language)
	if err := s.store.UpdateEvolutionMetadata(ctx, evolutionID, title, description, language); err != nil {
		return nil, err
	}

	updated, err := s.store.GetEvolution(ctx, evolutionID)
	if err != nil {
		return nil, err
	}
	s.syncIndex(updated)
	return evolutionPayload(updated), nil
}

// ClaimEvolution transfers an anonymously authored record to the signed-in
// user, provided the request still carries the anonymous session id the record
// was created under.
func (s *Service) ClaimEvolution(ctx context.Context, userID, evolutionID, sessionID string) (map[string]any, error) {
	sessionID = strings.TrimSpace(sessionID)
	if !identity.ValidAnonymousID(sessionID) {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "x-session-id is required to claim", nil)
	}

	item, err := s.store.GetEvolution(ctx, evolutionID)
	if err != nil {
		return nil, err
	}
	if item.AuthorID != sessionID {
		return nil, domainError(http.StatusForbidden, "CLAIM_MISMATCH", "This record was not created by your session", nil)
	}

	if err := s.store.SetEvolutionAuthor(ctx, evolutionID, userID); err != nil {
		return nil, err
	}

	updated, err := s.store.GetEvolution(ctx, evolutionID)
	if err != nil {
		return nil, err
	}
	return evolutionPayload(updated), nil
}

// SetHidden is the moderation switch. Hidden records leave the feed and the
// search index immediately.
func (s *Service) SetHidden(ctx context.Context, evolutionID string, hidden bool) (map[string]any, error) {
	if err := s.store.SetEvolutionHidden(ctx, evolutionID, hidden); err != nil {
		return nil, err
	}
	updated, err := s.store.GetEvolution(ctx, evolutionID)
	if err != nil {
		return nil, err
	}
	s.syncIndex(updated)
	return evolutionPayload(updated), nil
}

// Reactions returns the recomputed counts plus the resolved actor's own
// reactions for one record.
func (s *Service) Reactions(ctx context.Context, actor identity.Actor, evolutionID string) (map[string]any, error) {
	item, err := s.store.GetEvolution(ctx, evolutionID)
	if err != nil {
		return nil, err
	}
	if item.IsHidden && !s.canSee(actor, item) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	return s.reactionState(ctx, actor, evolutionID)
}

// ToggleReaction flips one reaction for the actor and returns the full updated
// state. The response, not any client-side guess, is the source of truth.
func (s *Service) ToggleReaction(ctx context.Context, actor identity.Actor, evolutionID, reactionType string) (map[string]any, error) {
	if !validReactionType(reactionType) {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "type must be fire, lightbulb, or thinking", nil)
	}

	item, err := s.store.GetEvolution(ctx, evolutionID)
	if err != nil {
		return nil, err
	}
	if item.IsHidden && !s.canSee(actor, item) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}

	reacted, err := s.store.ToggleReaction(ctx, evolutionID, actor.ID, reactionType)
	if err != nil {
		return nil, err
	}

	state, err := s.reactionState(ctx, actor, evolutionID)
	if err != nil {
		return nil, err
	}
	state["reacted"] = reacted
	state["type"] = reactionType
	return state, nil
}

func (s *Service) reactionState(ctx context.Context, actor identity.Actor, evolutionID string) (map[string]any, error) {
	counts, err := s.store.ListReactionCounts(ctx, evolutionID)
	if err != nil {
		return nil, err
	}

	byType := make(map[string]int, len(store.ReactionTypes))
	for _, rt := range store.ReactionTypes {
		byType[rt] = 0
	}
	for _, count := range counts {
		if count.Count > 0 {
			byType[count.ReactionType] = count.Count
		}
	}

	mine := []string{}
	if !actor.IsZero() {
		mine, err = s.store.ListActorReactions(ctx, evolutionID, actor.ID)
		if err != nil {
			return nil, err
		}
		if mine == nil {
			mine = []string{}
		}
	}

	return map[string]any{
		"counts":         byType,
		"actorReactions": mine,
	}, nil
}

// RandomEvolution picks a uniformly random eligible record.
func (s *Service) RandomEvolution(ctx context.Context) (map[string]any, error) {
	total, err := s.store.CountEligibleEvolutions(ctx)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, domainError(http.StatusNotFound, "NO_EVOLUTIONS", "No evolutions available", nil)
	}

	id, err := s.store.EvolutionIDAtOffset(ctx, rand.Intn(total))
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": id}, nil
}

// ReportContent records a report against a record. One report per reporter per
// record; a second attempt conflicts.
func (s *Service) ReportContent(ctx context.Context, actor identity.Actor, refactoringID, reason string) (map[string]any, error) {
	refactoringID = strings.TrimSpace(refactoringID)
	if refactoringID == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "refactoringId is required", nil)
	}
	if !validReportReason(reason) {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "reason must be inappropriate, not_code, spam, or other", nil)
	}

	if _, err := s.store.GetEvolution(ctx, refactoringID); err != nil {
		return nil, err
	}

	err := s.store.InsertContentReport(ctx, store.ContentReport{
		RefactoringID: refactoringID,
		ReporterID:    actor.ID,
		Reason:        reason,
	})
	if errors.Is(err, store.ErrDuplicate) {
		return nil, domainError(http.StatusConflict, "DUPLICATE_REPORT", "You have already reported this content", nil)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

func (s *Service) ListReports(ctx context.Context, limit int) (map[string]any, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	reports, err := s.store.ListContentReports(ctx, limit)
	if err != nil {
		return nil, err
	}

	payload := make([]map[string]any, 0, len(reports))
	for _, report := range reports {
		payload = append(payload, map[string]any{
			"refactoringId": report.RefactoringID,
			"reporterId":    report.ReporterID,
			"reason":        report.Reason,
			"createdAt":     report.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return map[string]any{"reports": payload}, nil
}

// Search runs the full-text path (Meilisearch with Postgres fallback). The
// feed endpoint never calls this; its substring matching is deterministic.
func (s *Service) Search(query, language string, limit int) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Hit{}, Query: query}
	}
	return s.search.Search(search.Query{
		Text:     strings.TrimSpace(query),
		Language: normalizeLanguage(language),
		Limit:    s.pageSize(limit),
	})
}

// UploadScreenshot stores one screenshot object and returns its public URL.
func (s *Service) UploadScreenshot(ctx context.Context, reader io.Reader, size int64, originalName, contentType string) (storage.UploadResult, error) {
	if s.uploads == nil {
		return storage.UploadResult{}, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Screenshot storage not configured", nil)
	}
	result, err := s.uploads.Upload(ctx, reader, size, originalName, contentType)
	if errors.Is(err, storage.ErrUnsupportedType) {
		return storage.UploadResult{}, domainError(http.StatusBadRequest, "UNSUPPORTED_TYPE", "Only PNG, JPEG, GIF, and WebP images are accepted", nil)
	}
	if err != nil {
		return storage.UploadResult{}, domainError(http.StatusBadGateway, "UPLOAD_FAILED", err.Error(), nil)
	}
	return result, nil
}

// TrackEvent appends one diagnostic event to the capped buffer. Analytics are
// best-effort and never a functional dependency: with no session store this is
// a no-op.
func (s *Service) TrackEvent(ctx context.Context, actorID, event string, properties json.RawMessage) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "event is required", nil)
	}
	if s.sessions == nil {
		return nil
	}
	return s.sessions.AppendAnalyticsEvent(ctx, session.AnalyticsEvent{
		Event:      event,
		Properties: properties,
		ActorID:    actorID,
	})
}

func (s *Service) AnalyticsEvents(ctx context.Context) (map[string]any, error) {
	if s.sessions == nil {
		return map[string]any{"events": []session.AnalyticsEvent{}}, nil
	}
	events, err := s.sessions.ListAnalyticsEvents(ctx)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []session.AnalyticsEvent{}
	}
	return map[string]any{"events": events}, nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingSessions(ctx context.Context) error {
	if s.sessions == nil {
		return nil
	}
	return s.sessions.Ping(ctx)
}

func (s *Service) PingStorage(ctx context.Context) error {
	if s.uploads == nil {
		return nil
	}
	return s.uploads.Ping(ctx)
}

func (s *Service) isOwner(actor identity.Actor, item store.Evolution) bool {
	return !actor.IsZero() && actor.ID == item.AuthorID
}

func (s *Service) canModerate(actor identity.Actor) bool {
	return rbac.Can(actor.Role, rbac.ActionModerate)
}

func (s *Service) canSee(actor identity.Actor, item store.Evolution) bool {
	return s.isOwner(actor, item) || s.canModerate(actor)
}

// syncIndex keeps the search index in line with feed eligibility.
func (s *Service) syncIndex(item store.Evolution) {
	if s.search == nil {
		return
	}
	if item.IsComplete && !item.IsHidden {
		s.search.IndexEvolution(search.Record{
			ID:          item.ID,
			Title:       item.Title,
			Description: item.Description,
			Language:    item.Language,
			CreatedAt:   item.CreatedAt.Unix(),
		})
		return
	}
	s.search.DeleteEvolution(item.ID)
}

func (s *Service) pageSize(requested int) int {
	size := s.cfg.FeedPageSize
	if size <= 0 {
		size = 20
	}
	if requested > 0 {
		size = requested
	}
	if size > 100 {
		size = 100
	}
	return size
}

func normalizeLanguage(language string) string {
	language = strings.TrimSpace(language)
	if strings.EqualFold(language, "all") {
		return ""
	}
	return language
}

func validReactionType(reactionType string) bool {
	for _, rt := range store.ReactionTypes {
		if rt == reactionType {
			return true
		}
	}
	return false
}

func validReportReason(reason string) bool {
	for _, candidate := range store.ReportReasons {
		if candidate == reason {
			return true
		}
	}
	return false
}

func evolutionPayload(item store.Evolution) map[string]any {
	return map[string]any{
		"id":             item.ID,
		"authorId":       item.AuthorID,
		"beforeImageUrl": item.BeforeImageURL,
		"duringImageUrl": item.DuringImageURL,
		"afterImageUrl":  item.AfterImageURL,
		"title":          item.Title,
		"description":    item.Description,
		"language":       item.Language,
		"isComplete":     item.IsComplete,
		"isHidden":       item.IsHidden,
		"createdAt":      item.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":      item.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
