package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// setupTestStore opens the test database, resets the public schema, and
// applies all migrations. Skipped when CODEANCESTRY_TEST_DATABASE_URL is not
// set.
func setupTestStore(t *testing.T) (*PostgresStore, *sql.DB) {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("CODEANCESTRY_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("CODEANCESTRY_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}

	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	return NewPostgresStore(db), db
}

// insertEligible creates a complete, visible evolution with a controlled
// created_at so sort assertions are deterministic.
func insertEligible(t *testing.T, s *PostgresStore, db *sql.DB, id, title, description, language string, createdAt time.Time) {
	t.Helper()
	ctx := context.Background()

	err := s.InsertEvolution(ctx, Evolution{
		ID:             id,
		AuthorID:       "anon_seed123",
		BeforeImageURL: "https://cdn.test/" + id + "-before.png",
		Title:          title,
		Description:    description,
		Language:       language,
	})
	if err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
	if err := s.SetEvolutionImage(ctx, id, "after", "https://cdn.test/"+id+"-after.png"); err != nil {
		t.Fatalf("complete %s: %v", id, err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE evolutions SET created_at=$2 WHERE id=$1`, id, createdAt); err != nil {
		t.Fatalf("set created_at for %s: %v", id, err)
	}
}

func TestListEvolutionsEligibilityAndSearch(t *testing.T) {
	s, db := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	insertEligible(t, s, db, "evo_go1", "Extract parser helper", "pulled the tokenizer out", "go", base)
	insertEligible(t, s, db, "evo_rs1", "Borrow checker appeasement", "lifetime cleanup", "rust", base.Add(time.Hour))
	insertEligible(t, s, db, "evo_go2", "Channel fan-in", "replaced mutex with channels", "go", base.Add(2*time.Hour))

	// Incomplete: never appears in the feed.
	if err := s.InsertEvolution(ctx, Evolution{
		ID:             "evo_wip",
		AuthorID:       "anon_seed123",
		BeforeImageURL: "https://cdn.test/wip-before.png",
		Title:          "Work in progress",
	}); err != nil {
		t.Fatalf("insert incomplete: %v", err)
	}

	// Hidden: completed then moderated away.
	insertEligible(t, s, db, "evo_hidden", "Hidden record", "should not surface", "go", base.Add(3*time.Hour))
	if err := s.SetEvolutionHidden(ctx, "evo_hidden", true); err != nil {
		t.Fatalf("hide: %v", err)
	}

	t.Run("eligibility", func(t *testing.T) {
		items, err := s.ListEvolutions(ctx, FeedFilter{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(items) != 3 {
			t.Fatalf("expected 3 eligible records, got %d", len(items))
		}
		for _, item := range items {
			if item.ID == "evo_wip" || item.ID == "evo_hidden" {
				t.Fatalf("ineligible record %s surfaced in the feed", item.ID)
			}
		}
	})

	t.Run("sort order and limit", func(t *testing.T) {
		items, err := s.ListEvolutions(ctx, FeedFilter{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if items[0].ID != "evo_go2" {
			t.Fatalf("default sort should be newest first, got %s", items[0].ID)
		}

		oldest, err := s.ListEvolutions(ctx, FeedFilter{SortOldest: true, Limit: 1})
		if err != nil {
			t.Fatalf("list oldest: %v", err)
		}
		if len(oldest) != 1 || oldest[0].ID != "evo_go1" {
			t.Fatalf("oldest+limit=1 should yield evo_go1, got %+v", oldest)
		}
	})

	t.Run("language filter", func(t *testing.T) {
		items, err := s.ListEvolutions(ctx, FeedFilter{Language: "go"})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(items) != 2 {
			t.Fatalf("expected 2 go records, got %d", len(items))
		}
	})

	t.Run("search across columns", func(t *testing.T) {
		for term, wantID := range map[string]string{
			"PARSER":  "evo_go1", // title, case-insensitive
			"mutex":   "evo_go2", // description
			"rust":    "evo_rs1", // language
			"okenize": "evo_go1", // substring, not word-anchored
		} {
			items, err := s.ListEvolutions(ctx, FeedFilter{SearchTerm: term})
			if err != nil {
				t.Fatalf("search %q: %v", term, err)
			}
			if len(items) != 1 || items[0].ID != wantID {
				t.Fatalf("search %q: expected only %s, got %+v", term, wantID, items)
			}
		}
	})

	t.Run("like metacharacters are literal", func(t *testing.T) {
		items, err := s.ListEvolutions(ctx, FeedFilter{SearchTerm: "100%"})
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if len(items) != 0 {
			t.Fatalf("wildcard term matched %d records, want 0", len(items))
		}
		if items, _ = s.ListEvolutions(ctx, FeedFilter{SearchTerm: "_______"}); len(items) != 0 {
			t.Fatalf("underscore term matched %d records, want 0", len(items))
		}
	})

	t.Run("languages", func(t *testing.T) {
		languages, err := s.ListLanguages(ctx)
		if err != nil {
			t.Fatalf("languages: %v", err)
		}
		if len(languages) != 2 || languages[0] != "go" || languages[1] != "rust" {
			t.Fatalf("expected sorted [go rust], got %v", languages)
		}
	})
}

func TestToggleReactionIdempotence(t *testing.T) {
	s, db := setupTestStore(t)
	ctx := context.Background()
	insertEligible(t, s, db, "evo_react", "Reaction target", "", "go", time.Now().UTC())

	reacted, err := s.ToggleReaction(ctx, "evo_react", "anon_reactor1", "fire")
	if err != nil {
		t.Fatalf("toggle on: %v", err)
	}
	if !reacted {
		t.Fatal("first toggle should turn the reaction on")
	}

	counts, err := s.ListReactionCounts(ctx, "evo_react")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if len(counts) != 1 || counts[0].ReactionType != "fire" || counts[0].Count != 1 {
		t.Fatalf("expected one fire reaction, got %+v", counts)
	}

	reacted, err = s.ToggleReaction(ctx, "evo_react", "anon_reactor1", "fire")
	if err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	if reacted {
		t.Fatal("second toggle should turn the reaction off")
	}

	counts, err = s.ListReactionCounts(ctx, "evo_react")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if len(counts) != 0 {
		t.Fatalf("expected baseline restored, got %+v", counts)
	}
}

func TestReactionDuplicateInsertIsIdempotent(t *testing.T) {
	s, db := setupTestStore(t)
	ctx := context.Background()
	insertEligible(t, s, db, "evo_dup", "Dup target", "", "go", time.Now().UTC())

	if _, err := s.ToggleReaction(ctx, "evo_dup", "anon_racer1", "lightbulb"); err != nil {
		t.Fatalf("toggle: %v", err)
	}

	// A racing duplicate takes the same ON CONFLICT DO NOTHING insert path the
	// toggle uses; it must neither error nor add a second row.
	if _, err := db.ExecContext(ctx, `
		INSERT INTO reactions (refactoring_id, actor_id, reaction_type)
		VALUES ('evo_dup', 'anon_racer1', 'lightbulb')
		ON CONFLICT (refactoring_id, actor_id, reaction_type) DO NOTHING
	`); err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}

	var rows int
	if err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reactions WHERE refactoring_id='evo_dup' AND actor_id='anon_racer1'
	`).Scan(&rows); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected exactly 1 reaction row, got %d", rows)
	}

	mine, err := s.ListActorReactions(ctx, "evo_dup", "anon_racer1")
	if err != nil {
		t.Fatalf("actor reactions: %v", err)
	}
	if len(mine) != 1 || mine[0] != "lightbulb" {
		t.Fatalf("expected [lightbulb], got %v", mine)
	}
}

func TestInsertContentReportDuplicate(t *testing.T) {
	s, db := setupTestStore(t)
	ctx := context.Background()
	insertEligible(t, s, db, "evo_reported", "Report target", "", "go", time.Now().UTC())

	report := ContentReport{
		RefactoringID: "evo_reported",
		ReporterID:    "anon_reporter1",
		Reason:        "spam",
	}
	if err := s.InsertContentReport(ctx, report); err != nil {
		t.Fatalf("first report: %v", err)
	}

	err := s.InsertContentReport(ctx, report)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second report: expected ErrDuplicate, got %v", err)
	}

	reports, err := s.ListContentReports(ctx, 10)
	if err != nil {
		t.Fatalf("list reports: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected exactly 1 report row, got %d", len(reports))
	}

	// A different reporter on the same record is not a conflict.
	report.ReporterID = "anon_reporter2"
	if err := s.InsertContentReport(ctx, report); err != nil {
		t.Fatalf("second reporter: %v", err)
	}
}

func TestSetEvolutionImageCompletionIsMonotonic(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	if err := s.InsertEvolution(ctx, Evolution{
		ID:             "evo_mono",
		AuthorID:       "anon_seed123",
		BeforeImageURL: "https://cdn.test/mono-before.png",
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	item, err := s.GetEvolution(ctx, "evo_mono")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.IsComplete {
		t.Fatal("new record must start incomplete")
	}

	if err := s.SetEvolutionImage(ctx, "evo_mono", "during", "https://cdn.test/mono-during.png"); err != nil {
		t.Fatalf("during: %v", err)
	}
	if item, _ = s.GetEvolution(ctx, "evo_mono"); item.IsComplete {
		t.Fatal("during image must not complete the record")
	}

	if err := s.SetEvolutionImage(ctx, "evo_mono", "after", "https://cdn.test/mono-after.png"); err != nil {
		t.Fatalf("after: %v", err)
	}
	if item, _ = s.GetEvolution(ctx, "evo_mono"); !item.IsComplete {
		t.Fatal("after image must complete the record")
	}

	// Replacing any stage after completion leaves the record complete.
	for _, stage := range []string{"before", "during", "after"} {
		if err := s.SetEvolutionImage(ctx, "evo_mono", stage, "https://cdn.test/mono-"+stage+"-v2.png"); err != nil {
			t.Fatalf("replace %s: %v", stage, err)
		}
		if item, _ = s.GetEvolution(ctx, "evo_mono"); !item.IsComplete {
			t.Fatalf("replacing %s image reverted completion", stage)
		}
	}
}

func TestRandomSelectionOffsets(t *testing.T) {
	s, db := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		insertEligible(t, s, db, fmt.Sprintf("evo_r%d", i), "Random target", "", "go", base.Add(time.Duration(i)*time.Hour))
	}

	total, err := s.CountEligibleEvolutions(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 4 {
		t.Fatalf("expected 4 eligible records, got %d", total)
	}

	seen := map[string]bool{}
	for offset := 0; offset < total; offset++ {
		id, err := s.EvolutionIDAtOffset(ctx, offset)
		if err != nil {
			t.Fatalf("offset %d: %v", offset, err)
		}
		if seen[id] {
			t.Fatalf("offset %d returned duplicate id %s", offset, id)
		}
		seen[id] = true
	}

	if _, err := s.EvolutionIDAtOffset(ctx, total); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("offset past the end: expected sql.ErrNoRows, got %v", err)
	}
}
