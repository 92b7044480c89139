package store

import "time"

// ReactionTypes is the closed set of sentiments an actor can toggle on a record.
var ReactionTypes = []string{"fire", "lightbulb", "thinking"}

// ReportReasons is the closed set of accepted content report reasons.
var ReportReasons = []string{"inappropriate", "not_code", "spam", "other"}

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	DeactivatedAt         *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Evolution is a single before/(during)/after refactoring post. Optional text
// columns are empty strings here and NULLs in the database.
type Evolution struct {
	ID             string
	AuthorID       string
	BeforeImageURL string
	DuringImageURL string
	AfterImageURL  string
	Title          string
	Description    string
	Language       string
	IsComplete     bool
	IsHidden       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FeedFilter describes a public feed query. An empty Language (or the "all"
// sentinel, normalized away before this point) means no language restriction.
type FeedFilter struct {
	Language   string
	SearchTerm string
	SortOldest bool
	Limit      int
}

type ReactionCount struct {
	RefactoringID string
	ReactionType  string
	Count         int
}

type ContentReport struct {
	RefactoringID string
	ReporterID    string
	Reason        string
	CreatedAt     time.Time
}
