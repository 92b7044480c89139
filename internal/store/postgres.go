package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const evolutionColumns = `
	id, author_id, before_image_url,
	COALESCE(during_image_url, ''), COALESCE(after_image_url, ''),
	COALESCE(title, ''), COALESCE(description, ''), COALESCE(language, ''),
	is_complete, is_hidden, created_at, updated_at
`

func scanEvolution(row interface{ Scan(...any) error }) (Evolution, error) {
	var item Evolution
	err := row.Scan(
		&item.ID,
		&item.AuthorID,
		&item.BeforeImageURL,
		&item.DuringImageURL,
		&item.AfterImageURL,
		&item.Title,
		&item.Description,
		&item.Language,
		&item.IsComplete,
		&item.IsHidden,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

func (s *PostgresStore) InsertEvolution(ctx context.Context, item Evolution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evolutions (id, author_id, before_image_url, title, description, language, is_complete, is_hidden)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), FALSE, FALSE)
	`, item.ID, item.AuthorID, item.BeforeImageURL, item.Title, item.Description, item.Language)
	if err != nil {
		return fmt.Errorf("insert evolution: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEvolution(ctx context.Context, evolutionID string) (Evolution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+evolutionColumns+`
		FROM evolutions
		WHERE id=$1
	`, evolutionID)
	item, err := scanEvolution(row)
	if err != nil {
		return Evolution{}, err
	}
	return item, nil
}

// escapeLike neutralizes LIKE metacharacters so a search term always means a
// literal substring ("100%" must not match everything).
func escapeLike(term string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(term)
}

// ListEvolutions returns eligible records only: complete and not hidden. The
// search term matches case-insensitively against title, description, or
// language; a match in any one column is enough.
func (s *PostgresStore) ListEvolutions(ctx context.Context, filter FeedFilter) ([]Evolution, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	direction := "DESC"
	if filter.SortOldest {
		direction = "ASC"
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+evolutionColumns+`
		FROM evolutions
		WHERE is_complete AND NOT is_hidden
		  AND ($1='' OR language = $1)
		  AND ($2='' OR title ILIKE '%' || $2 || '%' OR description ILIKE '%' || $2 || '%' OR language ILIKE '%' || $2 || '%')
		ORDER BY created_at `+direction+`
		LIMIT $3
	`, filter.Language, escapeLike(filter.SearchTerm), limit)
	if err != nil {
		return nil, fmt.Errorf("list evolutions: %w", err)
	}
	defer rows.Close()

	items := make([]Evolution, 0)
	for rows.Next() {
		item, err := scanEvolution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan evolution: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evolutions: %w", err)
	}
	return items, nil
}

// ListLanguages returns the distinct languages across all eligible records,
// sorted, for populating the feed filter.
func (s *PostgresStore) ListLanguages(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT language
		FROM evolutions
		WHERE is_complete AND NOT is_hidden AND language IS NOT NULL
		ORDER BY language ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list languages: %w", err)
	}
	defer rows.Close()

	languages := make([]string, 0)
	for rows.Next() {
		var language string
		if err := rows.Scan(&language); err != nil {
			return nil, fmt.Errorf("scan language: %w", err)
		}
		languages = append(languages, language)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate languages: %w", err)
	}
	return languages, nil
}

// SetEvolutionImage replaces one stage's screenshot. Attaching an after image
// marks the record complete; is_complete is never reset once set.
func (s *PostgresStore) SetEvolutionImage(ctx context.Context, evolutionID, stage, imageURL string) error {
	var query string
	switch stage {
	case "before":
		query = `UPDATE evolutions SET before_image_url=$2, updated_at=NOW() WHERE id=$1`
	case "during":
		query = `UPDATE evolutions SET during_image_url=$2, updated_at=NOW() WHERE id=$1`
	case "after":
		query = `UPDATE evolutions SET after_image_url=$2, is_complete=TRUE, updated_at=NOW() WHERE id=$1`
	default:
		return fmt.Errorf("unknown image stage %q", stage)
	}
	result, err := s.db.ExecContext(ctx, query, evolutionID, imageURL)
	if err != nil {
		return fmt.Errorf("set %s image: %w", stage, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set %s image rows: %w", stage, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateEvolutionMetadata(ctx context.Context, evolutionID, title, description, language string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE evolutions
		SET title=NULLIF($2, ''), description=NULLIF($3, ''), language=NULLIF($4, ''), updated_at=NOW()
		WHERE id=$1
	`, evolutionID, title, description, language)
	if err != nil {
		return fmt.Errorf("update evolution metadata: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update evolution metadata rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) SetEvolutionAuthor(ctx context.Context, evolutionID, authorID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE evolutions SET author_id=$2, updated_at=NOW() WHERE id=$1
	`, evolutionID, authorID)
	if err != nil {
		return fmt.Errorf("set evolution author: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetEvolutionHidden(ctx context.Context, evolutionID string, hidden bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE evolutions SET is_hidden=$2, updated_at=NOW() WHERE id=$1
	`, evolutionID, hidden)
	if err != nil {
		return fmt.Errorf("set evolution hidden: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set evolution hidden rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) CountEligibleEvolutions(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM evolutions WHERE is_complete AND NOT is_hidden
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count eligible evolutions: %w", err)
	}
	return count, nil
}

// EvolutionIDAtOffset fetches the id of the eligible record at the given
// offset in creation order. Used for uniform random selection.
func (s *PostgresStore) EvolutionIDAtOffset(ctx context.Context, offset int) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM evolutions
		WHERE is_complete AND NOT is_hidden
		ORDER BY created_at DESC
		OFFSET $1 LIMIT 1
	`, offset).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

// ToggleReaction removes the (record, actor, type) row if present, otherwise
// inserts it. The insert is ON CONFLICT DO NOTHING so a racing duplicate is
// idempotent. Returns true when the toggle left the reaction on.
func (s *PostgresStore) ToggleReaction(ctx context.Context, refactoringID, actorID, reactionType string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM reactions
		WHERE refactoring_id=$1 AND actor_id=$2 AND reaction_type=$3
	`, refactoringID, actorID, reactionType)
	if err != nil {
		return false, fmt.Errorf("delete reaction: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete reaction rows: %w", err)
	}
	if affected > 0 {
		return false, nil
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO reactions (refactoring_id, actor_id, reaction_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (refactoring_id, actor_id, reaction_type) DO NOTHING
	`, refactoringID, actorID, reactionType); err != nil {
		return false, fmt.Errorf("insert reaction: %w", err)
	}
	return true, nil
}

// ListReactionCounts recomputes per-type counts from the raw rows. The unique
// constraint keeps each (actor, type) pair to a single row, so counts cannot
// drift from row state.
func (s *PostgresStore) ListReactionCounts(ctx context.Context, refactoringID string) ([]ReactionCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT refactoring_id, reaction_type, COUNT(*)::int
		FROM reactions
		WHERE refactoring_id=$1
		GROUP BY refactoring_id, reaction_type
		ORDER BY reaction_type ASC
	`, refactoringID)
	if err != nil {
		return nil, fmt.Errorf("list reaction counts: %w", err)
	}
	defer rows.Close()

	items := make([]ReactionCount, 0)
	for rows.Next() {
		var item ReactionCount
		if err := rows.Scan(&item.RefactoringID, &item.ReactionType, &item.Count); err != nil {
			return nil, fmt.Errorf("scan reaction count: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reaction counts: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListActorReactions(ctx context.Context, refactoringID, actorID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT reaction_type
		FROM reactions
		WHERE refactoring_id=$1 AND actor_id=$2
		ORDER BY reaction_type ASC
	`, refactoringID, actorID)
	if err != nil {
		return nil, fmt.Errorf("list actor reactions: %w", err)
	}
	defer rows.Close()

	types := make([]string, 0)
	for rows.Next() {
		var reactionType string
		if err := rows.Scan(&reactionType); err != nil {
			return nil, fmt.Errorf("scan actor reaction: %w", err)
		}
		types = append(types, reactionType)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actor reactions: %w", err)
	}
	return types, nil
}

// InsertContentReport records a report. A second report for the same record by
// the same reporter returns ErrDuplicate rather than overwriting.
func (s *PostgresStore) InsertContentReport(ctx context.Context, report ContentReport) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO content_reports (refactoring_id, reporter_id, reason)
		VALUES ($1, $2, $3)
	`, report.RefactoringID, report.ReporterID, report.Reason)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert content report: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListContentReports(ctx context.Context, limit int) ([]ContentReport, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT refactoring_id, reporter_id, reason, created_at
		FROM content_reports
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list content reports: %w", err)
	}
	defer rows.Close()

	items := make([]ContentReport, 0)
	for rows.Next() {
		var item ContentReport
		if err := rows.Scan(&item.RefactoringID, &item.ReporterID, &item.Reason, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan content report: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate content reports: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, is_email_verified
		FROM users
		WHERE email=$1 AND deactivated_at IS NULL
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, is_email_verified
		FROM users
		WHERE id=$1 AND deactivated_at IS NULL
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, is_email_verified, verification_token)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify user email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify user email rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update user password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE password_resets SET used_at=NOW() WHERE token=$1
	`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email, u.role, u.is_email_verified
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	if user.Role == "" {
		user.Role = "member"
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
