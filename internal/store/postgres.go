package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"ideamatrix/api/internal/quadrant"
)

const cardColumns = `id, project_id, content, details, x, y, priority, is_collapsed,
	editing_by, editing_at, created_by, updated_by, created_at, updated_at`

// bumpUpdatedAt keeps per-row updated_at strictly increasing.
const bumpUpdatedAt = `GREATEST($3::timestamptz, updated_at + INTERVAL '1 microsecond')`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return classify("ping", s.db.PingContext(ctx))
}

func (s *PostgresStore) CreateProject(ctx context.Context, project Project) (Project, error) {
	const q = `
		INSERT INTO projects (id, name, split_x, split_y, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING id, name, split_x, split_y, created_by, created_at, updated_at
	`
	row := s.db.QueryRowContext(ctx, q, project.ID, project.Name, project.SplitX, project.SplitY,
		nullableString(project.CreatedBy), project.CreatedAt)
	out, err := scanProject(row)
	if err != nil {
		return Project{}, classify("insert project", err)
	}
	return out, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, split_x, split_y, created_by, created_at, updated_at
		FROM projects WHERE id=$1
	`, projectID)
	out, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, classify("get project", err)
	}
	return out, nil
}

func (s *PostgresStore) InsertCard(ctx context.Context, card Card) (Card, error) {
	q := `
		INSERT INTO idea_cards (id, project_id, content, details, x, y, priority, is_collapsed,
			created_by, updated_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9, $10, $10)
		RETURNING ` + cardColumns
	row := s.db.QueryRowContext(ctx, q, card.ID, card.ProjectID, card.Content, card.Details,
		card.X, card.Y, string(card.Priority), card.IsCollapsed, nullableString(card.CreatedBy),
		card.CreatedAt.UTC().Truncate(time.Microsecond))
	out, err := scanCard(row)
	if err != nil {
		return Card{}, classify("insert card", err)
	}
	return out, nil
}

func (s *PostgresStore) ReadCard(ctx context.Context, cardID string) (Card, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM idea_cards WHERE id=$1`, cardID)
	card, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Card{}, ErrNotFound
	}
	if err != nil {
		return Card{}, classify("read card", err)
	}
	return card, nil
}

func (s *PostgresStore) ListCards(ctx context.Context, projectID string) ([]Card, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cardColumns+`
		FROM idea_cards
		WHERE project_id=$1
		ORDER BY created_at ASC, id ASC
	`, projectID)
	if err != nil {
		return nil, classify("list cards", err)
	}
	defer rows.Close()
	return collectCards(rows, "list cards")
}

func (s *PostgresStore) SearchCards(ctx context.Context, projectID, text string, limit int) ([]Card, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(strings.TrimSpace(text)) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cardColumns+`
		FROM idea_cards
		WHERE project_id=$1 AND (content ILIKE $2 OR details ILIKE $2)
		ORDER BY updated_at DESC, id ASC
		LIMIT $3
	`, projectID, pattern, limit)
	if err != nil {
		return nil, classify("search cards", err)
	}
	defer rows.Close()
	return collectCards(rows, "search cards")
}

func (s *PostgresStore) WriteCard(ctx context.Context, cardID string, patch Patch, userID string, now time.Time) (Card, error) {
	if patch.Guarded() {
		return Card{}, ErrGuardedField
	}
	q := `
		UPDATE idea_cards
		SET x = COALESCE($4, x),
			y = COALESCE($5, y),
			is_collapsed = COALESCE($6, is_collapsed),
			updated_by = $2,
			updated_at = ` + bumpUpdatedAt + `
		WHERE id=$1
		RETURNING ` + cardColumns
	row := s.db.QueryRowContext(ctx, q, cardID, userID, now.UTC(), patch.X, patch.Y, patch.IsCollapsed)
	card, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Card{}, ErrConflict
	}
	if err != nil {
		return Card{}, classify("write card", err)
	}
	return card, nil
}

func (s *PostgresStore) AcquireLock(ctx context.Context, cardID, userID string, now time.Time, ttl time.Duration) (Card, bool, error) {
	now = now.UTC()
	q := `
		UPDATE idea_cards
		SET editing_by = $2,
			editing_at = $3,
			updated_by = $2,
			updated_at = ` + bumpUpdatedAt + `
		WHERE id=$1 AND (editing_by IS NULL OR editing_by = $2 OR editing_at <= $4)
		RETURNING ` + cardColumns
	row := s.db.QueryRowContext(ctx, q, cardID, userID, now, now.Add(-ttl))
	card, err := scanCard(row)
	if err == nil {
		return card, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Card{}, false, classify("acquire lock", err)
	}
	current, err := s.ReadCard(ctx, cardID)
	if err != nil {
		return Card{}, false, err
	}
	return current, false, nil
}

func (s *PostgresStore) ReleaseLock(ctx context.Context, cardID, userID string, now time.Time, ttl time.Duration) (Card, bool, error) {
	now = now.UTC()
	q := `
		UPDATE idea_cards
		SET editing_by = NULL,
			editing_at = NULL,
			updated_by = $2,
			updated_at = ` + bumpUpdatedAt + `
		WHERE id=$1 AND editing_by IS NOT NULL AND (editing_by = $2 OR editing_at <= $4)
		RETURNING ` + cardColumns
	row := s.db.QueryRowContext(ctx, q, cardID, userID, now, now.Add(-ttl))
	card, err := scanCard(row)
	if err == nil {
		return card, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Card{}, false, classify("release lock", err)
	}
	current, err := s.ReadCard(ctx, cardID)
	if err != nil {
		return Card{}, false, err
	}
	return current, false, nil
}

func (s *PostgresStore) SaveLocked(ctx context.Context, cardID, userID string, patch Patch, now time.Time, ttl time.Duration) (Card, error) {
	now = now.UTC()
	var priority *string
	if patch.Priority != nil {
		p := string(*patch.Priority)
		priority = &p
	}
	q := `
		UPDATE idea_cards
		SET content = COALESCE($5, content),
			details = COALESCE($6, details),
			priority = COALESCE($7, priority),
			x = COALESCE($8, x),
			y = COALESCE($9, y),
			is_collapsed = COALESCE($10, is_collapsed),
			editing_by = NULL,
			editing_at = NULL,
			updated_by = $2,
			updated_at = ` + bumpUpdatedAt + `
		WHERE id=$1 AND editing_by = $2 AND editing_at > $4
		RETURNING ` + cardColumns
	row := s.db.QueryRowContext(ctx, q, cardID, userID, now, now.Add(-ttl),
		patch.Content, patch.Details, priority, patch.X, patch.Y, patch.IsCollapsed)
	card, err := scanCard(row)
	if err == nil {
		return card, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Card{}, classify("save card", err)
	}
	if _, err := s.ReadCard(ctx, cardID); err != nil {
		return Card{}, err
	}
	return Card{}, ErrStaleWrite
}

func (s *PostgresStore) DeleteCard(ctx context.Context, cardID, userID string, now time.Time, ttl time.Duration) (Card, bool, error) {
	now = now.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Card{}, false, classify("begin delete", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM idea_cards WHERE id=$1 FOR UPDATE`, cardID)
	card, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Card{}, false, nil
	}
	if err != nil {
		return Card{}, false, classify("lock card for delete", err)
	}
	if holder := liveHolder(card, now, ttl); holder != "" && holder != userID {
		return card, false, &LockHeldError{CardID: cardID, HolderID: holder}
	}

	// Clearing the lock first publishes a lock change ahead of the delete.
	if card.EditingBy != nil {
		q := `
			UPDATE idea_cards
			SET editing_by = NULL, editing_at = NULL, updated_by = $2,
				updated_at = ` + bumpUpdatedAt + `
			WHERE id=$1
			RETURNING ` + cardColumns
		card, err = scanCard(tx.QueryRowContext(ctx, q, cardID, userID, now))
		if err != nil {
			return Card{}, false, classify("clear lock before delete", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM idea_cards WHERE id=$1`, cardID); err != nil {
		return Card{}, false, classify("delete card", err)
	}
	if err := tx.Commit(); err != nil {
		return Card{}, false, classify("commit delete", err)
	}
	return card, true, nil
}

// ClearExpiredLocks drops every lapsed lock. The sweep is nobody's edit, so
// updated_by is cleared along with the lock.
func (s *PostgresStore) ClearExpiredLocks(ctx context.Context, now time.Time, ttl time.Duration) ([]Card, error) {
	now = now.UTC()
	q := `
		UPDATE idea_cards
		SET editing_by = NULL,
			editing_at = NULL,
			updated_by = NULL,
			updated_at = GREATEST($1::timestamptz, updated_at + INTERVAL '1 microsecond')
		WHERE editing_by IS NOT NULL AND editing_at <= $2
		RETURNING ` + cardColumns
	rows, err := s.db.QueryContext(ctx, q, now, now.Add(-ttl))
	if err != nil {
		return nil, classify("clear expired locks", err)
	}
	defer rows.Close()
	return collectCards(rows, "clear expired locks")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (Card, error) {
	var (
		card      Card
		priority  string
		editingBy sql.NullString
		editingAt sql.NullTime
		createdBy sql.NullString
		updatedBy sql.NullString
	)
	err := row.Scan(&card.ID, &card.ProjectID, &card.Content, &card.Details, &card.X, &card.Y,
		&priority, &card.IsCollapsed, &editingBy, &editingAt, &createdBy, &updatedBy,
		&card.CreatedAt, &card.UpdatedAt)
	if err != nil {
		return Card{}, err
	}
	card.Priority = quadrant.Priority(priority)
	card.EditingBy = stringPtr(editingBy)
	card.CreatedBy = stringPtr(createdBy)
	card.UpdatedBy = stringPtr(updatedBy)
	if editingAt.Valid {
		at := editingAt.Time.UTC()
		card.EditingAt = &at
	}
	card.CreatedAt = card.CreatedAt.UTC()
	card.UpdatedAt = card.UpdatedAt.UTC()
	return card, nil
}

func collectCards(rows *sql.Rows, op string) ([]Card, error) {
	cards := make([]Card, 0)
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return cards, nil
}

func scanProject(row rowScanner) (Project, error) {
	var (
		project   Project
		createdBy sql.NullString
	)
	if err := row.Scan(&project.ID, &project.Name, &project.SplitX, &project.SplitY, &createdBy,
		&project.CreatedAt, &project.UpdatedAt); err != nil {
		return Project{}, err
	}
	project.CreatedBy = stringPtr(createdBy)
	project.CreatedAt = project.CreatedAt.UTC()
	project.UpdatedAt = project.UpdatedAt.UTC()
	return project, nil
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func escapeLike(text string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(text)
}

// liveHolder returns the user holding an unexpired lock, or "".
func liveHolder(card Card, now time.Time, ttl time.Duration) string {
	if card.EditingBy == nil || card.EditingAt == nil {
		return ""
	}
	if !card.EditingAt.After(now.Add(-ttl)) {
		return ""
	}
	return *card.EditingBy
}
