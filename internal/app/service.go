package app

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"ideamatrix/api/internal/auth"
	"ideamatrix/api/internal/board"
	"ideamatrix/api/internal/config"
	"ideamatrix/api/internal/export"
	"ideamatrix/api/internal/lock"
	"ideamatrix/api/internal/logger"
	"ideamatrix/api/internal/quadrant"
	"ideamatrix/api/internal/rbac"
	"ideamatrix/api/internal/search"
	authsession "ideamatrix/api/internal/session"
	"ideamatrix/api/internal/store"
	"ideamatrix/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// CardView is a card as one viewer sees it: classified against the project
// split and with the lock evaluated for that viewer.
type CardView struct {
	store.Card
	Quadrant          quadrant.Quadrant `json:"quadrant"`
	SuggestedPriority quadrant.Priority `json:"suggested_priority"`
	Lock              lock.Status       `json:"lock"`
	// Pending marks a local move or collapse whose write has not been
	// echoed back yet. Only views served from an open board carry it.
	Pending bool `json:"pending,omitempty"`
}

type BoardView struct {
	Project store.Project  `json:"project"`
	Cards   []CardView     `json:"cards"`
	Stats   quadrant.Stats `json:"stats"`
	// Stale is set when the store was unreachable and the cards come from
	// the caller's open board instead.
	Stale bool `json:"stale,omitempty"`
}

type CreateProjectInput struct {
	Name   string   `json:"name"`
	SplitX *float64 `json:"split_x"`
	SplitY *float64 `json:"split_y"`
}

type CreateCardInput struct {
	Content  string  `json:"content"`
	Details  string  `json:"details"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Priority string  `json:"priority"`
}

type SaveCardInput struct {
	Content  *string `json:"content"`
	Details  *string `json:"details"`
	Priority *string `json:"priority"`
}

// Classification answers "where would this point land" for a project.
type Classification struct {
	X                 float64           `json:"x"`
	Y                 float64           `json:"y"`
	Split             quadrant.Split    `json:"split"`
	Quadrant          quadrant.Quadrant `json:"quadrant"`
	SuggestedPriority quadrant.Priority `json:"suggested_priority"`
}

// WriteResult reports a lock-exempt or lock-guarded write. Applied is false
// when the card was deleted underneath the caller, which is not an error.
type WriteResult struct {
	Applied bool      `json:"applied"`
	Card    *CardView `json:"card,omitempty"`
}

type Deps struct {
	Store    store.CardStore
	Locks    *lock.Coordinator
	Boards   *board.Manager
	Search   *search.Service
	Export   *export.Service
	Sessions authsession.Store
	Log      *logger.Logger
}

type Service struct {
	cfg      config.Config
	store    store.CardStore
	locks    *lock.Coordinator
	boards   *board.Manager
	search   *search.Service
	export   *export.Service
	sessions authsession.Store
	moves    *moveLimiter
	log      *logger.Logger
}

func NewService(cfg config.Config, deps Deps) *Service {
	log := deps.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		locks:    deps.Locks,
		boards:   deps.Boards,
		search:   deps.Search,
		export:   deps.Export,
		sessions: deps.Sessions,
		moves:    newMoveLimiter(cfg.MoveRate, cfg.MoveBurst),
		log:      log.With("component", "Service"),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) DevLoginEnabled() bool {
	return s.cfg.DevLogin
}

// Login issues a session for a display name. Only the dev login route calls
// it; in production tokens come from elsewhere and are only verified here.
func (s *Service) Login(ctx context.Context, name, role string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}
	if role == "" {
		role = string(rbac.RoleEditor)
	}
	return s.issueSession(ctx, authsession.Identity{
		UserID:    util.UserIDForName(userName),
		Name:      userName,
		Role:      string(rbac.Normalize(role)),
		CreatedAt: time.Now().UTC(),
	})
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, authsession.ErrNotFound
	}
	tokenHash := auth.HashToken(refreshToken)
	identity, err := s.sessions.Lookup(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.Revoke(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, identity)
}

func (s *Service) issueSession(ctx context.Context, identity authsession.Identity) (Session, error) {
	jti := util.NewRequestID()
	claims := auth.NewClaims(identity.UserID, identity.Name, identity.Role, jti, s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), claims)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewRefreshToken()
	if err := s.sessions.Save(ctx, auth.HashToken(refresh), identity, time.Now().Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       identity.UserID,
		UserName:     identity.Name,
		Role:         identity.Role,
		JTI:          jti,
		ExpiresAt:    claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Subject,
		UserName:  claims.Name,
		Role:      string(rbac.Normalize(claims.Role)),
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Logout revokes the refresh token and closes every board the user has open,
// which hands back the locks they took through those boards.
func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if refreshToken != "" {
		_ = s.sessions.Revoke(ctx, auth.HashToken(refreshToken))
	}
	if session.UserID != "" {
		closed := s.boards.CloseUser(session.UserID)
		s.log.Debug("logout", "user_id", session.UserID, "boards_closed", closed)
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) authorize(session Session, action rbac.Action) error {
	if !s.Can(session.Role, action) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", map[string]any{"action": action})
	}
	return nil
}

// retryOnce runs fn and repeats it once if the store was unreachable.
func (s *Service) retryOnce(ctx context.Context, op string, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil || !errors.Is(err, store.ErrUnavailable) || ctx.Err() != nil {
		return err
	}
	s.log.Warn("store unavailable, retrying", "op", op, "error", err)
	return fn(ctx)
}

func (s *Service) CreateProject(ctx context.Context, session Session, in CreateProjectInput) (store.Project, error) {
	if err := s.authorize(session, rbac.ActionEdit); err != nil {
		return store.Project{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return store.Project{}, validationError("name is required")
	}
	split := quadrant.Split{X: s.cfg.SplitX, Y: s.cfg.SplitY}
	if in.SplitX != nil {
		split.X = *in.SplitX
	}
	if in.SplitY != nil {
		split.Y = *in.SplitY
	}
	if !finite(split.X) || !finite(split.Y) {
		return store.Project{}, validationError("split must be a finite point")
	}

	now := time.Now().UTC()
	userID := session.UserID
	project := store.Project{
		ID:        util.NewProjectID(),
		Name:      name,
		SplitX:    split.X,
		SplitY:    split.Y,
		CreatedBy: &userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var created store.Project
	err := s.retryOnce(ctx, "create_project", func(ctx context.Context) error {
		var err error
		created, err = s.store.CreateProject(ctx, project)
		return err
	})
	return created, err
}

func (s *Service) GetProject(ctx context.Context, session Session, projectID string) (store.Project, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return store.Project{}, err
	}
	return s.store.GetProject(ctx, projectID)
}

// Board lists a project's cards. When the store is unreachable and the
// caller has the board open, the open board's last known state is served
// instead, marked stale.
func (s *Service) Board(ctx context.Context, session Session, projectID, boardSessionID string) (BoardView, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return BoardView{}, err
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		if open, ok := s.openBoard(boardSessionID, session, projectID); ok && errors.Is(err, store.ErrUnavailable) && open.Synced() {
			view := s.openView(store.Project{ID: projectID, SplitX: s.cfg.SplitX, SplitY: s.cfg.SplitY}, open, session.UserID)
			view.Stale = true
			return view, nil
		}
		return BoardView{}, err
	}
	cards, err := s.store.ListCards(ctx, projectID)
	if err != nil {
		if open, ok := s.openBoard(boardSessionID, session, projectID); ok && errors.Is(err, store.ErrUnavailable) && open.Synced() {
			s.log.Warn("serving open board while store is unavailable", "project_id", projectID, "user_id", session.UserID)
			view := s.openView(project, open, session.UserID)
			view.Stale = true
			return view, nil
		}
		return BoardView{}, err
	}
	return s.view(project, cards, session.UserID), nil
}

func (s *Service) view(project store.Project, cards []store.Card, viewerID string) BoardView {
	split := project.Split()
	out := BoardView{
		Project: project,
		Cards:   make([]CardView, 0, len(cards)),
		Stats:   quadrant.Tally(split, cards),
	}
	for _, card := range cards {
		out.Cards = append(out.Cards, s.cardView(split, card, viewerID))
	}
	return out
}

// openView renders an open board, flagging cards with unconfirmed local
// edits.
func (s *Service) openView(project store.Project, open *board.Session, viewerID string) BoardView {
	out := s.view(project, open.Cards(), viewerID)
	for i := range out.Cards {
		out.Cards[i].Pending = open.Pending(out.Cards[i].ID)
	}
	return out
}

func (s *Service) cardView(split quadrant.Split, card store.Card, viewerID string) CardView {
	q := split.Classify(card.X, card.Y)
	return CardView{
		Card:              card,
		Quadrant:          q,
		SuggestedPriority: quadrant.SuggestedPriority(q),
		Lock:              s.locks.Status(card, viewerID),
	}
}

// cardViewFor classifies card against its project's split. A failed project
// read falls back to the default split.
func (s *Service) cardViewFor(ctx context.Context, card store.Card, viewerID string) *CardView {
	split := quadrant.Split{X: s.cfg.SplitX, Y: s.cfg.SplitY}
	if project, err := s.store.GetProject(ctx, card.ProjectID); err == nil {
		split = project.Split()
	}
	view := s.cardView(split, card, viewerID)
	return &view
}

func (s *Service) CreateCard(ctx context.Context, session Session, projectID string, in CreateCardInput) (CardView, error) {
	if err := s.authorize(session, rbac.ActionEdit); err != nil {
		return CardView{}, err
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return CardView{}, validationError("content is required")
	}
	if !finite(in.X) || !finite(in.Y) {
		return CardView{}, validationError("position must be finite")
	}
	priority := quadrant.PriorityModerate
	if in.Priority != "" {
		p, err := quadrant.ParsePriority(in.Priority)
		if err != nil {
			return CardView{}, validationError(err.Error())
		}
		priority = p
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return CardView{}, err
	}

	now := time.Now().UTC()
	userID := session.UserID
	card := store.Card{
		ID:        util.NewCardID(),
		ProjectID: project.ID,
		Content:   content,
		Details:   in.Details,
		X:         in.X,
		Y:         in.Y,
		Priority:  priority,
		CreatedBy: &userID,
		UpdatedBy: &userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var created store.Card
	err = s.retryOnce(ctx, "insert_card", func(ctx context.Context) error {
		var err error
		created, err = s.store.InsertCard(ctx, card)
		return err
	})
	if err != nil {
		return CardView{}, err
	}
	s.search.IndexCard(created)
	return s.cardView(project.Split(), created, session.UserID), nil
}

func (s *Service) Stats(ctx context.Context, session Session, projectID string) (quadrant.Stats, error) {
	view, err := s.Board(ctx, session, projectID, "")
	if err != nil {
		return quadrant.Stats{}, err
	}
	return view.Stats, nil
}

func (s *Service) Classify(ctx context.Context, session Session, projectID string, x, y float64) (Classification, error) {
	project, err := s.GetProject(ctx, session, projectID)
	if err != nil {
		return Classification{}, err
	}
	split := project.Split()
	q := split.Classify(x, y)
	return Classification{X: x, Y: y, Split: split, Quadrant: q, SuggestedPriority: quadrant.SuggestedPriority(q)}, nil
}

func (s *Service) Search(ctx context.Context, session Session, projectID, text string, limit, offset int) (search.Response, error) {
	if _, err := s.GetProject(ctx, session, projectID); err != nil {
		return search.Response{}, err
	}
	return s.search.Search(ctx, search.Query{ProjectID: projectID, Text: text, Limit: limit, Offset: offset}), nil
}

func (s *Service) Snapshot(ctx context.Context, session Session, projectID, format string) (*export.Result, error) {
	if err := s.authorize(session, rbac.ActionExport); err != nil {
		return nil, err
	}
	if s.export == nil {
		return nil, export.ErrStorageUnavailable
	}
	f, err := export.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	return s.export.Export(ctx, export.Request{ProjectID: projectID, Format: f, RequestedBy: session.UserName})
}

// AcquireLock opens the edit flow on a card. A refusal carries the holder.
func (s *Service) AcquireLock(ctx context.Context, session Session, cardID string) (CardView, error) {
	if err := s.authorize(session, rbac.ActionEdit); err != nil {
		return CardView{}, err
	}
	var (
		card store.Card
		ok   bool
	)
	err := s.retryOnce(ctx, "acquire_lock", func(ctx context.Context) error {
		var err error
		card, ok, err = s.locks.Acquire(ctx, cardID, session.UserID)
		return err
	})
	if err != nil {
		return CardView{}, err
	}
	if !ok {
		holder := ""
		if card.EditingBy != nil {
			holder = *card.EditingBy
		}
		return CardView{}, lockConflict(cardID, holder)
	}
	s.boards.TrackLock(card.ProjectID, session.UserID, cardID)
	return *s.cardViewFor(ctx, card, session.UserID), nil
}

// ReleaseLock closes the edit flow without saving. It never fails; false
// means the store could not be reached and the lock is left to expire.
func (s *Service) ReleaseLock(ctx context.Context, session Session, cardID string) bool {
	s.boards.ForgetLock(session.UserID, cardID)
	return s.locks.Release(ctx, cardID, session.UserID)
}

// SaveCard writes the guarded fields and releases the lock. The caller's
// lock is re-validated by the write itself.
func (s *Service) SaveCard(ctx context.Context, session Session, cardID string, in SaveCardInput) (WriteResult, error) {
	if err := s.authorize(session, rbac.ActionEdit); err != nil {
		return WriteResult{}, err
	}
	patch, err := guardedPatch(in)
	if err != nil {
		return WriteResult{}, err
	}

	var card store.Card
	err = s.retryOnce(ctx, "save_card", func(ctx context.Context) error {
		var err error
		card, err = s.locks.Commit(ctx, cardID, session.UserID, patch)
		return err
	})
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrConflict):
		s.boards.ForgetLock(session.UserID, cardID)
		return WriteResult{}, nil
	case err != nil:
		return WriteResult{}, err
	}
	s.boards.ForgetLock(session.UserID, cardID)
	s.search.IndexCard(card)
	return WriteResult{Applied: true, Card: s.cardViewFor(ctx, card, session.UserID)}, nil
}

func guardedPatch(in SaveCardInput) (store.Patch, error) {
	var patch store.Patch
	if in.Content != nil {
		content := strings.TrimSpace(*in.Content)
		if content == "" {
			return store.Patch{}, validationError("content cannot be empty")
		}
		patch.Content = &content
	}
	patch.Details = in.Details
	if in.Priority != nil {
		p, err := quadrant.ParsePriority(*in.Priority)
		if err != nil {
			return store.Patch{}, validationError(err.Error())
		}
		patch.Priority = &p
	}
	if patch.Empty() {
		return store.Patch{}, validationError("nothing to save")
	}
	return patch, nil
}

// MoveCard writes a new position without a lock. Through an open board the
// move shows up in that board at once and is withdrawn if the write fails.
func (s *Service) MoveCard(ctx context.Context, session Session, cardID string, x, y float64, boardSessionID string) (WriteResult, error) {
	if err := s.authorize(session, rbac.ActionMove); err != nil {
		return WriteResult{}, err
	}
	if !finite(x) || !finite(y) {
		return WriteResult{}, validationError("position must be finite")
	}
	if !s.moves.Allow(session.UserID) {
		return WriteResult{}, errRateLimited
	}
	patch := store.Patch{X: &x, Y: &y}
	return s.unguardedWrite(ctx, session, cardID, patch, boardSessionID, func(open *board.Session, write func(context.Context) error) error {
		return open.Move(ctx, cardID, x, y, write)
	})
}

func (s *Service) SetCollapsed(ctx context.Context, session Session, cardID string, collapsed bool, boardSessionID string) (WriteResult, error) {
	if err := s.authorize(session, rbac.ActionMove); err != nil {
		return WriteResult{}, err
	}
	patch := store.Patch{IsCollapsed: &collapsed}
	return s.unguardedWrite(ctx, session, cardID, patch, boardSessionID, func(open *board.Session, write func(context.Context) error) error {
		return open.SetCollapsed(ctx, cardID, collapsed, write)
	})
}

func (s *Service) unguardedWrite(ctx context.Context, session Session, cardID string, patch store.Patch, boardSessionID string, optimistic func(*board.Session, func(context.Context) error) error) (WriteResult, error) {
	var card store.Card
	write := func(ctx context.Context) error {
		return s.retryOnce(ctx, "write_card", func(ctx context.Context) error {
			var err error
			card, err = s.store.WriteCard(ctx, cardID, patch, session.UserID, time.Now().UTC())
			return err
		})
	}

	var err error
	if open, ok := s.openBoardForCard(boardSessionID, session, cardID); ok {
		err = optimistic(open, write)
	} else {
		err = write(ctx)
	}
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrConflict):
		return WriteResult{}, nil
	case err != nil:
		return WriteResult{}, err
	}
	return WriteResult{Applied: true, Card: s.cardViewFor(ctx, card, session.UserID)}, nil
}

// DeleteCard removes a card. Another user's live lock blocks it; a card that
// is already gone reports deleted=false.
func (s *Service) DeleteCard(ctx context.Context, session Session, cardID string) (bool, error) {
	if err := s.authorize(session, rbac.ActionDelete); err != nil {
		return false, err
	}
	var deleted bool
	err := s.retryOnce(ctx, "delete_card", func(ctx context.Context) error {
		var err error
		_, deleted, err = s.locks.Delete(ctx, cardID, session.UserID)
		return err
	})
	if err != nil {
		return false, err
	}
	s.boards.ForgetLock(session.UserID, cardID)
	if deleted {
		s.search.DeleteCard(cardID)
	}
	return deleted, nil
}

// SubscribeToProjectCards opens a board for the caller and hands handler the
// reconciled card list after every change, until ctx ends or the board is
// closed. opened receives the board session id before the first frame.
func (s *Service) SubscribeToProjectCards(ctx context.Context, session Session, projectID string, opened func(boardSessionID string), handler func(BoardView)) error {
	project, err := s.GetProject(ctx, session, projectID)
	if err != nil {
		return err
	}
	open, err := s.boards.Open(projectID, session.UserID)
	if err != nil {
		return err
	}
	defer open.Close()

	if opened != nil {
		opened(open.ID)
	}
	err = open.Watch(ctx, func([]store.Card) {
		if !open.Synced() {
			return
		}
		handler(s.openView(project, open, session.UserID))
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, board.ErrClosed) {
		return nil
	}
	return err
}

// openBoard returns the caller's open board on projectID, if boardSessionID
// names one.
func (s *Service) openBoard(boardSessionID string, session Session, projectID string) (*board.Session, bool) {
	if boardSessionID == "" {
		return nil, false
	}
	open, ok := s.boards.Session(boardSessionID)
	if !ok || open.UserID != session.UserID || open.ProjectID != projectID {
		return nil, false
	}
	return open, true
}

func (s *Service) openBoardForCard(boardSessionID string, session Session, cardID string) (*board.Session, bool) {
	if boardSessionID == "" {
		return nil, false
	}
	open, ok := s.boards.Session(boardSessionID)
	if !ok || open.UserID != session.UserID {
		return nil, false
	}
	if _, onBoard := open.Card(cardID); !onBoard {
		return nil, false
	}
	return open, true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
