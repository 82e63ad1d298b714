package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ideamatrix/api/internal/quadrant"
	"ideamatrix/api/internal/store"
)

// DataStore defines the interface for data access
type DataStore interface {
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	ListCards(ctx context.Context, projectID string) ([]store.Card, error)
}

// Sink stores rendered snapshots and returns the object key.
type Sink interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
}

// Service builds and stores board snapshots
type Service struct {
	store DataStore
	sink  Sink
	now   func() time.Time
}

// NewService creates an export service. sink may be nil.
func NewService(store DataStore, sink Sink) *Service {
	return &Service{store: store, sink: sink, now: time.Now}
}

// Build reads the project and its cards and classifies every card.
func (s *Service) Build(ctx context.Context, projectID, requestedBy string) (Snapshot, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("get project: %w", err)
	}
	cards, err := s.store.ListCards(ctx, projectID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list cards: %w", err)
	}

	split := project.Split()
	snap := Snapshot{
		Project:     project,
		GeneratedAt: s.now().UTC(),
		GeneratedBy: requestedBy,
		Cards:       make([]SnapshotCard, 0, len(cards)),
		Stats:       quadrant.Tally(split, cards),
	}
	for _, card := range cards {
		q := split.Classify(card.X, card.Y)
		snap.Cards = append(snap.Cards, SnapshotCard{
			Card:              card,
			Quadrant:          q,
			SuggestedPriority: quadrant.SuggestedPriority(q),
		})
	}
	return snap, nil
}

// Export renders a snapshot in the requested format and uploads it when a
// sink is configured.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	snap, err := s.Build(ctx, req.ProjectID, req.RequestedBy)
	if err != nil {
		return nil, err
	}

	var result *Result
	switch req.Format {
	case FormatJSON, "":
		result, err = renderJSON(snap)
	case FormatHTML:
		result, err = renderHTML(snap)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
	if err != nil {
		return nil, err
	}

	if s.sink == nil {
		return result, nil
	}
	key := objectKey(snap.Project.ID, snap.GeneratedAt, result.Filename)
	if err := s.sink.Put(ctx, key, result.MimeType, result.Data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	result.Key = key
	return result, nil
}

func renderJSON(snap Snapshot) (*Result, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return &Result{
		Data:     buf.Bytes(),
		Filename: sanitizeFilename(snap.Project.Name) + ".json",
		MimeType: "application/json",
	}, nil
}

func renderHTML(snap Snapshot) (*Result, error) {
	html, err := RenderBoardHTML(newTemplateData(snap))
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	return &Result{
		Data:     []byte(html),
		Filename: sanitizeFilename(snap.Project.Name) + ".html",
		MimeType: "text/html; charset=utf-8",
	}, nil
}

func objectKey(projectID string, at time.Time, filename string) string {
	return fmt.Sprintf("projects/%s/snapshots/%s-%s", projectID, at.Format("20060102T150405.000000Z"), filename)
}

// sanitizeFilename keeps ASCII letters, digits, '-' and '_' and turns spaces
// into hyphens.
func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('-')
		}
	}
	result := b.String()
	if len(result) > 50 {
		result = result[:50]
	}
	if result == "" {
		result = "board"
	}
	return result
}
