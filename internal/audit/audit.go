// Package audit keeps the back-office trail of escrow actions. Entries land
// in postgres synchronously; an Elasticsearch copy is indexed best effort for
// admin search.
package audit

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	apperrors "marketplace-escrow/internal/common/errors"
	"marketplace-escrow/internal/common/logger"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/google/uuid"
)

// Entry is one recorded action on a hold.
type Entry struct {
	ID          string    `json:"id"`
	HoldID      string    `json:"hold_id"`
	ActorID     string    `json:"actor_id"`
	Action      string    `json:"action"`
	PriorStatus string    `json:"prior_status,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Recorder implements the escrow side's audit hook.
type Recorder struct {
	db     *sql.DB
	es     *elasticsearch.Client
	index  string
	logger logger.Logger
	now    func() time.Time
}

// NewRecorder builds a Recorder. es may be nil when search indexing is
// disabled; the postgres trail is always written.
func NewRecorder(db *sql.DB, es *elasticsearch.Client, index string, log logger.Logger) *Recorder {
	return &Recorder{
		db:     db,
		es:     es,
		index:  index,
		logger: log.WithFields(map[string]interface{}{"component": "audit"}),
		now:    time.Now,
	}
}

// Record writes one entry. The postgres insert is authoritative; an indexing
// failure is logged and swallowed.
func (r *Recorder) Record(ctx context.Context, holdID, actorID, action, priorStatus, reason string) error {
	entry := &Entry{
		ID:          uuid.New().String(),
		HoldID:      holdID,
		ActorID:     actorID,
		Action:      action,
		PriorStatus: priorStatus,
		Reason:      reason,
		CreatedAt:   r.now().UTC(),
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, hold_id, actor_id, action, prior_status, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.HoldID, entry.ActorID, entry.Action,
		entry.PriorStatus, entry.Reason, entry.CreatedAt,
	)
	if err != nil {
		return apperrors.NewInternalError(fmt.Errorf("insert audit entry: %w", err))
	}

	r.indexEntry(ctx, entry)
	return nil
}

func (r *Recorder) indexEntry(ctx context.Context, entry *Entry) {
	if r.es == nil {
		return
	}
	body, err := json.Marshal(entry)
	if err != nil {
		r.logger.Warn("failed to marshal audit entry for indexing", map[string]interface{}{
			"entry_id": entry.ID, "error": err.Error(),
		})
		return
	}
	res, err := r.es.Index(
		r.index,
		bytes.NewReader(body),
		r.es.Index.WithContext(ctx),
		r.es.Index.WithDocumentID(entry.ID),
	)
	if err != nil {
		r.logger.Warn("audit index request failed", map[string]interface{}{
			"entry_id": entry.ID, "error": err.Error(),
		})
		return
	}
	defer res.Body.Close()
	if res.IsError() {
		r.logger.Warn("audit index rejected entry", map[string]interface{}{
			"entry_id": entry.ID, "status": res.Status(),
		})
	}
}

// Search returns entries for a hold, newest first. Served from postgres so
// results are consistent with the authoritative trail; Elasticsearch backs
// free-text back-office queries via SearchText.
func (r *Recorder) Search(ctx context.Context, holdID string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, hold_id, actor_id, action, prior_status, reason, created_at
		FROM audit_entries WHERE hold_id = $1
		ORDER BY created_at DESC LIMIT $2`,
		holdID, limit,
	)
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("search audit entries: %w", err))
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.HoldID, &e.ActorID, &e.Action,
			&e.PriorStatus, &e.Reason, &e.CreatedAt); err != nil {
			return nil, apperrors.NewInternalError(fmt.Errorf("scan audit entry: %w", err))
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("search audit entries: %w", err))
	}
	return entries, nil
}

// SearchText runs a free-text match over the indexed entries.
func (r *Recorder) SearchText(ctx context.Context, query string, limit int) ([]*Entry, error) {
	if r.es == nil {
		return nil, apperrors.NewValidationError("audit search index is not configured")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var buf bytes.Buffer
	body := map[string]interface{}{
		"size": limit,
		"sort": []map[string]interface{}{{"created_at": map[string]string{"order": "desc"}}},
		"query": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  query,
				"fields": []string{"reason", "action", "actor_id", "hold_id"},
			},
		},
	}
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("encode audit query: %w", err))
	}

	res, err := r.es.Search(
		r.es.Search.WithContext(ctx),
		r.es.Search.WithIndex(r.index),
		r.es.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("audit search: %w", err))
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, apperrors.NewInternalError(fmt.Errorf("audit search failed: %s", res.Status()))
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source Entry `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("decode audit search response: %w", err))
	}

	entries := make([]*Entry, 0, len(parsed.Hits.Hits))
	for i := range parsed.Hits.Hits {
		e := parsed.Hits.Hits[i].Source
		entries = append(entries, &e)
	}
	return entries, nil
}
