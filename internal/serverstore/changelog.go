package serverstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/replicant-sync/replicant/internal/patch"
)

// appendChangeEventTx assigns the next per-user sequence number and inserts
// a change_events row within tx, so it commits atomically with whatever
// document/revision write the caller is making.
func appendChangeEventTx(ctx context.Context, tx *sql.Tx, userID, documentID uuid.UUID, eventType EventType,
	revisionID string, forward, reverse patch.Patch, applied bool) (ChangeEvent, error) {
	sequence, err := nextSequenceTx(ctx, tx, userID)
	if err != nil {
		return ChangeEvent{}, err
	}

	forwardJSON, err := marshalPatchOrNil(forward)
	if err != nil {
		return ChangeEvent{}, err
	}
	reverseJSON, err := marshalPatchOrNil(reverse)
	if err != nil {
		return ChangeEvent{}, err
	}

	var createdAt time.Time
	err = tx.QueryRowContext(ctx, `
		INSERT INTO change_events (user_id, sequence, document_id, event_type, revision_id,
		                           forward_patch, reverse_patch, applied)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		userID, sequence, documentID, string(eventType), revisionID, forwardJSON, reverseJSON, applied).
		Scan(&createdAt)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("serverstore: append change event: %w", err)
	}

	return ChangeEvent{
		Sequence: sequence, DocumentID: documentID, UserID: userID, EventType: eventType,
		RevisionID: revisionID, ForwardPatch: forward, ReversePatch: reverse,
		CreatedAt: createdAt, Applied: applied,
	}, nil
}

// nextSequenceTx atomically increments and returns userID's next sequence
// number, creating the counter row on first use.
func nextSequenceTx(ctx context.Context, tx *sql.Tx, userID uuid.UUID) (int64, error) {
	var sequence int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO user_sequences (user_id, next_sequence) VALUES ($1, 1)
		ON CONFLICT (user_id) DO UPDATE SET next_sequence = user_sequences.next_sequence + 1
		RETURNING next_sequence`, userID).Scan(&sequence)
	if err != nil {
		return 0, fmt.Errorf("serverstore: allocate sequence: %w", err)
	}
	return sequence, nil
}

func marshalPatchOrNil(p patch.Patch) (any, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("serverstore: marshal patch: %w", err)
	}
	return b, nil
}

// GetChangesSince returns events for userID with sequence > lastSequence,
// ordered ascending, capped at limit (0 means no cap), plus whether more
// events exist beyond the returned page.
func (s *Store) GetChangesSince(ctx context.Context, userID uuid.UUID, lastSequence int64, limit int) ([]ChangeEvent, bool, error) {
	query := `
		SELECT sequence, document_id, event_type, revision_id, forward_patch, reverse_patch, created_at, applied
		FROM change_events
		WHERE user_id = $1 AND sequence > $2
		ORDER BY sequence ASC`
	args := []any{userID, lastSequence}
	fetchLimit := limit
	if fetchLimit > 0 {
		fetchLimit++ // fetch one extra row to detect has_more without a second query
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, fetchLimit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("serverstore: get changes since: %w", err)
	}
	defer rows.Close()

	var events []ChangeEvent
	for rows.Next() {
		var (
			e                        ChangeEvent
			eventType                string
			forwardJSON, reverseJSON sql.NullString
		)
		e.UserID = userID
		if err := rows.Scan(&e.Sequence, &e.DocumentID, &eventType, &e.RevisionID,
			&forwardJSON, &reverseJSON, &e.CreatedAt, &e.Applied); err != nil {
			return nil, false, fmt.Errorf("serverstore: scan change event: %w", err)
		}
		e.EventType = EventType(eventType)
		if forwardJSON.Valid {
			if err := json.Unmarshal([]byte(forwardJSON.String), &e.ForwardPatch); err != nil {
				return nil, false, fmt.Errorf("serverstore: unmarshal forward patch: %w", err)
			}
		}
		if reverseJSON.Valid {
			if err := json.Unmarshal([]byte(reverseJSON.String), &e.ReversePatch); err != nil {
				return nil, false, fmt.Errorf("serverstore: unmarshal reverse patch: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := false
	if limit > 0 && len(events) > limit {
		hasMore = true
		events = events[:limit]
	}
	return events, hasMore, nil
}
