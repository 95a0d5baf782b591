package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"propchat/internal/models"
)

// Service owns conversations, the participant roster, and the message
// ingestion pipeline. Every call is a pure function of its inputs plus the
// persisted roster and conversation state.
type Service struct {
	db *sql.DB
}

// NewService builds a chat service on the shared database handle.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Decision is the authorizer's verdict. When Granted is false, Reason
// records why; callers surface both reasons identically as forbidden.
type Decision struct {
	Granted bool
	Reason  error
}

// Authorize checks whether userID may act in the conversation right now.
// It reads the roster fresh on every call; membership may change between
// attempts, so the verdict is never cached.
func (s *Service) Authorize(ctx context.Context, conversationID string, userID int64) (Decision, error) {
	return authorize(ctx, s.db, conversationID, userID)
}

// querier abstracts *sql.DB and *sql.Tx so the authorizer can run inside
// the ingestion transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func authorize(ctx context.Context, q querier, conversationID string, userID int64) (Decision, error) {
	var leftAt sql.NullTime
	err := q.QueryRowContext(ctx,
		`SELECT left_at FROM conversation_participants WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID,
	).Scan(&leftAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Decision{Reason: ErrNotAParticipant}, nil
		}
		return Decision{}, fmt.Errorf("lookup participant: %w", err)
	}
	if leftAt.Valid {
		return Decision{Reason: ErrHasLeft}, nil
	}
	return Decision{Granted: true}, nil
}

// Send runs the ingestion pipeline: authorize the sender against the live
// roster, persist the message, and advance the conversation's updated_at.
// The persist and the timestamp advance commit as one transaction, and the
// timestamp only moves forward, so concurrent sends always leave updated_at
// at the latest message's created_at.
func (s *Service) Send(ctx context.Context, conversationID string, senderID int64, content string) (*models.Message, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id is required", ErrValidation)
	}
	if senderID <= 0 {
		return nil, fmt.Errorf("%w: sender is required", ErrValidation)
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content cannot be empty", ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	decision, err := authorize(ctx, tx, conversationID, senderID)
	if err != nil {
		return nil, err
	}
	if !decision.Granted {
		err = decision.Reason
		return nil, err
	}

	now := time.Now().UTC()
	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      now,
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.CreatedAt,
	); err != nil {
		err = fmt.Errorf("insert message: %w", err)
		return nil, err
	}
	// Guarded so a slower concurrent send can never drag the freshness
	// marker backwards.
	if _, err = tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ? AND updated_at < ?`,
		now, conversationID, now,
	); err != nil {
		err = fmt.Errorf("touch conversation: %w", err)
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("commit message: %w", err)
		return nil, err
	}

	sender, err := s.senderProjection(ctx, senderID)
	if err != nil {
		// The message is committed; return it even if the projection fails.
		return &msg, nil
	}
	msg.Sender = sender
	return &msg, nil
}

func (s *Service) senderProjection(ctx context.Context, userID int64) (*models.Sender, error) {
	var sender models.Sender
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email FROM users WHERE id = ?`, userID,
	).Scan(&sender.ID, &sender.Name, &sender.Email)
	if err != nil {
		return nil, fmt.Errorf("load sender: %w", err)
	}
	return &sender, nil
}

// CreateConversation opens a conversation with the creator and the given
// peers as active participants. listingID of zero means the conversation is
// not attached to a listing.
func (s *Service) CreateConversation(ctx context.Context, creatorID int64, peerIDs []int64, listingID int64) (*models.Conversation, error) {
	if creatorID <= 0 {
		return nil, fmt.Errorf("%w: creator is required", ErrValidation)
	}
	now := time.Now().UTC()
	conv := models.Conversation{
		ID:        uuid.NewString(),
		ListingID: listingID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var listing any
	if listingID > 0 {
		listing = listingID
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (id, listing_id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		conv.ID, listing, now, now,
	); err != nil {
		err = fmt.Errorf("insert conversation: %w", err)
		return nil, err
	}

	members := append([]int64{creatorID}, peerIDs...)
	seen := make(map[int64]bool, len(members))
	for _, userID := range members {
		if userID <= 0 || seen[userID] {
			continue
		}
		seen[userID] = true
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id, joined_at, left_at) VALUES (?, ?, ?, NULL)`,
			conv.ID, userID, now,
		); err != nil {
			err = fmt.Errorf("insert participant: %w", err)
			return nil, err
		}
	}
	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("commit conversation: %w", err)
		return nil, err
	}
	return &conv, nil
}

// ListConversations returns every conversation the user has a roster row
// in, newest activity first. Departed conversations stay listed so history
// remains reachable.
func (s *Service) ListConversations(ctx context.Context, userID int64) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, COALESCE(c.listing_id, 0), c.created_at, c.updated_at
		 FROM conversations c
		 JOIN conversation_participants p ON p.conversation_id = c.id
		 WHERE p.user_id = ?
		 ORDER BY c.updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.ListingID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// ListMessages returns the ordered messages of a conversation. Any user
// with a roster row, active or departed, may read; users with no row get
// the same forbidden answer as the send path.
func (s *Service) ListMessages(ctx context.Context, conversationID string, userID int64) ([]models.Message, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id = ? AND user_id = ?)`,
		conversationID, userID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("verify participant: %w", err)
	}
	if !exists {
		return nil, ErrNotAParticipant
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, sender_id, content, created_at FROM messages
		 WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// ActiveParticipants returns the user ids currently able to act in the
// conversation.
func (s *Service) ActiveParticipants(ctx context.Context, conversationID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM conversation_participants WHERE conversation_id = ? AND left_at IS NULL`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list active participants: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Leave marks the user's roster row as departed. The row is kept so
// historical membership queries keep working; leaving twice is a no-op.
func (s *Service) Leave(ctx context.Context, conversationID string, userID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversation_participants SET left_at = ? WHERE conversation_id = ? AND user_id = ? AND left_at IS NULL`,
		time.Now().UTC(), conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("leave conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("leave rows affected: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id = ? AND user_id = ?)`,
			conversationID, userID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("verify participant: %w", err)
		}
		if !exists {
			return sql.ErrNoRows
		}
	}
	return nil
}
