package listing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"propchat/internal/models"
)

// ErrNotAnAgent denies listing creation to accounts without the agent or
// admin role.
var ErrNotAnAgent = errors.New("only agents may manage listings")

// Service handles listing and lead CRUD.
type Service struct {
	db *sql.DB
}

// NewService builds a new listing service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Create inserts a listing owned by the given agent.
func (s *Service) Create(ctx context.Context, agent *models.Identity, title string, price int64) (*models.Listing, error) {
	if agent == nil || agent.ID <= 0 {
		return nil, errors.New("agent is required")
	}
	if agent.Role != models.RoleAgent && agent.Role != models.RoleAdmin {
		return nil, ErrNotAnAgent
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.New("title is required")
	}
	if price < 0 {
		return nil, errors.New("price cannot be negative")
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO listings (agent_id, title, price, created_at) VALUES (?, ?, ?, ?)`,
		agent.ID, title, price, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create listing: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("listing id: %w", err)
	}
	return &models.Listing{ID: id, AgentID: agent.ID, Title: title, Price: price, CreatedAt: now}, nil
}

// List returns the listing feed, newest first.
func (s *Service) List(ctx context.Context) ([]models.Listing, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, title, price, created_at FROM listings ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	defer rows.Close()

	var listings []models.Listing
	for rows.Next() {
		var l models.Listing
		if err := rows.Scan(&l.ID, &l.AgentID, &l.Title, &l.Price, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

// CaptureLead records a buyer inquiry against a listing.
func (s *Service) CaptureLead(ctx context.Context, listingID int64, name, email, note string) (*models.Lead, error) {
	if listingID <= 0 {
		return nil, errors.New("listing_id is required")
	}
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if name == "" || email == "" {
		return nil, errors.New("name and email are required")
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM listings WHERE id = ?)`, listingID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("verify listing: %w", err)
	}
	if !exists {
		return nil, sql.ErrNoRows
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leads (listing_id, name, email, note, created_at) VALUES (?, ?, ?, ?, ?)`,
		listingID, name, email, note, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create lead: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("lead id: %w", err)
	}
	return &models.Lead{ID: id, ListingID: listingID, Name: name, Email: email, Note: note, CreatedAt: now}, nil
}

// LeadsForAgent returns leads captured against the agent's listings,
// newest first.
func (s *Service) LeadsForAgent(ctx context.Context, listingID, agentID int64) ([]models.Lead, error) {
	var ownerID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT agent_id FROM listings WHERE id = ?`, listingID,
	).Scan(&ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("lookup listing: %w", err)
	}
	if ownerID != agentID {
		return nil, ErrNotAnAgent
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, listing_id, name, email, note, created_at FROM leads WHERE listing_id = ? ORDER BY created_at DESC`,
		listingID,
	)
	if err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}
	defer rows.Close()

	var leads []models.Lead
	for rows.Next() {
		var l models.Lead
		if err := rows.Scan(&l.ID, &l.ListingID, &l.Name, &l.Email, &l.Note, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		leads = append(leads, l)
	}
	return leads, rows.Err()
}
