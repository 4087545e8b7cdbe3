package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"estate-chat/internal/models"
)

var (
	ErrProfileNotFound  = errors.New("profile not found")
	ErrPropertyNotFound = errors.New("property not found")
)

// ProfileRepository reads marketplace user profiles.
type ProfileRepository interface {
	GetProfile(ctx context.Context, userID string) (models.Profile, error)
}

// PropertyRepository reads marketplace listings.
type PropertyRepository interface {
	GetProperty(ctx context.Context, propertyID string) (models.PropertySummary, error)
}

// ListingRepo implements ProfileRepository and PropertyRepository over the marketplace tables.
type ListingRepo struct {
	db *sqlx.DB
}

// NewListingRepo constructs a ListingRepo.
func NewListingRepo(db *sqlx.DB) *ListingRepo {
	return &ListingRepo{db: db}
}

// GetProfile fetches the display identity of a user.
func (r *ListingRepo) GetProfile(ctx context.Context, userID string) (models.Profile, error) {
	var profile models.Profile
	err := r.db.GetContext(ctx, &profile, `SELECT id, name, avatar_url FROM profiles WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Profile{}, ErrProfileNotFound
	}
	return profile, err
}

type propertyRow struct {
	ID      string         `db:"id"`
	Title   string         `db:"title"`
	Images  pq.StringArray `db:"images"`
	AgentID string         `db:"agent_id"`
}

// GetProperty fetches the listing title, images and owning agent.
func (r *ListingRepo) GetProperty(ctx context.Context, propertyID string) (models.PropertySummary, error) {
	var row propertyRow
	err := r.db.GetContext(ctx, &row, `SELECT id, title, images, agent_id FROM properties WHERE id=$1`, propertyID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PropertySummary{}, ErrPropertyNotFound
	}
	if err != nil {
		return models.PropertySummary{}, err
	}
	return models.PropertySummary{
		ID:      row.ID,
		Title:   row.Title,
		Images:  []string(row.Images),
		AgentID: row.AgentID,
	}, nil
}
