// Package cloud is the remote per-user favorites service, stored in
// PostgreSQL through gorm.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rubiojr/quietspace/pkg/logger"
	"github.com/rubiojr/quietspace/pkg/place"
	"github.com/rubiojr/quietspace/pkg/provider"
)

// ErrNoPlaceID is returned when adding a favorite without an external id.
var ErrNoPlaceID = errors.New("cloud: place has no external id")

// UserFavorite is one row of user_favorites.
type UserFavorite struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID           string         `gorm:"type:varchar(64);not null;uniqueIndex:idx_user_place" json:"user_id"`
	GooglePlaceID    string         `gorm:"type:varchar(255);not null;uniqueIndex:idx_user_place" json:"google_place_id"`
	Name             string         `gorm:"not null" json:"name"`
	Address          string         `json:"address"`
	Rating           float64        `gorm:"type:decimal(2,1)" json:"rating"`
	UserRatingsTotal int            `json:"user_ratings_total"`
	Latitude         *float64       `gorm:"type:decimal(10,8)" json:"latitude"`
	Longitude        *float64       `gorm:"type:decimal(11,8)" json:"longitude"`
	PlaceType        string         `gorm:"type:varchar(50)" json:"place_type"`
	QuietScore       *float64       `gorm:"type:decimal(2,1)" json:"quiet_score"`
	Tags             pq.StringArray `gorm:"type:text[]" json:"tags"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func (UserFavorite) TableName() string { return "user_favorites" }

// BeforeCreate assigns the row id.
func (f *UserFavorite) BeforeCreate(tx *gorm.DB) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	return nil
}

// Repository holds the database handle shared by every user.
type Repository struct {
	DB *gorm.DB
}

// Open connects to dsn, retrying while the database starts up, then
// migrates the schema.
func Open(dsn string, retries int) (*Repository, error) {
	if retries < 1 {
		retries = 1
	}
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	if logger.DebugEnabled() {
		cfg.Logger = gormlogger.Default.LogMode(gormlogger.Info)
	}

	var (
		db  *gorm.DB
		err error
	)
	for i := 0; i < retries; i++ {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
		if err == nil {
			break
		}
		logger.Warn("cloud: waiting for database (%d/%d): %v", i+1, retries, err)
		if i < retries-1 {
			time.Sleep(2 * time.Second)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("cloud: connect: %w", err)
	}
	if err := db.AutoMigrate(&UserFavorite{}); err != nil {
		return nil, fmt.Errorf("cloud: migrate: %w", err)
	}
	logger.Info("cloud: favorites database ready")
	return &Repository{DB: db}, nil
}

// Close releases the underlying connection pool.
func (r *Repository) Close() error {
	sqlDB, err := r.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ForUser scopes the repository to one user.
func (r *Repository) ForUser(userID string) *UserFavorites {
	return &UserFavorites{db: r.DB, userID: userID}
}

// UserFavorites implements provider.CloudFavorites for one user.
type UserFavorites struct {
	db     *gorm.DB
	userID string
}

var _ provider.CloudFavorites = (*UserFavorites)(nil)

// AddFavorite upserts the favorite on (user_id, google_place_id).
func (u *UserFavorites) AddFavorite(ctx context.Context, rec place.Record) error {
	row, err := FromRecord(u.userID, rec)
	if err != nil {
		return err
	}
	err = u.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "google_place_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "address", "rating", "user_ratings_total", "latitude", "longitude",
			"place_type", "quiet_score", "tags", "updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("cloud: add %s: %w", rec.ExternalID, err)
	}
	logger.Debug("cloud: added favorite %s for %s", rec.ExternalID, u.userID)
	return nil
}

// RemoveFavorite deletes the favorite; removing a missing one is not an error.
func (u *UserFavorites) RemoveFavorite(ctx context.Context, externalID string) error {
	err := u.db.WithContext(ctx).
		Where("user_id = ? AND google_place_id = ?", u.userID, externalID).
		Delete(&UserFavorite{}).Error
	if err != nil {
		return fmt.Errorf("cloud: remove %s: %w", externalID, err)
	}
	logger.Debug("cloud: removed favorite %s for %s", externalID, u.userID)
	return nil
}

// ListFavorites returns the user's favorites, oldest first.
func (u *UserFavorites) ListFavorites(ctx context.Context) ([]provider.CloudFavorite, error) {
	var rows []UserFavorite
	if err := u.db.WithContext(ctx).
		Where("user_id = ?", u.userID).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("cloud: list: %w", err)
	}
	out := make([]provider.CloudFavorite, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Favorite())
	}
	logger.Debug("cloud: fetched %d favorite(s) for %s", len(out), u.userID)
	return out, nil
}

// FromRecord builds the row stored for rec.
func FromRecord(userID string, rec place.Record) (UserFavorite, error) {
	id := strings.TrimSpace(rec.ExternalID)
	if id == "" {
		return UserFavorite{}, ErrNoPlaceID
	}
	row := UserFavorite{
		UserID:           userID,
		GooglePlaceID:    id,
		Name:             rec.Name,
		Address:          rec.Address,
		Rating:           rec.Rating,
		UserRatingsTotal: rec.ReviewCount,
		PlaceType:        string(rec.Category),
		Tags:             pq.StringArray(place.TagsFor(rec.Category)),
	}
	if rec.Location.Valid() {
		lat, lng := rec.Location.Lat, rec.Location.Lng
		row.Latitude, row.Longitude = &lat, &lng
	}
	if rec.QuietScore > 0 {
		qs := rec.QuietScore
		row.QuietScore = &qs
	}
	return row, nil
}

// Favorite converts the row to the provider shape.
func (f UserFavorite) Favorite() provider.CloudFavorite {
	return provider.CloudFavorite{
		ExternalID:  f.GooglePlaceID,
		Name:        f.Name,
		Address:     f.Address,
		Rating:      f.Rating,
		ReviewCount: f.UserRatingsTotal,
		Lat:         f.Latitude,
		Lng:         f.Longitude,
		PlaceType:   f.PlaceType,
		QuietScore:  f.QuietScore,
	}
}
