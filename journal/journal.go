// Package journal persists driver events to SQLite.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/w1xm/dome_interface/dome"
)

// Event is one journaled notification.
type Event struct {
	ID       uuid.UUID      `gorm:"type:text;primaryKey" json:"id"`
	At       time.Time      `gorm:"not null;index" json:"at"`
	Kind     dome.EventType `gorm:"not null;index" json:"kind"`
	Message  string         `gorm:"not null" json:"message"`
	Deadline *time.Time     `json:"deadline,omitempty"`
}

// Store is a dome.Notifier that records every event.
type Store struct {
	db *gorm.DB
}

// Open opens or creates the journal database at path.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening journal %q: %w", path, err)
	}
	return New(db)
}

// New migrates the schema on db.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, fmt.Errorf("migrating journal: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Notify(ctx context.Context, event dome.EventType, message string, deadline time.Time) error {
	e := Event{
		ID:      uuid.New(),
		At:      time.Now().UTC(),
		Kind:    event,
		Message: message,
	}
	if !deadline.IsZero() {
		d := deadline.UTC()
		e.Deadline = &d
	}
	if err := s.db.WithContext(ctx).Create(&e).Error; err != nil {
		return fmt.Errorf("journaling %s: %w", event, err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	var events []Event
	err := s.db.WithContext(ctx).Order("at desc").Limit(limit).Find(&events).Error
	return events, err
}

// Prune deletes events older than before and returns how many were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("at < ?", before.UTC()).Delete(&Event{})
	return res.RowsAffected, res.Error
}

func (s *Store) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
