package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"collabcore/backend/internal/protocol"
)

var (
	ErrSessionNotFound     = errors.New("store: session not found")
	ErrParticipantNotFound = errors.New("store: participant not found")
)

type SessionRecord struct {
	ID        string `gorm:"primaryKey;size:36"`
	Name      string `gorm:"size:255"`
	FileID    string `gorm:"size:64"`
	CreatedBy string `gorm:"size:36"`
	IsActive  bool
	CreatedAt time.Time
}

func (SessionRecord) TableName() string { return "sessions" }

type ParticipantRecord struct {
	SessionID  string `gorm:"primaryKey;size:36"`
	UserID     string `gorm:"primaryKey;size:36"`
	Permission string `gorm:"size:16"`
	JoinedAt   time.Time
}

func (ParticipantRecord) TableName() string { return "session_participants" }

type SessionStore struct{ db *gorm.DB }

func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) Migrate() error {
	return s.db.AutoMigrate(&SessionRecord{}, &ParticipantRecord{})
}

// Create inserts the session record and its creator as admin participant in
// one transaction.
func (s *SessionStore) Create(ctx context.Context, rec SessionRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		creator := ParticipantRecord{
			SessionID:  rec.ID,
			UserID:     rec.CreatedBy,
			Permission: string(protocol.PermissionAdmin),
			JoinedAt:   time.Now(),
		}
		return tx.Create(&creator).Error
	})
}

func (s *SessionStore) Get(ctx context.Context, id string) (SessionRecord, []ParticipantRecord, error) {
	var rec SessionRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SessionRecord{}, nil, ErrSessionNotFound
		}
		return SessionRecord{}, nil, err
	}
	var parts []ParticipantRecord
	if err := s.db.WithContext(ctx).Where("session_id = ?", id).Find(&parts).Error; err != nil {
		return SessionRecord{}, nil, err
	}
	return rec, parts, nil
}

// End marks the session inactive; the record is kept for history.
func (s *SessionStore) End(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&SessionRecord{}).Where("id = ?", id).Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SessionStore) AddParticipant(ctx context.Context, sessionID, userID string, perm protocol.Permission) error {
	rec := ParticipantRecord{
		SessionID:  sessionID,
		UserID:     userID,
		Permission: string(perm),
		JoinedAt:   time.Now(),
	}
	// Re-inviting an existing participant refreshes the permission.
	return s.db.WithContext(ctx).Save(&rec).Error
}

func (s *SessionStore) RemoveParticipant(ctx context.Context, sessionID, userID string) error {
	res := s.db.WithContext(ctx).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Delete(&ParticipantRecord{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrParticipantNotFound
	}
	return nil
}

func (s *SessionStore) UpdatePermission(ctx context.Context, sessionID, userID string, perm protocol.Permission) error {
	res := s.db.WithContext(ctx).Model(&ParticipantRecord{}).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Update("permission", string(perm))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrParticipantNotFound
	}
	return nil
}

// PermissionOf returns the caller's access level inside a session.
func (s *SessionStore) PermissionOf(ctx context.Context, sessionID, userID string) (protocol.Permission, error) {
	var rec ParticipantRecord
	err := s.db.WithContext(ctx).
		First(&rec, "session_id = ? AND user_id = ?", sessionID, userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrParticipantNotFound
		}
		return "", err
	}
	return protocol.Permission(rec.Permission), nil
}
