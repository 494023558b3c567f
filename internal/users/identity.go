package users

import (
	"strings"
	"time"
)

// Identity maps a provider login onto the viewer id recorded with content views.
type Identity struct {
	Provider   string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject    string    `gorm:"column:subject;primaryKey;size:190;not null"`
	ViewerID   string    `gorm:"column:viewer_id;size:190;not null;index"`
	Email      string    `gorm:"column:email;size:320"`
	Username   string    `gorm:"column:username;size:190"`
	LastSeenAt time.Time `gorm:"column:last_seen_at"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing viewer identities.
func (Identity) TableName() string {
	return "viewer_identities"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
