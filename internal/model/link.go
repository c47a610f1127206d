package model

import (
	"time"
)

// RetireReason records why a link left the current table
type RetireReason string

const (
	ReasonExpired RetireReason = "expired"
	ReasonDeleted RetireReason = "deleted"
)

// CurrentLink represents a live alias mapping
type CurrentLink struct {
	ID            uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	Alias         string     `gorm:"uniqueIndex;type:varchar(255);not null" json:"alias"`
	TargetURL     string     `gorm:"type:text;not null" json:"url"`
	OwnerID       *string    `gorm:"index;type:varchar(64)" json:"user_id,omitempty"`
	ProjectName   *string    `gorm:"index;type:varchar(255)" json:"project_name,omitempty"`
	CreatedAt     time.Time  `gorm:"not null" json:"created_at"`
	ExpireAt      time.Time  `gorm:"index;not null" json:"expire_at"`
	ClickCount    uint64     `gorm:"default:0" json:"clicks_count"`
	LastClickedAt *time.Time `json:"last_clicked_at,omitempty"`
	TaskHandle    string     `gorm:"type:varchar(64);not null" json:"-"`
}

// TableName specifies the table name for CurrentLink
func (CurrentLink) TableName() string {
	return "current_links"
}

// IsExpired checks if the link has reached its expiry at the given instant
func (l *CurrentLink) IsExpired(now time.Time) bool {
	return !now.Before(l.ExpireAt)
}

// OwnedBy reports whether owner ("" for anonymous) owns the link
func (l *CurrentLink) OwnedBy(owner string) bool {
	if l.OwnerID == nil {
		return owner == ""
	}
	return *l.OwnerID == owner
}

// Archive builds the write-once archive record for this link
func (l *CurrentLink) Archive(reason RetireReason, at time.Time) *ArchivedLink {
	return &ArchivedLink{
		LinkID:        l.ID,
		Alias:         l.Alias,
		TargetURL:     l.TargetURL,
		OwnerID:       l.OwnerID,
		ProjectName:   l.ProjectName,
		CreatedAt:     l.CreatedAt,
		ExpireAt:      l.ExpireAt,
		ArchivedAt:    at,
		ClickCount:    l.ClickCount,
		LastClickedAt: l.LastClickedAt,
		Reason:        reason,
	}
}

// ArchivedLink is a retired link. Alias is not unique here; LinkID identifies
// the current row it was moved from.
type ArchivedLink struct {
	ID            uint         `gorm:"primaryKey;autoIncrement" json:"id"`
	LinkID        uint         `gorm:"uniqueIndex;not null" json:"-"`
	Alias         string       `gorm:"index;type:varchar(255);not null" json:"alias"`
	TargetURL     string       `gorm:"type:text;not null" json:"url"`
	OwnerID       *string      `gorm:"index;type:varchar(64)" json:"user_id,omitempty"`
	ProjectName   *string      `gorm:"type:varchar(255)" json:"project_name,omitempty"`
	CreatedAt     time.Time    `gorm:"not null" json:"created_at"`
	ExpireAt      time.Time    `gorm:"not null" json:"expire_at"`
	ArchivedAt    time.Time    `gorm:"index;not null" json:"expired_at"`
	ClickCount    uint64       `gorm:"default:0" json:"clicks_count"`
	LastClickedAt *time.Time   `json:"last_clicked_at,omitempty"`
	Reason        RetireReason `gorm:"type:varchar(16);not null" json:"reason"`
}

// TableName specifies the table name for ArchivedLink
func (ArchivedLink) TableName() string {
	return "archived_links"
}

// LinkStats is the statistics view of a current link
type LinkStats struct {
	Alias         string     `json:"alias"`
	URL           string     `json:"url"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpireAt      time.Time  `json:"expire_at"`
	ClicksCount   uint64     `json:"clicks_count"`
	LastClickedAt *time.Time `json:"last_clicked_at,omitempty"`
}

// Stats returns the statistics view of the link
func (l *CurrentLink) Stats() LinkStats {
	return LinkStats{
		Alias:         l.Alias,
		URL:           l.TargetURL,
		CreatedAt:     l.CreatedAt,
		ExpireAt:      l.ExpireAt,
		ClicksCount:   l.ClickCount,
		LastClickedAt: l.LastClickedAt,
	}
}

// OwnerRef converts an owner string into the nullable column value
func OwnerRef(owner string) *string {
	if owner == "" {
		return nil
	}
	return &owner
}
