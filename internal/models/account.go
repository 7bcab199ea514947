// Package models defines the GORM persistence models.
package models

import (
	"strconv"
	"time"
)

// Account is a Discord identity the pool can open a gateway session for.
// Accounts are operator-managed through the CLI; the core only reads active
// accounts at pool initialization and records usage after each command.
type Account struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	Name         string `gorm:"size:64"`
	UserToken    string `gorm:"size:128;not null"`
	GuildID      string `gorm:"size:32;not null"`
	ChannelID    string `gorm:"size:32;not null;index"`
	Active       bool   `gorm:"default:true;index"`
	RequestCount int64  `gorm:"default:0"`
	ErrorCount   int64  `gorm:"default:0"`
	LastError    string `gorm:"type:text"`
	LastUsedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DisplayName returns the operator-facing name, falling back to the ID.
func (a Account) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return "account-" + strconv.FormatInt(a.ID, 10)
}
