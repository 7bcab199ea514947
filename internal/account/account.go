// Package account provides registry reads and usage recording for pooled
// Discord accounts.
package account

import (
	"fmt"
	"log"
	"time"

	"github.com/waule/mjgateway/internal/models"
	"gorm.io/gorm"
)

// Active returns all accounts the pool should connect, oldest first.
func Active(db *gorm.DB) ([]models.Account, error) {
	var accounts []models.Account
	if err := db.Where("active = ?", true).Order("id ASC").Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("account: list active: %w", err)
	}
	return accounts, nil
}

// Get returns a single account by id.
func Get(db *gorm.DB, id int64) (*models.Account, error) {
	var acct models.Account
	if err := db.First(&acct, id).Error; err != nil {
		return nil, fmt.Errorf("account: get %d: %w", id, err)
	}
	return &acct, nil
}

// Create registers a new account.
func Create(db *gorm.DB, acct *models.Account) error {
	if acct.UserToken == "" {
		return fmt.Errorf("account: user token is required")
	}
	if acct.GuildID == "" || acct.ChannelID == "" {
		return fmt.Errorf("account: guild and channel ids are required")
	}
	if err := db.Create(acct).Error; err != nil {
		return fmt.Errorf("account: create: %w", err)
	}
	return nil
}

// SetActive enables or disables an account.
func SetActive(db *gorm.DB, id int64, active bool) error {
	result := db.Model(&models.Account{}).Where("id = ?", id).Update("active", active)
	if result.Error != nil {
		return fmt.Errorf("account: set active %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("account: not found: %d", id)
	}
	return nil
}

// RecordUsage bumps the request counter after a command, and the error
// counter plus last_error on failure. A single UPDATE keeps counters correct
// under concurrent connections.
func RecordUsage(db *gorm.DB, id int64, ok bool, errMsg string) error {
	updates := map[string]interface{}{
		"request_count": gorm.Expr("request_count + 1"),
		"last_used_at":  time.Now(),
	}
	if !ok {
		updates["error_count"] = gorm.Expr("error_count + 1")
		updates["last_error"] = errMsg
	}
	result := db.Model(&models.Account{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("account: record usage %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("account: not found: %d", id)
	}
	return nil
}

// Recorder adapts RecordUsage to the gateway's usage hook.
type Recorder struct {
	DB *gorm.DB
}

// Record implements the gateway's usage hook. Bookkeeping failures are
// logged and swallowed; they never block command submission.
func (r Recorder) Record(accountID int64, ok bool, errMsg string) {
	if err := RecordUsage(r.DB, accountID, ok, errMsg); err != nil {
		log.Printf("account: %v", err)
	}
}
