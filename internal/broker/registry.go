package broker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var ErrAddressTaken = errors.New("address taken")

// Lease records which signaling session currently holds an address.
type Lease struct {
	Address     string `gorm:"primaryKey"`
	SessionID   string `gorm:"uniqueIndex"`
	RemoteAddr  string
	ConnectedAt int64
	LastSeen    int64
}

// Registry maps addresses to live sessions. At most one lease exists per
// address.
type Registry struct {
	db *gorm.DB
	// mu makes the check-then-insert in Claim atomic.
	mu sync.Mutex
}

// OpenRegistry opens the registry at dsn. ":memory:" keeps it for the
// lifetime of the process.
func OpenRegistry(dsn string) (*Registry, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt: true,
		Logger:      gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	// Every pooled connection to ":memory:" would get its own database.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Lease{}); err != nil {
		return nil, fmt.Errorf("migrate registry: %w", err)
	}

	// Leases never outlive the broker process that granted them.
	if err := db.Where("1 = 1").Delete(&Lease{}).Error; err != nil {
		return nil, fmt.Errorf("reset registry: %w", err)
	}

	return &Registry{db: db}, nil
}

func (r *Registry) Claim(address, sessionID, remoteAddr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var existing Lease
	res := r.db.Where("address = ?", address).Limit(1).Find(&existing)
	if res.Error != nil {
		return fmt.Errorf("lookup %s: %w", address, res.Error)
	}
	if res.RowsAffected > 0 {
		return fmt.Errorf("%w: %s", ErrAddressTaken, address)
	}

	now := time.Now().Unix()
	lease := Lease{
		Address:     address,
		SessionID:   sessionID,
		RemoteAddr:  remoteAddr,
		ConnectedAt: now,
		LastSeen:    now,
	}
	if err := r.db.Create(&lease).Error; err != nil {
		return fmt.Errorf("claim %s: %w", address, err)
	}
	return nil
}

// Release frees address if sessionID still holds it.
func (r *Registry) Release(address, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.db.Where("address = ? AND session_id = ?", address, sessionID).Delete(&Lease{}).Error
}

func (r *Registry) Touch(address, sessionID string) error {
	return r.db.Model(&Lease{}).
		Where("address = ? AND session_id = ?", address, sessionID).
		Update("last_seen", time.Now().Unix()).Error
}

func (r *Registry) Leases() ([]Lease, error) {
	var leases []Lease
	if err := r.db.Order("connected_at").Find(&leases).Error; err != nil {
		return nil, err
	}
	return leases, nil
}

func (r *Registry) Count() (int64, error) {
	var n int64
	err := r.db.Model(&Lease{}).Count(&n).Error
	return n, err
}

func (r *Registry) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
