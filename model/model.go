package model

import (
	"log"
	"time"

	"gorm.io/gorm"
)

// Migrate brings the schema up to date. It is idempotent and runs once at
// process startup, never from request handlers.
func Migrate(db *gorm.DB) error {
	log.Printf("running schema migration")
	if err := db.AutoMigrate(
		&MailRecord{},
		&Photo{},
		&Note{},
	); err != nil {
		return err
	}
	log.Printf("schema migration done")
	return nil
}

type Model struct {
	ID        uint64          `gorm:"primaryKey;autoIncrement:true" json:"id"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt *gorm.DeletedAt `gorm:"autoDeleteTime" json:"-"`
}
