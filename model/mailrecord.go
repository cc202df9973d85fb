package model

import (
	"time"
)

// MailRecord is one ingested service-request mail. The pair
// (UIDValidity, UID) identifies the message on the IMAP server, but UIDs are
// only stable within a UIDVALIDITY epoch, so deduplication is keyed on the
// MessageID header instead. The sync engine only ever inserts rows; Status
// and Archived are owned by the HTTP layer afterwards.
type MailRecord struct {
	UIDValidity      uint32     `gorm:"primaryKey;autoIncrement:false" json:"uidvalidity"`
	UID              uint32     `gorm:"primaryKey;autoIncrement:false" json:"uid"`
	MessageID        string     `gorm:"type:varchar(512);not null;uniqueIndex" json:"message_id"`
	Subject          string     `gorm:"type:text" json:"subject"`
	CustomerName     string     `gorm:"type:text" json:"customer_name"`
	FromAddr         string     `gorm:"type:text" json:"from_addr"`
	ToAddr           string     `gorm:"type:text" json:"to_addr"`
	Date             *time.Time `json:"date"`
	Body             string     `gorm:"type:mediumtext" json:"body"`
	RawContent       string     `gorm:"type:mediumtext" json:"raw_content"`
	ObjectStorageKey string     `gorm:"type:varchar(512)" json:"object_storage_key"`
	Status           string     `gorm:"type:varchar(20);not null" json:"status"`
	Archived         bool       `gorm:"not null" json:"archived"`
	FetchedAt        time.Time  `gorm:"autoCreateTime" json:"fetched_at"`
}

// Photo is a customer photo attached through the UI, stored in object
// storage and linked to a record by (UIDValidity, UID).
type Photo struct {
	Model
	UIDValidity      uint32 `gorm:"not null;index:idx_photo_record" json:"uidvalidity"`
	UID              uint32 `gorm:"not null;index:idx_photo_record" json:"uid"`
	Filename         string `gorm:"type:varchar(255);not null" json:"filename"`
	ObjectStorageKey string `gorm:"type:varchar(512);not null" json:"object_storage_key"`
}

// Note is free-form staff memo text on a record. Notes are page-numbered so
// the UI can keep several per record; saving the same page overwrites it.
type Note struct {
	Model
	UIDValidity uint32 `gorm:"not null;uniqueIndex:idx_note_page" json:"uidvalidity"`
	UID         uint32 `gorm:"not null;uniqueIndex:idx_note_page" json:"uid"`
	Page        int    `gorm:"not null;uniqueIndex:idx_note_page" json:"page"`
	Content     string `gorm:"type:text" json:"content"`
}

const (
	// StatusNew is set on every record created by the sync engine.
	StatusNew = "新規"
	// StatusManual is set on records registered by hand through the UI.
	StatusManual = "手動入力"
)
