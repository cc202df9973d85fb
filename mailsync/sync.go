package mailsync

import (
	"bytes"
	"errors"
	"log"
	"net/mail"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/emersion/go-imap/v2"
	"gorm.io/gorm"

	"github.com/Daniel991949/cleaning-crm/config"
	"github.com/Daniel991949/cleaning-crm/mailparser"
	"github.com/Daniel991949/cleaning-crm/model"
	"github.com/Daniel991949/cleaning-crm/objectstorage"
)

// Fetcher retrieves raw message content by UID. Session implements it; tests
// substitute fakes.
type Fetcher interface {
	FetchRaw(uid imap.UID) ([]byte, error)
}

// Syncer ingests mail from the configured mailbox into the database.
// Persistence is idempotent per message, so concurrent runs are safe even
// though no lock is taken across trigger sources.
type Syncer struct {
	db       *gorm.DB
	conf     *config.Config
	s3Client *s3.S3 // nil disables the raw message archive
}

func New(db *gorm.DB, conf *config.Config, s3Client *s3.S3) *Syncer {
	return &Syncer{
		db:       db,
		conf:     conf,
		s3Client: s3Client,
	}
}

// FetchPastMonth ingests everything received in the backfill window, oldest
// first. Run once at startup.
func (sy *Syncer) FetchPastMonth() (int, error) {
	sess, uidValidity, err := sy.connect()
	if err != nil {
		return 0, sy.softSkip(err)
	}
	defer sess.Logout()

	since := time.Now().UTC().AddDate(0, 0, -sy.conf.Sync.BackfillDays)
	log.Printf("backfill sync since %s", since.Format("2006-01-02"))

	uids, err := sess.SearchSince(since)
	if err != nil {
		return 0, err
	}

	return sy.saveUIDs(sess, uidValidity, uids), nil
}

// FetchLatest ingests the most recent messages of the mailbox, at most
// limit, ascending within the window. limit <= 0 falls back to the
// configured default.
func (sy *Syncer) FetchLatest(limit int) (int, error) {
	if limit <= 0 {
		limit = sy.conf.Sync.FetchLimit
	}

	sess, uidValidity, err := sy.connect()
	if err != nil {
		return 0, sy.softSkip(err)
	}
	defer sess.Logout()

	log.Printf("incremental sync, limit=%d", limit)

	uids, err := sess.SearchAll()
	if err != nil {
		return 0, err
	}

	return sy.saveUIDs(sess, uidValidity, latestWindow(uids, limit)), nil
}

func (sy *Syncer) connect() (*Session, uint32, error) {
	sess, err := Connect(sy.conf.IMAP)
	if err != nil {
		return nil, 0, err
	}

	uidValidity, err := sess.Select(sy.conf.IMAP.Mailbox)
	if err != nil {
		sess.Logout()
		return nil, 0, err
	}
	return sess, uidValidity, nil
}

// softSkip downgrades missing credentials to a no-op so the host process can
// run without mail configured.
func (sy *Syncer) softSkip(err error) error {
	if errors.Is(err, ErrNoCredentials) {
		log.Printf("imap credentials not configured, skipping mail sync")
		return nil
	}
	return err
}

// latestWindow keeps the last limit UIDs, preserving ascending order.
func latestWindow(uids []imap.UID, limit int) []imap.UID {
	if limit > 0 && len(uids) > limit {
		uids = uids[len(uids)-limit:]
	}
	return uids
}

// saveUIDs runs the per-message pipeline over the given UIDs in order. Every
// failure mode is message-level: fetch errors, parse errors and constraint
// violations are logged and the loop moves on. Returns the number of newly
// saved records.
func (sy *Syncer) saveUIDs(f Fetcher, uidValidity uint32, uids []imap.UID) int {
	saved := 0
	for _, uid := range uids {
		raw, err := f.FetchRaw(uid)
		if err != nil {
			log.Printf("uidvalidity=%d uid=%d fetch failed: %v", uidValidity, uid, err)
			continue
		}

		msg, err := mail.ReadMessage(bytes.NewReader(raw))
		if err != nil {
			log.Printf("uidvalidity=%d uid=%d parse failed: %v", uidValidity, uid, err)
			continue
		}

		subject := mailparser.DecodeHeaderOrRaw(msg.Header.Get("Subject"))
		if !strings.Contains(subject, sy.conf.Sync.SubjectFilter) {
			continue
		}

		messageID := msg.Header.Get("Message-Id")
		var existing model.MailRecord
		err = sy.db.Where("message_id = ?", messageID).First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("uidvalidity=%d uid=%d dedup lookup failed: %v", uidValidity, uid, err)
			continue
		}

		body := mailparser.ExtractBody(msg)
		fromAddr := mailparser.DecodeHeaderOrRaw(msg.Header.Get("From"))
		toAddr := mailparser.DecodeHeaderOrRaw(msg.Header.Get("To"))
		customerName := mailparser.GuessCustomerName(fromAddr, body)

		// 日付のパース失敗はNULLのまま保存する
		var date *time.Time
		if t, err := msg.Header.Date(); err == nil {
			date = &t
		}

		objKey := sy.archiveRaw(uidValidity, uid, raw)

		record := model.MailRecord{
			UIDValidity:      uidValidity,
			UID:              uint32(uid),
			MessageID:        messageID,
			Subject:          subject,
			CustomerName:     customerName,
			FromAddr:         fromAddr,
			ToAddr:           toAddr,
			Date:             date,
			Body:             body,
			RawContent:       strings.ToValidUTF8(string(raw), ""),
			ObjectStorageKey: objKey,
			Status:           model.StatusNew,
			Archived:         false,
		}

		// メッセージ単位のトランザクション
		tx := sy.db.Begin()
		if err := tx.Create(&record).Error; err != nil {
			tx.Rollback()
			log.Printf("uidvalidity=%d uid=%d save failed: %v", uidValidity, uid, err)
			continue
		}
		if err := tx.Commit().Error; err != nil {
			log.Printf("uidvalidity=%d uid=%d commit failed: %v", uidValidity, uid, err)
			continue
		}
		saved++
	}

	log.Printf("mail sync finished, uidvalidity=%d fetched=%d saved=%d", uidValidity, len(uids), saved)
	return saved
}

// archiveRaw uploads the raw message to object storage when configured.
// Best effort: a failed upload does not block ingestion.
func (sy *Syncer) archiveRaw(uidValidity uint32, uid imap.UID, raw []byte) string {
	if sy.s3Client == nil {
		return ""
	}
	key, err := objectstorage.ArchiveMessage(sy.s3Client, sy.conf.ObjectStorage.Bucket, raw)
	if err != nil {
		log.Printf("uidvalidity=%d uid=%d archive upload failed: %v", uidValidity, uid, err)
		return ""
	}
	return key
}
