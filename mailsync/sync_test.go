package mailsync

import (
	"errors"
	"fmt"
	"testing"

	"github.com/emersion/go-imap/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Daniel991949/cleaning-crm/config"
	"github.com/Daniel991949/cleaning-crm/model"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	// :memory: は接続ごとに別DBになるため
	sqlDB.SetMaxOpenConns(1)

	if err := model.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestSyncer(t *testing.T) (*Syncer, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	conf := &config.Config{
		Sync: config.Sync{
			FetchLimit:    50,
			BackfillDays:  30,
			SubjectFilter: "クリーニング見積もり",
		},
	}
	return New(db, conf, nil), db
}

type fakeFetcher struct {
	msgs    map[imap.UID]string
	failing map[imap.UID]bool
	order   []imap.UID
}

func (f *fakeFetcher) FetchRaw(uid imap.UID) ([]byte, error) {
	f.order = append(f.order, uid)
	if f.failing[uid] {
		return nil, errors.New("fetch refused")
	}
	raw, ok := f.msgs[uid]
	if !ok {
		return nil, fmt.Errorf("uid %d not found", uid)
	}
	return []byte(raw), nil
}

func rawMessage(messageID, from, subject, body string) string {
	return "Message-ID: <" + messageID + ">\r\n" +
		"From: " + from + "\r\n" +
		"To: shop@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Mon, 02 Jun 2025 10:04:05 +0900\r\n" +
		"Content-Type: text/plain; charset=\"utf-8\"\r\n" +
		"\r\n" +
		body + "\r\n"
}

func countRecords(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&model.MailRecord{}).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestSaveUIDsIdempotent(t *testing.T) {
	sy, db := newTestSyncer(t)
	f := &fakeFetcher{msgs: map[imap.UID]string{
		1: rawMessage("a@mail", "taro@example.com", "クリーニング見積もりのご依頼", "お名前: 田中"),
		2: rawMessage("b@mail", "jiro@example.com", "クリーニング見積もりのご依頼", "お名前: 山本"),
	}}

	if saved := sy.saveUIDs(f, 100, []imap.UID{1, 2}); saved != 2 {
		t.Fatalf("first run saved = %d; want 2", saved)
	}
	if saved := sy.saveUIDs(f, 100, []imap.UID{1, 2}); saved != 0 {
		t.Fatalf("second run saved = %d; want 0", saved)
	}
	if n := countRecords(t, db); n != 2 {
		t.Fatalf("records = %d; want 2", n)
	}
}

func TestDedupByMessageIDAcrossGenerations(t *testing.T) {
	sy, db := newTestSyncer(t)
	raw := rawMessage("same@mail", "taro@example.com", "クリーニング見積もりのご依頼", "お名前: 田中")

	f1 := &fakeFetcher{msgs: map[imap.UID]string{5: raw}}
	if saved := sy.saveUIDs(f1, 1, []imap.UID{5}); saved != 1 {
		t.Fatalf("first generation saved = %d; want 1", saved)
	}

	// UIDVALIDITYが変わりUIDが振り直されても Message-ID で弾かれる
	f2 := &fakeFetcher{msgs: map[imap.UID]string{9: raw}}
	if saved := sy.saveUIDs(f2, 2, []imap.UID{9}); saved != 0 {
		t.Fatalf("second generation saved = %d; want 0", saved)
	}
	if n := countRecords(t, db); n != 1 {
		t.Fatalf("records = %d; want 1", n)
	}
}

func TestSubjectFilterSkipsUnrelatedMail(t *testing.T) {
	sy, db := newTestSyncer(t)
	f := &fakeFetcher{msgs: map[imap.UID]string{
		1: rawMessage("a@mail", "taro@example.com", "本日の営業時間について", "お名前: 田中"),
	}}

	if saved := sy.saveUIDs(f, 100, []imap.UID{1}); saved != 0 {
		t.Fatalf("saved = %d; want 0", saved)
	}
	if n := countRecords(t, db); n != 0 {
		t.Fatalf("records = %d; want 0", n)
	}
}

func TestFetchFailureIsIsolatedPerMessage(t *testing.T) {
	sy, db := newTestSyncer(t)
	f := &fakeFetcher{
		msgs:    map[imap.UID]string{},
		failing: map[imap.UID]bool{3: true},
	}
	for _, uid := range []imap.UID{1, 2, 4, 5} {
		f.msgs[uid] = rawMessage(fmt.Sprintf("m%d@mail", uid), "taro@example.com",
			"クリーニング見積もりのご依頼", "お名前: 田中")
	}

	if saved := sy.saveUIDs(f, 100, []imap.UID{1, 2, 3, 4, 5}); saved != 4 {
		t.Fatalf("saved = %d; want 4", saved)
	}
	if n := countRecords(t, db); n != 4 {
		t.Fatalf("records = %d; want 4", n)
	}
}

func TestSaveUIDsProcessesInSuppliedOrder(t *testing.T) {
	sy, _ := newTestSyncer(t)
	f := &fakeFetcher{msgs: map[imap.UID]string{
		10: rawMessage("x@mail", "a@example.com", "クリーニング見積もり", "1"),
		11: rawMessage("y@mail", "b@example.com", "クリーニング見積もり", "2"),
		12: rawMessage("z@mail", "c@example.com", "クリーニング見積もり", "3"),
	}}

	sy.saveUIDs(f, 100, []imap.UID{10, 11, 12})

	want := []imap.UID{10, 11, 12}
	if len(f.order) != len(want) {
		t.Fatalf("fetch order = %v; want %v", f.order, want)
	}
	for i := range want {
		if f.order[i] != want[i] {
			t.Fatalf("fetch order = %v; want %v", f.order, want)
		}
	}
}

func TestLatestWindow(t *testing.T) {
	uids := []imap.UID{10, 11, 12}

	got := latestWindow(uids, 2)
	if len(got) != 2 || got[0] != 11 || got[1] != 12 {
		t.Errorf("latestWindow(%v, 2) = %v; want [11 12]", uids, got)
	}
	if got := latestWindow(uids, 0); len(got) != 3 {
		t.Errorf("latestWindow(%v, 0) = %v; want all", uids, got)
	}
	if got := latestWindow(uids, 10); len(got) != 3 {
		t.Errorf("latestWindow(%v, 10) = %v; want all", uids, got)
	}
}

func TestSavedRecordFields(t *testing.T) {
	sy, db := newTestSyncer(t)
	f := &fakeFetcher{msgs: map[imap.UID]string{
		7: rawMessage("field@mail", "\"Taro Yamada\" <taro@example.com>",
			"クリーニング見積もりのご依頼", "● お名前: 田中太郎\nよろしくお願いします。"),
	}}

	if saved := sy.saveUIDs(f, 42, []imap.UID{7}); saved != 1 {
		t.Fatalf("saved = %d; want 1", saved)
	}

	var record model.MailRecord
	if err := db.Where("message_id = ?", "<field@mail>").First(&record).Error; err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if record.UIDValidity != 42 || record.UID != 7 {
		t.Errorf("key = (%d, %d); want (42, 7)", record.UIDValidity, record.UID)
	}
	if record.CustomerName != "田中太郎" {
		t.Errorf("customer name = %q; want 田中太郎", record.CustomerName)
	}
	if record.Status != model.StatusNew {
		t.Errorf("status = %q; want %q", record.Status, model.StatusNew)
	}
	if record.Archived {
		t.Errorf("archived = true; want false")
	}
	if record.Date == nil {
		t.Errorf("date = nil; want parsed value")
	}
}

func TestUnparsableDateLeavesNull(t *testing.T) {
	sy, db := newTestSyncer(t)
	raw := "Message-ID: <nodate@mail>\r\n" +
		"From: taro@example.com\r\n" +
		"Subject: クリーニング見積もりのご依頼\r\n" +
		"Date: not a date\r\n" +
		"\r\n" +
		"お名前: 田中\r\n"
	f := &fakeFetcher{msgs: map[imap.UID]string{1: raw}}

	if saved := sy.saveUIDs(f, 100, []imap.UID{1}); saved != 1 {
		t.Fatalf("saved = %d; want 1", saved)
	}

	var record model.MailRecord
	if err := db.Where("message_id = ?", "<nodate@mail>").First(&record).Error; err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if record.Date != nil {
		t.Errorf("date = %v; want nil", record.Date)
	}
}

func TestMissingCredentialsIsSoftSkip(t *testing.T) {
	db := newTestDB(t)
	conf := &config.Config{
		Sync: config.Sync{FetchLimit: 50, BackfillDays: 30, SubjectFilter: "クリーニング見積もり"},
	}
	sy := New(db, conf, nil)

	if saved, err := sy.FetchLatest(10); err != nil || saved != 0 {
		t.Errorf("FetchLatest = (%d, %v); want (0, nil)", saved, err)
	}
	if saved, err := sy.FetchPastMonth(); err != nil || saved != 0 {
		t.Errorf("FetchPastMonth = (%d, %v); want (0, nil)", saved, err)
	}
}
