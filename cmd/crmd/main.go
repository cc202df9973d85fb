package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"io"
	"log"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/Daniel991949/cleaning-crm/config"
	"github.com/Daniel991949/cleaning-crm/mailsync"
	"github.com/Daniel991949/cleaning-crm/model"
	"github.com/Daniel991949/cleaning-crm/objectstorage"
)

var (
	conf     *config.Config
	db       *gorm.DB
	s3Client *s3.S3
	sched    *mailsync.Scheduler
	version  = "dev"
)

func recordParams(c echo.Context) (uint32, uint32, error) {
	uidValidity, err := strconv.ParseUint(c.Param("uidvalidity"), 10, 32)
	if err != nil {
		return 0, 0, err
	}
	uid, err := strconv.ParseUint(c.Param("uid"), 10, 32)
	if err != nil {
		return 0, 0, err
	}
	return uint32(uidValidity), uint32(uid), nil
}

func findRecord(c echo.Context) (*model.MailRecord, error) {
	uidValidity, uid, err := recordParams(c)
	if err != nil {
		return nil, c.JSON(400, map[string]string{"error": "invalid record key"})
	}

	var record model.MailRecord
	if err := db.Where("uid_validity = ? AND uid = ?", uidValidity, uid).First(&record).Error; err != nil {
		return nil, c.JSON(404, map[string]string{"error": "record not found"})
	}
	return &record, nil
}

func getList(c echo.Context) error {
	query := db.Order("date DESC")
	if v := c.QueryParam("archived"); v != "" {
		archived, err := strconv.ParseBool(v)
		if err != nil {
			return c.JSON(400, map[string]string{"error": "invalid archived filter"})
		}
		query = query.Where("archived = ?", archived)
	}

	var records []model.MailRecord
	if err := query.Find(&records).Error; err != nil {
		return c.JSON(500, map[string]string{"error": "failed to fetch records"})
	}
	return c.JSON(200, records)
}

type RecordDetail struct {
	model.MailRecord
	Photos []model.Photo `json:"photos"`
	Notes  []model.Note  `json:"notes"`
}

func getRecord(c echo.Context) error {
	record, err := findRecord(c)
	if record == nil {
		return err
	}

	var photos []model.Photo
	if err := db.Where("uid_validity = ? AND uid = ?", record.UIDValidity, record.UID).Find(&photos).Error; err != nil {
		return c.JSON(500, map[string]string{"error": "failed to fetch photos"})
	}

	var notes []model.Note
	if err := db.Where("uid_validity = ? AND uid = ?", record.UIDValidity, record.UID).Order("page").Find(&notes).Error; err != nil {
		return c.JSON(500, map[string]string{"error": "failed to fetch notes"})
	}

	return c.JSON(200, RecordDetail{
		MailRecord: *record,
		Photos:     photos,
		Notes:      notes,
	})
}

func getRawMessage(c echo.Context) error {
	record, err := findRecord(c)
	if record == nil {
		return err
	}

	if record.ObjectStorageKey == "" || s3Client == nil {
		return c.Blob(200, "message/rfc822", []byte(record.RawContent))
	}

	body, err := objectstorage.Download(s3Client, conf.ObjectStorage.Bucket, record.ObjectStorageKey)
	if err != nil {
		c.Logger().Error("failed to download raw message:", err)
		return c.JSON(500, map[string]string{"error": "failed to download raw message"})
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return c.JSON(500, map[string]string{"error": "failed to read raw message"})
	}
	return c.Blob(200, "message/rfc822", raw)
}

// createRecord registers a customer by hand, without a source mail.
// Manual records live in epoch 0 so they can never collide with IMAP UIDs.
// The UID within the epoch comes from the random uuid, so simultaneous
// registrations get distinct keys; a collision just retries with a new uuid.
func createRecord(c echo.Context) error {
	name := c.FormValue("name")
	if name == "" {
		return c.JSON(400, map[string]string{"error": "name is required"})
	}

	now := time.Now().UTC()
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		id := uuid.New()
		record := model.MailRecord{
			UIDValidity:  0,
			UID:          binary.BigEndian.Uint32(id[:4]),
			MessageID:    "manual-" + id.String(),
			Subject:      "手動登録",
			CustomerName: name,
			Body:         c.FormValue("memo"),
			Date:         &now,
			Status:       model.StatusManual,
			Archived:     false,
		}
		if lastErr = db.Create(&record).Error; lastErr == nil {
			return c.JSON(200, record)
		}
	}
	c.Logger().Error("failed to create record:", lastErr)
	return c.JSON(500, map[string]string{"error": "failed to create record"})
}

func updateStatus(c echo.Context) error {
	record, err := findRecord(c)
	if record == nil {
		return err
	}

	status := c.FormValue("status")
	if status == "" {
		return c.JSON(400, map[string]string{"error": "status is required"})
	}

	if err := db.Model(record).Update("status", status).Error; err != nil {
		return c.JSON(500, map[string]string{"error": "failed to update status"})
	}
	return c.NoContent(204)
}

func toggleArchive(c echo.Context) error {
	record, err := findRecord(c)
	if record == nil {
		return err
	}

	if err := db.Model(record).Update("archived", !record.Archived).Error; err != nil {
		return c.JSON(500, map[string]string{"error": "failed to update archived"})
	}
	return c.JSON(200, map[string]bool{"archived": !record.Archived})
}

// saveNote writes the memo text for one page of a record, creating the page
// on first save and overwriting it afterwards.
func saveNote(c echo.Context) error {
	record, err := findRecord(c)
	if record == nil {
		return err
	}

	page := 1
	if v := c.FormValue("page"); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil || n < 1 {
			return c.JSON(400, map[string]string{"error": "invalid page"})
		}
		page = n
	}

	var note model.Note
	err = db.Where("uid_validity = ? AND uid = ? AND page = ?",
		record.UIDValidity, record.UID, page).First(&note).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return c.JSON(500, map[string]string{"error": "failed to fetch note"})
		}
		note = model.Note{
			UIDValidity: record.UIDValidity,
			UID:         record.UID,
			Page:        page,
		}
	}
	note.Content = c.FormValue("content")

	if err := db.Save(&note).Error; err != nil {
		return c.JSON(500, map[string]string{"error": "failed to save note"})
	}
	return c.JSON(200, note)
}

func uploadPhoto(c echo.Context) error {
	record, err := findRecord(c)
	if record == nil {
		return err
	}

	if s3Client == nil {
		return c.JSON(503, map[string]string{"error": "object storage not configured"})
	}

	file, err := c.FormFile("photo")
	if err != nil {
		return c.JSON(400, map[string]string{"error": "photo is required"})
	}
	src, err := file.Open()
	if err != nil {
		return c.JSON(400, map[string]string{"error": "failed to read photo"})
	}
	defer src.Close()

	key, err := objectstorage.UploadPhoto(s3Client, conf.ObjectStorage.Bucket, file.Filename, src)
	if err != nil {
		c.Logger().Error("photo upload failed:", err)
		return c.JSON(500, map[string]string{"error": "failed to upload photo"})
	}

	photo := model.Photo{
		UIDValidity:      record.UIDValidity,
		UID:              record.UID,
		Filename:         file.Filename,
		ObjectStorageKey: key,
	}
	if err := db.Create(&photo).Error; err != nil {
		return c.JSON(500, map[string]string{"error": "failed to save photo"})
	}
	return c.JSON(200, photo)
}

// getPhoto streams the photo bytes back out of object storage.
func getPhoto(c echo.Context) error {
	record, err := findRecord(c)
	if record == nil {
		return err
	}

	var photo model.Photo
	if err := db.Where("id = ? AND uid_validity = ? AND uid = ?", c.Param("id"), record.UIDValidity, record.UID).First(&photo).Error; err != nil {
		return c.JSON(404, map[string]string{"error": "photo not found"})
	}

	if s3Client == nil {
		return c.JSON(503, map[string]string{"error": "object storage not configured"})
	}

	body, err := objectstorage.Download(s3Client, conf.ObjectStorage.Bucket, photo.ObjectStorageKey)
	if err != nil {
		c.Logger().Error("failed to download photo:", err)
		return c.JSON(500, map[string]string{"error": "failed to download photo"})
	}
	defer body.Close()

	contentType := mime.TypeByExtension(filepath.Ext(photo.Filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return c.Stream(200, contentType, body)
}

func deletePhoto(c echo.Context) error {
	record, err := findRecord(c)
	if record == nil {
		return err
	}

	var photo model.Photo
	if err := db.Where("id = ? AND uid_validity = ? AND uid = ?", c.Param("id"), record.UIDValidity, record.UID).First(&photo).Error; err != nil {
		return c.JSON(404, map[string]string{"error": "photo not found"})
	}

	if s3Client != nil {
		if err := objectstorage.Delete(s3Client, conf.ObjectStorage.Bucket, photo.ObjectStorageKey); err != nil {
			c.Logger().Error("photo object delete failed:", err)
		}
	}
	if err := db.Delete(&photo).Error; err != nil {
		return c.JSON(500, map[string]string{"error": "failed to delete photo"})
	}
	return c.NoContent(204)
}

// syncNow triggers a sync run on the request goroutine. Safe next to the
// background timer because runs of the same kind serialize in the scheduler
// and persistence is idempotent per message.
func syncNow(c echo.Context) error {
	mode := c.FormValue("mode")
	if mode == "" {
		mode = "latest"
	}

	var saved int
	var err error
	switch mode {
	case "latest":
		limit := 10
		if v := c.FormValue("limit"); v != "" {
			if n, convErr := strconv.Atoi(v); convErr == nil && n > 0 {
				limit = n
			}
		}
		saved, err = sched.RunIncremental(limit)
	case "month":
		saved, err = sched.RunBackfill()
	default:
		return c.JSON(400, map[string]string{"error": "invalid mode"})
	}
	if err != nil {
		c.Logger().Error("manual sync failed:", err)
		return c.JSON(500, map[string]string{"error": err.Error()})
	}
	return c.JSON(200, map[string]int{"saved": saved})
}

func main() {
	var confPath string
	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.StringVar(&confPath, "conf", "./config.yaml", "Path to the configuration file")
	flag.Parse()

	if showVersion {
		log.Printf("Version: %s", version)
		return
	}

	var err error
	conf, err = config.Load(confPath)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	if conf.LogFile != "" {
		logFd, err := os.OpenFile(conf.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("Error opening log file: %v", err)
		}
		defer logFd.Close()
		log.SetOutput(logFd)
	}

	db, err = gorm.Open(mysql.Open(conf.Database), &gorm.Config{})
	if err != nil {
		log.Fatalf("Error connecting to database: %v", err)
	}
	if err := model.Migrate(db); err != nil {
		log.Fatalf("Error migrating database: %v", err)
	}

	s3Client, err = objectstorage.NewClient(conf.ObjectStorage)
	if err != nil {
		log.Fatalf("Error creating object storage client: %v", err)
	}

	syncer := mailsync.New(db, conf, s3Client)
	sched = mailsync.NewScheduler(syncer,
		time.Duration(conf.Sync.IntervalMinutes)*time.Minute,
		conf.Sync.FetchLimit)
	sched.Start()

	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAuthorization},
		AllowCredentials: true,
	}))

	// ルーティング
	e.GET("/api/records", getList)
	e.GET("/api/records/:uidvalidity/:uid", getRecord)
	e.GET("/api/records/:uidvalidity/:uid/raw", getRawMessage)
	e.POST("/api/records", createRecord)
	e.POST("/api/records/:uidvalidity/:uid/status", updateStatus)
	e.POST("/api/records/:uidvalidity/:uid/archive", toggleArchive)
	e.POST("/api/records/:uidvalidity/:uid/notes", saveNote)
	e.POST("/api/records/:uidvalidity/:uid/photos", uploadPhoto)
	e.GET("/api/records/:uidvalidity/:uid/photos/:id", getPhoto)
	e.DELETE("/api/records/:uidvalidity/:uid/photos/:id", deletePhoto)
	e.POST("/api/sync", syncNow)

	go func() {
		if err := e.Start(conf.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.Logger.Fatal(err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	sched.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		e.Logger.Fatal(err)
	}
}
