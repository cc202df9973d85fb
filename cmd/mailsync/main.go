package main

import (
	"flag"
	"log"

	"github.com/k0kubun/pp/v3"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/Daniel991949/cleaning-crm/config"
	"github.com/Daniel991949/cleaning-crm/mailsync"
	"github.com/Daniel991949/cleaning-crm/model"
	"github.com/Daniel991949/cleaning-crm/objectstorage"
)

var version = "dev"

func main() {
	var confPath string
	var mode string
	var limit int
	var debug bool
	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.StringVar(&confPath, "conf", "./config.yaml", "Path to the configuration file")
	flag.StringVar(&mode, "mode", "latest", "Sync mode: latest or month")
	flag.IntVar(&limit, "limit", 0, "Fetch limit for latest mode (0 uses the configured default)")
	flag.BoolVar(&debug, "debug", false, "Dump the effective configuration")
	flag.Parse()

	if showVersion {
		log.Printf("Version: %s", version)
		return
	}

	conf, err := config.Load(confPath)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	if debug {
		masked := *conf
		masked.IMAP.Password = "****"
		masked.ObjectStorage.SecretKey = "****"
		log.Println(pp.Sprintf("effective config: %v", masked))
	}

	db, err := gorm.Open(mysql.Open(conf.Database), &gorm.Config{})
	if err != nil {
		log.Fatalf("Error connecting to database: %v", err)
	}
	if err := model.Migrate(db); err != nil {
		log.Fatalf("Error migrating database: %v", err)
	}

	s3Client, err := objectstorage.NewClient(conf.ObjectStorage)
	if err != nil {
		log.Fatalf("Error creating object storage client: %v", err)
	}

	syncer := mailsync.New(db, conf, s3Client)

	var saved int
	switch mode {
	case "month":
		saved, err = syncer.FetchPastMonth()
	case "latest":
		saved, err = syncer.FetchLatest(limit)
	default:
		log.Fatalf("Unknown mode: %s", mode)
	}
	if err != nil {
		log.Fatalf("Sync failed: %v", err)
	}
	log.Printf("Sync done, %d new records", saved)
}
