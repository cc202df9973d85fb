package config

import (
	"errors"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type IMAP struct {
	Host     string `yaml:"Host"`
	Port     int    `yaml:"Port"`
	Username string `yaml:"Username"`
	Password string `yaml:"Password"`
	Mailbox  string `yaml:"Mailbox"`
}

type Sync struct {
	IntervalMinutes int    `yaml:"IntervalMinutes"`
	FetchLimit      int    `yaml:"FetchLimit"`
	BackfillDays    int    `yaml:"BackfillDays"`
	SubjectFilter   string `yaml:"SubjectFilter"`
}

type ObjectStorage struct {
	Endpoint  string `yaml:"Endpoint"`
	AccessKey string `yaml:"AccessKey"`
	SecretKey string `yaml:"SecretKey"`
	Bucket    string `yaml:"Bucket"`
	Region    string `yaml:"Region"`
}

type Config struct {
	Database      string        `yaml:"Database"`
	Listen        string        `yaml:"Listen"`
	LogFile       string        `yaml:"LogFile"`
	IMAP          IMAP          `yaml:"IMAP"`
	Sync          Sync          `yaml:"Sync"`
	ObjectStorage ObjectStorage `yaml:"ObjectStorage"`
}

// Load reads the YAML configuration, then applies environment variable
// overrides and defaults. A missing file is not an error because the
// credentials are usually supplied through the environment alone.
func Load(path string) (*Config, error) {
	var conf Config

	buf, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(buf, &conf); err != nil {
			return nil, err
		}
	}

	conf.applyEnv()
	conf.applyDefaults()

	return &conf, nil
}

func (c *Config) applyEnv() {
	setString(&c.IMAP.Host, "IMAP_HOST")
	setInt(&c.IMAP.Port, "IMAP_PORT")
	setString(&c.IMAP.Username, "IMAP_USER")
	setString(&c.IMAP.Password, "IMAP_PASSWORD")
	setString(&c.IMAP.Mailbox, "IMAP_MAILBOX")
	setString(&c.Database, "DATABASE_URL")
	setInt(&c.Sync.IntervalMinutes, "SYNC_INTERVAL_MINUTES")
	setInt(&c.Sync.FetchLimit, "SYNC_FETCH_LIMIT")
}

func (c *Config) applyDefaults() {
	if c.IMAP.Host == "" {
		c.IMAP.Host = "imap.gmail.com"
	}
	if c.IMAP.Port == 0 {
		c.IMAP.Port = 993
	}
	if c.IMAP.Mailbox == "" {
		c.IMAP.Mailbox = "INBOX"
	}
	if c.Sync.IntervalMinutes == 0 {
		c.Sync.IntervalMinutes = 15
	}
	if c.Sync.FetchLimit == 0 {
		c.Sync.FetchLimit = 50
	}
	if c.Sync.BackfillDays == 0 {
		c.Sync.BackfillDays = 30
	}
	if c.Sync.SubjectFilter == "" {
		c.Sync.SubjectFilter = "クリーニング見積もり"
	}
	if c.Listen == "" {
		c.Listen = ":8080"
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
