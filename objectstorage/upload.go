package objectstorage

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
	"github.com/valyala/gozstd"

	"github.com/Daniel991949/cleaning-crm/config"
)

// NewClient builds an S3 client from the configuration, or nil when no
// endpoint is configured (object storage is optional).
func NewClient(conf config.ObjectStorage) (*s3.S3, error) {
	if conf.Endpoint == "" {
		return nil, nil
	}

	s3session, err := session.NewSession(&aws.Config{
		Region:   aws.String(conf.Region),
		Endpoint: aws.String(conf.Endpoint),
		Credentials: credentials.NewChainCredentials([]credentials.Provider{
			&credentials.StaticProvider{
				Value: credentials.Value{
					AccessKeyID:     conf.AccessKey,
					SecretAccessKey: conf.SecretKey,
				},
			},
		}),
	})
	if err != nil {
		return nil, err
	}
	return s3.New(s3session), nil
}

// ArchiveMessage uploads a raw mail, zstd-compressed, under a mail/ key and
// returns the key.
func ArchiveMessage(s3Client *s3.S3, bucket string, raw []byte) (string, error) {
	key := "mail/" + GenerateObjectKey() + ".eml.zstd"

	// zstd圧縮してアップロードする
	var buf bytes.Buffer
	zw := gozstd.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}

	_, err := s3Client.PutObject(&s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/zstd"),
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// UploadPhoto stores an uploaded photo under a photos/ key, keeping the
// original extension, and returns the key.
func UploadPhoto(s3Client *s3.S3, bucket, filename string, reader io.Reader) (string, error) {
	key := "photos/" + GenerateObjectKey() + path.Ext(filename)

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return "", err
	}

	_, err := s3Client.PutObject(&s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// 現在の時刻でオブジェクトのキーを生成する
// YYYY/MM/DD/HH/mm/ss/UUID
func GenerateObjectKey() string {
	now := time.Now()
	return fmt.Sprintf("%04d/%02d/%02d/%02d/%02d/%02d/%s",
		now.Year(), now.Month(), now.Day(),
		now.Hour(), now.Minute(), now.Second(),
		uuid.New().String())
}
