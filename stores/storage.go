package stores

import (
	"os"

	"drawsync/core"
	"drawsync/stores/aws"
	"drawsync/stores/filesystem"
	"drawsync/stores/memory"
	"drawsync/stores/sqlite"

	"github.com/sirupsen/logrus"
)

// Store is everything the relay persists: room documents, room activity and
// uploaded assets.
type Store interface {
	core.DocumentStore
	core.RoomRegistry
	core.AssetStore
}

var (
	_ Store = (*memory.Store)(nil)
	_ Store = (*filesystem.Store)(nil)
	_ Store = (*sqlite.Store)(nil)
	_ Store = (*aws.Store)(nil)
)

func GetStore() Store {
	storageType := os.Getenv("STORAGE_TYPE")
	var store Store

	storageField := logrus.Fields{
		"storageType": storageType,
	}

	switch storageType {
	case "filesystem":
		basePath := os.Getenv("LOCAL_STORAGE_PATH")
		if basePath == "" {
			basePath = "./data"
		}
		storageField["basePath"] = basePath
		store = filesystem.NewStore(basePath)
	case "sqlite":
		dataSourceName := os.Getenv("DATA_SOURCE_NAME")
		if dataSourceName == "" {
			dataSourceName = "drawsync.db"
		}
		storageField["dataSourceName"] = dataSourceName
		store = sqlite.NewStore(dataSourceName)
	case "s3":
		bucketName := os.Getenv("S3_BUCKET_NAME")
		if bucketName == "" {
			logrus.Fatal("S3_BUCKET_NAME environment variable must be set for s3 storage type")
		}
		storageField["bucketName"] = bucketName
		store = aws.NewStore(bucketName)
	default:
		store = memory.NewStore()
		storageField["storageType"] = "in-memory"
	}
	logrus.WithFields(storageField).Info("Use storage")
	return store
}
