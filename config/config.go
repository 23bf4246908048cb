package config

import (
	"github.com/letsconnect/flowkit/analytics"
)

type StorageType string

const STORAGE_TYPE_REDIS StorageType = "redis"
const STORAGE_TYPE_SQLITE StorageType = "sqlite"
const STORAGE_TYPE_INMEM StorageType = "memory"

type Config struct {
	RedisConfig     RedisStorageConfig
	SqliteConfig    SqliteStorageConfig
	HttpPort        int
	StorageType     StorageType
	BusCapacity     int
	FrontendURL     string
	AnalyticsConfig analytics.DataCollectorConfig
}

type RedisStorageConfig struct {
	Addrs     []string
	Namespace string
}

type SqliteStorageConfig struct {
	Path string
}
