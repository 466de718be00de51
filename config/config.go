package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	// image naming
	BaseTag          string // prefix for all generated image tags
	BaseBuilderImage string // registry path of the pinnable base-builder image

	// repository layout
	BenchmarksDir string
	FuzzersDir    string
	OSSFuzzDir    string // local checkout of the upstream oss-fuzz repository

	// experiment storage (measurer)
	Experiment          string
	WorkDir             string
	CoverageBinariesDir string
	SnapshotPeriod      time.Duration
	MaxTotalTime        time.Duration

	// external services (measurer)
	DatabaseURL        string
	RabbitMQURL        string
	RedisURL           string
	RedisSentinelHosts string
	RedisMasterName    string

	LogLevel    string
	ServiceName string
}

func LoadConfig() *AppConfig {
	godotenv.Load()

	config := &AppConfig{
		BaseTag:          getEnv("BASE_TAG", "gcr.io/benchkit"),
		BaseBuilderImage: getEnv("BASE_BUILDER_IMAGE", "gcr.io/oss-fuzz-base/base-builder"),

		BenchmarksDir: getEnv("BENCHMARKS_DIR", "benchmarks"),
		FuzzersDir:    getEnv("FUZZERS_DIR", "fuzzers"),
		OSSFuzzDir:    getEnv("OSS_FUZZ_DIR", "third_party/oss-fuzz"),

		Experiment:          getEnv("EXPERIMENT", "local"),
		WorkDir:             getEnv("WORK_DIR", "/work"),
		CoverageBinariesDir: getEnv("COVERAGE_BINARIES_DIR", "/work/coverage-binaries"),
		SnapshotPeriod:      parseDuration(os.Getenv("SNAPSHOT_PERIOD"), 15*time.Minute),
		MaxTotalTime:        parseDuration(os.Getenv("MAX_TOTAL_TIME"), 23*time.Hour),

		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RabbitMQURL:        os.Getenv("RABBITMQ_URL"),
		RedisURL:           os.Getenv("OVERRIDE_REDIS_URL"), // optional, for local dev
		RedisSentinelHosts: os.Getenv("REDIS_SENTINEL_HOSTS"),
		RedisMasterName:    os.Getenv("REDIS_MASTER"),

		LogLevel:    getEnv("LOG_LEVEL", "info"),
		ServiceName: getEnv("SERVICE_NAME", "benchkit"),
	}

	return config
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func parseDuration(val string, defaultVal time.Duration) time.Duration {
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}
