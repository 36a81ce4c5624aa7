// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// DriverConfig holds configuration for the batch driver.
type DriverConfig struct {
	Port              string
	MetricsPort       string
	Store             string // "postgres" or "memory"
	DatabaseURL       string
	ShutdownDrainWait time.Duration // time to wait for load balancer to drain (0 to skip)

	// Scheduling
	BatchSize            int           // max candidate jobs read per pass
	BumpInterval         time.Duration // unconditional wake-up of both passes
	InstanceSyncInterval time.Duration

	// Worker RPC
	WorkerPort       int
	WorkerRPCTimeout time.Duration
	WorkerRPCRetries int
	BreakerThreshold int
	BreakerCooldown  time.Duration

	SecretsDir         string
	CallbackTimeout    time.Duration
	CallbackSigningKey string
}

// LoadDriverConfig loads driver configuration from environment variables.
func LoadDriverConfig() *DriverConfig {
	dbURL := GetEnv("DATABASE_URL", "")
	if dbURL == "" {
		dbURL = GetSecretFile(GetEnv("DATABASE_URL_FILE", ""))
	}
	return &DriverConfig{
		Port:              GetEnv("PORT", "5000"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		Store:             GetEnv("STORE", "postgres"),
		DatabaseURL:       dbURL,
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),

		BatchSize:            GetIntEnv("SCHEDULER_BATCH_SIZE", 50),
		BumpInterval:         GetDurationEnv("BUMP_INTERVAL", 60*time.Second),
		InstanceSyncInterval: GetDurationEnv("INSTANCE_SYNC_INTERVAL", 30*time.Second),

		WorkerPort:       GetIntEnv("WORKER_PORT", 5000),
		WorkerRPCTimeout: GetDurationEnv("WORKER_RPC_TIMEOUT", 60*time.Second),
		WorkerRPCRetries: GetIntEnv("WORKER_RPC_RETRIES", 10),
		BreakerThreshold: GetIntEnv("BREAKER_THRESHOLD", 5),
		BreakerCooldown:  GetDurationEnv("BREAKER_COOLDOWN", 30*time.Second),

		SecretsDir:         GetEnv("SECRETS_DIR", "/run/secrets"),
		CallbackTimeout:    GetDurationEnv("CALLBACK_TIMEOUT", 60*time.Second),
		CallbackSigningKey: GetSecretFile(GetEnv("CALLBACK_SIGNING_KEY_FILE", "")),
	}
}

// WorkerConfig holds configuration for a worker instance.
type WorkerConfig struct {
	Port                string
	InstanceName        string
	IPAddress           string
	CoresMcpu           int64
	DriverURL           string
	ReportRetries       int
	JobRetention        time.Duration // how long finished jobs stay queryable
	MaintenanceInterval time.Duration
	ShutdownDrainWait   time.Duration
}

// LoadWorkerConfig loads worker configuration from environment variables.
func LoadWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		Port:                GetEnv("PORT", "5000"),
		InstanceName:        GetEnv("INSTANCE_NAME", ""),
		IPAddress:           GetEnv("IP_ADDRESS", "127.0.0.1"),
		CoresMcpu:           GetInt64Env("CORES_MCPU", 1000),
		DriverURL:           GetEnv("DRIVER_URL", "http://batch-driver:5000"),
		ReportRetries:       GetIntEnv("REPORT_RETRIES", 20),
		JobRetention:        GetDurationEnv("JOB_RETENTION", time.Hour),
		MaintenanceInterval: GetDurationEnv("MAINTENANCE_INTERVAL", time.Minute),
		ShutdownDrainWait:   GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 0),
	}
}
