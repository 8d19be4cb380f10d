package config

import (
	"time"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/orchestrator"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/queue"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/database"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/events"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/logger"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/telemetry"
)

// ToLoggerConfig converts LoggerConfig to logger.Config
func (c LoggerConfig) ToLoggerConfig() logger.Config {
	return logger.Config{
		Level:      c.Level,
		Format:     c.Format,
		Output:     c.Output,
		AddCaller:  c.AddCaller,
		Stacktrace: c.Stacktrace,
	}
}

// ToDatabaseConfig converts DatabaseConfig to database.Config
func (c DatabaseConfig) ToDatabaseConfig() database.Config {
	return database.Config{
		Driver:       c.Driver,
		Host:         c.Host,
		Port:         c.Port,
		User:         c.User,
		Password:     c.Password,
		Name:         c.Name,
		SSLMode:      c.SSLMode,
		Path:         c.Path,
		MaxOpenConns: c.MaxOpenConns,
		MaxIdleConns: c.MaxIdleConns,
		LogLevel:     c.LogLevel,
	}
}

// ToKafkaConfig converts KafkaConfig to events.KafkaConfig
func (c KafkaConfig) ToKafkaConfig() events.KafkaConfig {
	return events.KafkaConfig{
		Brokers:       c.Brokers,
		Topic:         c.Topic,
		ConsumerGroup: c.ConsumerGroup,
	}
}

func (c TelemetryConfig) ToTelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:      c.Enabled,
		JaegerURL:    c.JaegerURL,
		ServiceName:  c.ServiceName,
		SamplingRate: c.SamplingRate,
	}
}

// ToRecoveryConfiguration converts RecoveryConfig to the engine-wide default policy.
func (c RecoveryConfig) ToRecoveryConfiguration() workflow.RecoveryConfiguration {
	return workflow.RecoveryConfiguration{
		AutoCheckpoint:       c.AutoCheckpoint,
		CheckpointInterval:   c.CheckpointInterval,
		CheckpointRetention:  time.Duration(c.CheckpointRetentionHours) * time.Hour,
		AutoRecovery:         c.AutoRecovery,
		MaxRecoveryAttempts:  c.MaxRecoveryAttempts,
		ReplayEnabled:        c.ReplayEnabled,
		MaxConcurrentReplays: c.MaxConcurrentReplays,
		CleanupSchedule:      c.CleanupSchedule,
	}
}

func (c EngineConfig) ToQueueConfig() queue.Config {
	return queue.Config{
		Workers:       c.Workers,
		QueueSize:     c.QueueSize,
		DispatchRate:  c.DispatchRate,
		DispatchBurst: c.DispatchBurst,
	}
}

func (c EngineConfig) ToOrchestratorConfig(recovery RecoveryConfig) orchestrator.Config {
	return orchestrator.Config{
		MaxParallelNodes:      c.MaxParallelNodes,
		DefaultTimeoutMinutes: c.DefaultTimeoutMinutes,
		LeaseTTL:              time.Duration(c.LeaseTTLSeconds) * time.Second,
		Recovery:              recovery.ToRecoveryConfiguration(),
	}
}
