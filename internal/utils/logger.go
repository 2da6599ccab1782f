// internal/utils/logger.go
package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"daq-bridge/internal/config"
)

// LoggerManager manages application logging
type LoggerManager struct {
	logger *zap.Logger
	config *config.LoggingConfig
}

// NewLogger creates a new logger instance based on configuration
func NewLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	manager := &LoggerManager{
		config: cfg,
	}

	logger, err := manager.createLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	manager.logger = logger
	return logger, nil
}

// createLogger creates the zap logger with proper configuration
func (lm *LoggerManager) createLogger() (*zap.Logger, error) {
	encoderConfig := lm.getEncoderConfig()

	var encoder zapcore.Encoder
	switch lm.config.Format {
	case "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	writeSyncer, err := lm.getWriteSyncer()
	if err != nil {
		return nil, fmt.Errorf("failed to create write syncer: %w", err)
	}

	level, err := ParseLevel(lm.config.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)

	return zap.New(core, lm.getLoggerOptions()...), nil
}

// getEncoderConfig returns encoder configuration based on format
func (lm *LoggerManager) getEncoderConfig() zapcore.EncoderConfig {
	config := zap.NewProductionEncoderConfig()

	config.TimeKey = "timestamp"
	config.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	config.LevelKey = "level"
	config.EncodeLevel = zapcore.LowercaseLevelEncoder
	config.CallerKey = "caller"
	config.EncodeCaller = zapcore.ShortCallerEncoder
	config.MessageKey = "message"
	config.StacktraceKey = "stacktrace"

	if lm.config.Format == "console" {
		config.EncodeLevel = zapcore.CapitalColorLevelEncoder
		config.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	}

	return config
}

// getWriteSyncer returns write syncer based on output configuration
func (lm *LoggerManager) getWriteSyncer() (zapcore.WriteSyncer, error) {
	switch lm.config.Output {
	case "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		if lm.config.Output == "" {
			lm.config.Output = "./logs/daq-bridge.log"
		}

		logDir := filepath.Dir(lm.config.Output)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		lumber := &lumberjack.Logger{
			Filename:   lm.config.Output,
			MaxSize:    lm.config.MaxSize, // MB
			MaxBackups: lm.config.MaxBackups,
			MaxAge:     lm.config.MaxAge, // days
			Compress:   lm.config.Compress,
		}

		return zapcore.AddSync(lumber), nil
	}
}

// ParseLevel maps a configured level name onto a zap level
func ParseLevel(name string) (zapcore.Level, error) {
	switch name {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "fatal":
		return zapcore.FatalLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s", name)
	}
}

// getLoggerOptions returns logger options
func (lm *LoggerManager) getLoggerOptions() []zap.Option {
	return []zap.Option{
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	}
}

// SessionLogger wraps zap.Logger with bridge session fields
type SessionLogger struct {
	*zap.Logger
	sessionID string
	peer      string
}

// NewSessionLogger creates a logger scoped to one bridge session
func NewSessionLogger(baseLogger *zap.Logger, sessionID, peer string) *SessionLogger {
	return &SessionLogger{
		Logger: baseLogger.With(
			zap.String("session_id", sessionID),
			zap.String("peer", peer),
			zap.String("component", "session"),
		),
		sessionID: sessionID,
		peer:      peer,
	}
}

// LogConnection logs connection events
func (sl *SessionLogger) LogConnection(action string, err error) {
	if err != nil {
		sl.Warn("Session connection event", zap.String("action", action), zap.Error(err))
		return
	}
	sl.Info("Session connection event", zap.String("action", action))
}

// LogQuery logs one bridged command round trip
func (sl *SessionLogger) LogQuery(command string, replyBytes int, duration time.Duration, err error) {
	fields := []zap.Field{
		zap.String("command", command),
		zap.Int("reply_bytes", replyBytes),
		zap.Duration("duration", duration),
	}

	if err != nil {
		fields = append(fields, zap.Error(err))
		sl.Error("Bridged command failed", fields...)
		return
	}
	sl.Debug("Bridged command completed", fields...)
}

// OperationLogger provides structured logging for operations
type OperationLogger struct {
	logger      *zap.Logger
	operationID string
	startTime   time.Time
}

// NewOperationLogger creates an operation-specific logger
func NewOperationLogger(baseLogger *zap.Logger, operationType, operationID string) *OperationLogger {
	logger := baseLogger.With(
		zap.String("operation_type", operationType),
		zap.String("operation_id", operationID),
		zap.String("component", "operation"),
	)

	return &OperationLogger{
		logger:      logger,
		operationID: operationID,
		startTime:   time.Now(),
	}
}

// Start logs operation start
func (ol *OperationLogger) Start(fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.Time("start_time", ol.startTime),
	}, fields...)

	ol.logger.Info("Operation started", allFields...)
}

// Success logs successful operation completion
func (ol *OperationLogger) Success(fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.Duration("duration", time.Since(ol.startTime)),
		zap.Bool("success", true),
	}, fields...)

	ol.logger.Info("Operation completed successfully", allFields...)
}

// Error logs operation failure
func (ol *OperationLogger) Error(err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.Duration("duration", time.Since(ol.startTime)),
		zap.Bool("success", false),
		zap.Error(err),
	}, fields...)

	ol.logger.Error("Operation failed", allFields...)
}

// Progress logs operation progress
func (ol *OperationLogger) Progress(message string, progress float64, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.Float64("progress", progress),
		zap.Duration("elapsed", time.Since(ol.startTime)),
	}, fields...)

	ol.logger.Info(message, allFields...)
}

// ServiceLogger provides service-level logging functionality
type ServiceLogger struct {
	*zap.Logger
	serviceName string
}

// NewServiceLogger creates a service-specific logger
func NewServiceLogger(baseLogger *zap.Logger, serviceName string) *ServiceLogger {
	logger := baseLogger.With(
		zap.String("service", serviceName),
		zap.String("component", "service"),
	)

	return &ServiceLogger{
		Logger:      logger,
		serviceName: serviceName,
	}
}

// LogServiceStart logs service startup
func (sl *ServiceLogger) LogServiceStart(version string, config interface{}) {
	sl.Info("Service starting",
		zap.String("version", version),
		zap.Any("config", config),
	)
}

// LogServiceStop logs service shutdown
func (sl *ServiceLogger) LogServiceStop(reason string) {
	sl.Info("Service stopping",
		zap.String("reason", reason),
	)
}

// LogAPIRequest logs HTTP API requests
func (sl *ServiceLogger) LogAPIRequest(method, path, userAgent, clientIP string, statusCode int, duration time.Duration) {
	level := zapcore.InfoLevel
	if statusCode >= 400 {
		level = zapcore.WarnLevel
	}
	if statusCode >= 500 {
		level = zapcore.ErrorLevel
	}

	if ce := sl.Check(level, "API request"); ce != nil {
		ce.Write(
			zap.String("method", method),
			zap.String("path", path),
			zap.String("user_agent", userAgent),
			zap.String("client_ip", clientIP),
			zap.Int("status_code", statusCode),
			zap.Duration("duration", duration),
		)
	}
}

// CloseLogger flushes buffered log entries
func CloseLogger(logger *zap.Logger) error {
	return logger.Sync()
}
