package logger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextKey string

const (
	MountPointKey  string = "mount_point"
	DeviceKey      string = "device"
	FsTypeKey      string = "fs_type"
	PathKey        string = "path"
	LabelKey       string = "label"
	MountFlagsKey  string = "mount_flags"
	MountOptsKey   string = "mount_options"
	LengthKey      string = "length"
	KeyLocationKey string = "key_location"
	OperationKey   string = "operation"
	CommandKey     string = "cmd"
	CommandArgsKey string = "cmd_args"
	ExitStatusKey  string = "exit_status"
	CorrelationKey string = "correlation_id"

	CtxCorrelationIDKey contextKey = "ctx_correlation_id"
	CtxOperationKey     contextKey = "ctx_operation"
)

// WithOperation returns a context carrying the operation name and a fresh
// correlation ID so that every log line emitted during a single
// mount/unmount/format flow can be tied together afterwards.
func WithOperation(ctx context.Context, operation string) context.Context {
	ctx = context.WithValue(ctx, CtxCorrelationIDKey, correlationID())
	return context.WithValue(ctx, CtxOperationKey, operation)
}

func WithContext(ctx context.Context, e *logrus.Entry) *logrus.Entry {
	if v := ContextCorrelationID(ctx); v != "" {
		e = e.WithField(CorrelationKey, v)
	}
	if v, ok := ctx.Value(CtxOperationKey).(string); ok {
		e = e.WithField(OperationKey, v)
	}
	return e
}

func ContextCorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(CtxCorrelationIDKey).(string); ok {
		return v
	}
	return ""
}

// correlationID generates random correlation ID string.
// Currently ID is used only to distinguish actions from log so returned value doesn't have to be e.g globally unique.
// If this isn't enough use UUID or some lib to generate more unique value.
func correlationID() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		// this shouldn't happen but fallback to UUID if necessary
		return uuid.NewString()
	}
	return hex.EncodeToString(b)
}

func New(logLevel string) *logrus.Logger {
	lv, err := logrus.ParseLevel(logLevel)
	if err != nil {
		log.Fatal(err)
	}
	logger := logrus.New()
	logger.SetLevel(lv)
	if logger.GetLevel() > logrus.InfoLevel {
		logger.WithField("level", logger.GetLevel().String()).Warn("using log level higher than INFO is not recommended in production")
	}
	return logger
}
