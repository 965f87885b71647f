// Package oplog adapts the coins.OperationLogger callback onto zap.
package oplog

import (
	"context"

	"github.com/pawmates/coinledger/pkg/coins"
	"go.uber.org/zap"
)

// Logger emits one structured log line per coin or escrow operation.
type Logger struct {
	base *zap.Logger
}

// New returns a Logger writing through the supplied zap logger.
func New(base *zap.Logger) *Logger {
	return &Logger{base: base}
}

func (logger *Logger) LogOperation(_ context.Context, record coins.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", record.Operation),
		zap.String("account_id", record.AccountID),
		zap.Int64("amount", record.Amount.Int64()),
		zap.String("status", record.Status),
	}
	if record.BookingRef != "" {
		fields = append(fields, zap.String("booking_ref", record.BookingRef))
	}
	if record.Error != nil {
		fields = append(fields, zap.Error(record.Error))
		logger.base.Warn("ledger operation failed", fields...)
		return
	}
	logger.base.Info("ledger operation", fields...)
}
