package observability

import (
	"errors"
	"fmt"
	"syscall"

	"go.uber.org/zap"
)

// FlushLogs syncs buffered log entries before process exit. Sync on a console
// stderr fails with EINVAL or ENOTTY on some platforms; those are not reported.
// Prometheus is pull-based so metrics need no flushing.
func FlushLogs(logger *zap.Logger) error {
	if logger == nil {
		return nil
	}
	if err := logger.Sync(); err != nil {
		if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) {
			return nil
		}
		return fmt.Errorf("flush logs: %w", err)
	}
	return nil
}
