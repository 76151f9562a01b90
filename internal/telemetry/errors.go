package telemetry

import "codeberg.org/mutker/asicsim/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrorCode("telemetry_invalid_config")
	ErrInvalidDBPath = errors.ErrorCode("telemetry_invalid_db_path")

	// Recording Errors
	ErrRecordFailed = errors.ErrorCode("telemetry_record_failed")
	ErrInvalidRow   = errors.ErrorCode("telemetry_invalid_row")

	// Storage Errors
	ErrStorageAccess = errors.ErrorCode("telemetry_storage_access_failed")
	ErrStorageInit   = errors.ErrorCode("telemetry_storage_init_failed")
	ErrStorageClose  = errors.ErrorCode("telemetry_storage_close_failed")

	// Operation Errors
	ErrOperationTimeout = errors.ErrorCode("telemetry_operation_timeout")
	ErrServiceShutdown  = errors.ErrorCode("telemetry_service_shutdown_failed")
)
