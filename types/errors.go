package types

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigValidateFailed = errors.New("config validate failed")
	ErrConfigIsNil          = errors.New("config is nil")
)

var (
	ErrStoreKeyEmpty         = errors.New("store key empty")
	ErrStoreUnavailable      = errors.New("store unavailable")
	ErrStoreTypeUnknown      = errors.New("store type unknown")
	ErrStoreConnectionFailed = errors.New("store connection failed")
	ErrStoreIsDisabled       = errors.New("store is disabled")
	ErrBatchOpUnknown        = errors.New("batch operation unknown")
)

var (
	ErrTenantIDEmpty     = errors.New("tenant id empty")
	ErrNamespaceEmpty    = errors.New("namespace empty")
	ErrSecretTooShort    = errors.New("tenant secret too short")
	ErrCiphertextInvalid = errors.New("ciphertext invalid")
)

var (
	ErrGraphKeyEmpty       = errors.New("dependency key empty")
	ErrInvalidationQueued  = errors.New("invalidation queued")
	ErrQueueFull           = errors.New("invalidation queue full")
	ErrJobSuperseded       = errors.New("invalidation job superseded")
	ErrJobExhausted        = errors.New("invalidation job exhausted")
	ErrGraphNotRunning     = errors.New("graph manager not running")
	ErrGraphAlreadyRunning = errors.New("graph manager already running")
)

var (
	ErrRouteTableEmpty    = errors.New("routing table empty")
	ErrRouteRuleInvalid   = errors.New("routing rule invalid")
	ErrEventTableEmpty    = errors.New("change event table empty")
	ErrEventOpUnsupported = errors.New("change event operation unsupported")
)

var (
	ErrViewNotFound       = errors.New("view not found")
	ErrViewNameEmpty      = errors.New("view name empty")
	ErrViewExists         = errors.New("view already registered")
	ErrViewComputeIsNil   = errors.New("view compute function is nil")
	ErrViewDisabled       = errors.New("view disabled")
	ErrSchedulerStopped   = errors.New("refresh scheduler stopped")
	ErrScheduleInvalid    = errors.New("refresh schedule invalid")
	ErrRefreshInProgress  = errors.New("refresh already in progress")
	ErrSchedulerIsRunning = errors.New("refresh scheduler is running")
)

var (
	ErrMetricsIsDisabled  = errors.New("metrics manager is disabled")
	ErrMetricsTypeUnknown = errors.New("metrics type unknown")
)

var (
	ErrHealthCheckFailed  = errors.New("health check failed")
	ErrHealthCheckTimeout = errors.New("health check timeout")
)

var (
	ErrLogFileIsEmpty     = errors.New("log file is empty")
	ErrLogFileWrongFormat = errors.New("log file wrong format")
)

var (
	ErrOpsServerDisabled    = errors.New("ops server is disabled")
	ErrServerNotRunning     = errors.New("server not running")
	ErrServerAlreadyRunning = errors.New("server already running")
	ErrComponentStartFailed = errors.New("component start failed")
	ErrComponentStopFailed  = errors.New("component stop failed")
)

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}
