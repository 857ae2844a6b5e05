package models

import (
	"errors"
	"fmt"
)

// Error codes for structured error handling
const (
	ErrCodeResolutionFailed = "RESOLUTION_FAILED"
	ErrCodeMandatoryAddOn   = "MANDATORY_ADDON"
	ErrCodeDownloadFailed   = "DOWNLOAD_FAILED"
	ErrCodeHashMismatch     = "HASH_MISMATCH"
	ErrCodeInstallFailed    = "INSTALL_FAILED"
	ErrCodeFileCollision    = "FILE_COLLISION"
	ErrCodeIncompatibleHost = "INCOMPATIBLE_HOST"
	ErrCodeUninstallFailed  = "UNINSTALL_FAILED"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

// APIError represents a structured error with code and optional details
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"` // Original error (not exposed to client)
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *APIError) Unwrap() error {
	return e.Err
}

// NewAPIError creates a new APIError
func NewAPIError(code, message string, details map[string]interface{}) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// WrapError wraps an existing error with an APIError
func WrapError(code, message string, err error, details map[string]interface{}) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
		Details: details,
		Err:     err,
	}
}

// ErrorCode returns the code of the first APIError in err's chain, or "" if none
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// HasCode reports whether err carries the given code
func HasCode(err error, code string) bool {
	return ErrorCode(err) == code
}

// NewMandatoryUninstallError rejects a direct uninstall of mandatory add-ons
func NewMandatoryUninstallError(ids []string) *APIError {
	return NewAPIError(
		ErrCodeMandatoryAddOn,
		"Mandatory add-ons cannot be uninstalled",
		map[string]interface{}{
			"addon_ids": ids,
		},
	)
}

// NewResolutionError reports issues that stopped an operation before any change
func NewResolutionError(messages []string) *APIError {
	return NewAPIError(
		ErrCodeResolutionFailed,
		"The requested change cannot be resolved",
		map[string]interface{}{
			"issues": messages,
		},
	)
}

// NewDownloadError wraps a network, disk or cancellation failure of one download
func NewDownloadError(url string, err error) *APIError {
	return WrapError(
		ErrCodeDownloadFailed,
		"Download failed",
		err,
		map[string]interface{}{
			"url": url,
		},
	)
}

// NewHashMismatchError reports a downloaded file whose digest does not match
func NewHashMismatchError(url, expected, actual string) *APIError {
	return NewAPIError(
		ErrCodeHashMismatch,
		"Downloaded file failed hash validation",
		map[string]interface{}{
			"url":      url,
			"expected": expected,
			"actual":   actual,
		},
	)
}

// NewInstallError wraps a failure to apply a downloaded add-on
func NewInstallError(addOnID string, err error) *APIError {
	return WrapError(
		ErrCodeInstallFailed,
		fmt.Sprintf("Failed to install add-on %s", addOnID),
		err,
		map[string]interface{}{
			"addon_id": addOnID,
		},
	)
}

// NewFileCollisionError reports that the managed directory already holds the target file
func NewFileCollisionError(addOnID, path string) *APIError {
	return NewAPIError(
		ErrCodeFileCollision,
		fmt.Sprintf("A file already exists for add-on %s", addOnID),
		map[string]interface{}{
			"addon_id": addOnID,
			"path":     path,
		},
	)
}

// NewIncompatibleHostError reports an add-on that cannot run on the host version
func NewIncompatibleHostError(addOnID, hostVersion string) *APIError {
	return NewAPIError(
		ErrCodeIncompatibleHost,
		fmt.Sprintf("Add-on %s is not compatible with host version %s", addOnID, hostVersion),
		map[string]interface{}{
			"addon_id":     addOnID,
			"host_version": hostVersion,
		},
	)
}

// NewUninstallError wraps a capability that could not be unloaded
func NewUninstallError(addOnID string, phase UninstallPhase, err error) *APIError {
	return WrapError(
		ErrCodeUninstallFailed,
		fmt.Sprintf("Failed to uninstall add-on %s", addOnID),
		err,
		map[string]interface{}{
			"addon_id": addOnID,
			"phase":    string(phase),
		},
	)
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string) *APIError {
	return NewAPIError(
		ErrCodeNotFound,
		fmt.Sprintf("%s not found", resource),
		map[string]interface{}{
			"resource": resource,
		},
	)
}

// NewValidationError creates a validation error
func NewValidationError(message string, fields []string) *APIError {
	return NewAPIError(
		ErrCodeValidationFailed,
		message,
		map[string]interface{}{
			"invalid_fields": fields,
		},
	)
}
