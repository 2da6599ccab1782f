// internal/handler/errors.go
package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"daq-bridge/internal/bridge"
	"daq-bridge/internal/firmware"
	"daq-bridge/internal/protocol"
	"daq-bridge/internal/service"
	"daq-bridge/internal/utils"
)

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	var recordErr *firmware.RecordError
	switch {
	case errors.Is(err, service.ErrInvalidCommand),
		errors.Is(err, service.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrImageTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, protocol.ErrFormat),
		errors.Is(err, protocol.ErrChecksum),
		errors.Is(err, firmware.ErrChecksumMismatch),
		errors.Is(err, firmware.ErrEmptyImage),
		errors.As(err, &recordErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, firmware.ErrTransferInProgress),
		errors.Is(err, firmware.ErrInvalidPhase),
		errors.Is(err, firmware.ErrConfirmationTimeout),
		errors.Is(err, bridge.ErrAlreadyRunning),
		errors.Is(err, bridge.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, protocol.ErrLinkTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, service.ErrNoRoute),
		errors.Is(err, service.ErrNoBridge):
		return http.StatusServiceUnavailable
	case errors.Is(err, protocol.ErrLinkRefused),
		errors.Is(err, protocol.ErrLinkIO),
		errors.Is(err, bridge.ErrNotConnected),
		errors.Is(err, bridge.ErrTornDown),
		errors.Is(err, firmware.ErrBootRejected),
		errors.Is(err, firmware.ErrSizeRejected),
		errors.Is(err, firmware.ErrFinalizeRejected),
		errors.Is(err, firmware.ErrRetriesExhausted):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the error envelope with the mapped status
func respondError(c *gin.Context, message string, err error) {
	utils.ErrorResponse(c, statusFor(err), message, err)
}

// respondBindError reports field validation failures per field, anything else as a bad body
func respondBindError(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	utils.ValidationErrorResponse(c, fields)
}
