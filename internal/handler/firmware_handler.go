// internal/handler/firmware_handler.go
package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"daq-bridge/internal/service"
	"daq-bridge/internal/utils"
)

// FirmwareHandler drives firmware transfers
type FirmwareHandler struct {
	firmware *service.FirmwareService
	logger   *utils.ServiceLogger
}

// NewFirmwareHandler creates a new firmware handler
func NewFirmwareHandler(firmware *service.FirmwareService, logger *zap.Logger) *FirmwareHandler {
	return &FirmwareHandler{
		firmware: firmware,
		logger:   utils.NewServiceLogger(logger, "firmware-handler"),
	}
}

// RegisterRoutes registers firmware routes
func (h *FirmwareHandler) RegisterRoutes(router *gin.RouterGroup) {
	fw := router.Group("/firmware")
	{
		fw.GET("", h.GetState)
		fw.POST("/boot", h.Boot)
		fw.POST("/confirm", h.Confirm)
		fw.POST("/abort", h.Abort)
	}
}

// GetState returns the current or last transfer
func (h *FirmwareHandler) GetState(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Firmware transfer state", h.firmware.Status())
}

// Boot uploads an Intel-HEX image and puts the instrument into boot mode.
// The image is the raw request body, or the "file" field of a multipart form.
func (h *FirmwareHandler) Boot(c *gin.Context) {
	body, name, err := imageUpload(c)
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Firmware image missing", err)
		return
	}
	defer body.Close()

	img, err := h.firmware.ReadImage(body, name)
	if err != nil {
		respondError(c, "Invalid firmware image", err)
		return
	}

	h.logger.Info("Firmware image received",
		zap.String("name", img.Name),
		zap.Int("records", img.RecordCount()),
		zap.Int("data_records", img.DataRecordCount()),
	)

	state, err := h.firmware.Begin(c.Request.Context(), img)
	if err != nil {
		respondError(c, "Failed to enter boot mode", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Boot mode entered, awaiting confirmation", state)
}

// Confirm starts streaming the booted image; progress follows on the event stream
func (h *FirmwareHandler) Confirm(c *gin.Context) {
	state, err := h.firmware.Confirm()
	if err != nil {
		respondError(c, "Failed to confirm firmware transfer", err)
		return
	}
	utils.AcceptedResponse(c, "Firmware transfer started", state)
}

// Abort cancels a transfer awaiting confirmation
func (h *FirmwareHandler) Abort(c *gin.Context) {
	state, err := h.firmware.Abort()
	if err != nil {
		respondError(c, "Failed to abort firmware transfer", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Firmware transfer aborted", state)
}

func imageUpload(c *gin.Context) (io.ReadCloser, string, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		header, err := c.FormFile("file")
		if err != nil {
			return nil, "", err
		}
		f, err := header.Open()
		if err != nil {
			return nil, "", err
		}
		return f, header.Filename, nil
	}

	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil, "", errors.New("request body is empty")
	}
	name := c.Query("name")
	if name == "" {
		name = "upload.hex"
	}
	return c.Request.Body, name, nil
}
