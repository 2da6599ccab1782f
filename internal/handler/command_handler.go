// internal/handler/command_handler.go
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"daq-bridge/internal/service"
	"daq-bridge/internal/utils"
)

// CommandHandler exposes command execution and the frame codec
type CommandHandler struct {
	device *service.DeviceService
	logger *utils.ServiceLogger
}

// NewCommandHandler creates a new command handler
func NewCommandHandler(device *service.DeviceService, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{
		device: device,
		logger: utils.NewServiceLogger(logger, "command-handler"),
	}
}

// RegisterRoutes registers command and frame routes
func (h *CommandHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/commands", h.ExecuteCommand)

	frames := router.Group("/frames")
	{
		frames.POST("/encode", h.EncodeFrame)
		frames.POST("/decode", h.DecodeFrame)
	}
}

// ExecuteCommandRequest is the body of POST /commands
type ExecuteCommandRequest struct {
	service.CommandRequest
	TimeoutMs int `json:"timeout_ms" binding:"gte=0"`
}

// ExecuteCommand sends one command to the instrument and waits for its reply.
// With stream set, reply lines are also published as REPLY_LINE events under the request id.
func (h *CommandHandler) ExecuteCommand(c *gin.Context) {
	var req ExecuteCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	cmd := req.CommandRequest
	cmd.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	cmd.RequestID = c.GetString("request_id")

	result, err := h.device.Execute(c.Request.Context(), &cmd)
	if err != nil {
		respondError(c, "Command failed", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Command executed", result)
}

// EncodeFrameRequest is the body of POST /frames/encode
type EncodeFrameRequest struct {
	Direction string `json:"direction" binding:"max=1"`
	Code      string `json:"code" binding:"required,len=1"`
	Payload   string `json:"payload"`
}

// EncodeFrameResponse is the encoded frame and its parts
type EncodeFrameResponse struct {
	Frame    string `json:"frame"`
	Checksum string `json:"checksum"`
}

// EncodeFrame renders a frame without sending it
func (h *CommandHandler) EncodeFrame(c *gin.Context) {
	var req EncodeFrameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	frame := h.device.Codec().Encode(req.Direction, req.Code, req.Payload)
	utils.SuccessResponse(c, http.StatusOK, "Frame encoded", EncodeFrameResponse{
		Frame:    frame.String(),
		Checksum: frame.Checksum,
	})
}

// DecodeFrameRequest is the body of POST /frames/decode
type DecodeFrameRequest struct {
	Raw string `json:"raw" binding:"required"`
}

// DecodeFrame verifies a frame and splits it into fields
func (h *CommandHandler) DecodeFrame(c *gin.Context) {
	var req DecodeFrameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	reply, err := h.device.Codec().Decode(req.Raw)
	if err != nil {
		respondError(c, "Frame rejected", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Frame decoded", reply)
}
