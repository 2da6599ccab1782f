// internal/service/device_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"daq-bridge/internal/bridge"
	"daq-bridge/internal/model"
	"daq-bridge/internal/protocol"
	"daq-bridge/internal/utils"
)

var (
	ErrNoRoute        = errors.New("no device route: bridge stopped and no direct link configured")
	ErrInvalidCommand = errors.New("invalid command")
	ErrInvalidAddress = errors.New("invalid client address")
	ErrNoBridge       = errors.New("bridge is not configured")
)

// EventPublisher receives the events produced by the services
type EventPublisher interface {
	Publish(event model.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(model.Event) {}

// DeviceService routes commands to the instrument and manages the bridge lifecycle
type DeviceService struct {
	link      protocol.Link
	bridge    *bridge.Server
	codec     *protocol.Codec
	publisher EventPublisher
	logger    *utils.ServiceLogger
}

// NewDeviceService creates a new device service instance. Either link or bridgeServer may be nil.
func NewDeviceService(
	link protocol.Link,
	bridgeServer *bridge.Server,
	codec *protocol.Codec,
	publisher EventPublisher,
	logger *zap.Logger,
) *DeviceService {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &DeviceService{
		link:      link,
		bridge:    bridgeServer,
		codec:     codec,
		publisher: publisher,
		logger:    utils.NewServiceLogger(logger, "device-service"),
	}
}

// Codec returns the frame codec commands are built with
func (ds *DeviceService) Codec() *protocol.Codec { return ds.codec }

// Route reports where the next command would go
func (ds *DeviceService) Route() model.Route {
	if ds.bridge != nil && ds.bridge.Running() {
		return model.RouteBridge
	}
	return model.RouteDirect
}

// Send delivers command through the bridge when it is running, otherwise over the direct link
func (ds *DeviceService) Send(ctx context.Context, command string, onLine protocol.LineFunc) (string, error) {
	return ds.send(ctx, command, 0, onLine)
}

func (ds *DeviceService) send(ctx context.Context, command string, timeout time.Duration, onLine protocol.LineFunc) (string, error) {
	if ds.Route() == model.RouteBridge {
		return ds.bridge.Query(ctx, command, bridge.QueryOptions{Timeout: timeout, OnLine: onLine})
	}
	if ds.link == nil {
		return "", ErrNoRoute
	}
	return ds.link.Query(ctx, command, protocol.QueryOptions{Timeout: timeout, OnLine: onLine})
}

// Execute builds, routes and decodes one command
func (ds *DeviceService) Execute(ctx context.Context, req *CommandRequest) (*CommandResult, error) {
	command, err := ds.buildCommand(req)
	if err != nil {
		return nil, err
	}

	route := ds.Route()
	var onLine protocol.LineFunc
	if req.Stream {
		onLine = func(line string) {
			ds.publisher.Publish(model.NewEvent(model.EventReplyLine, string(route), "INFO", model.ReplyLineEventData{
				RequestID: req.RequestID,
				Command:   command,
				Line:      line,
			}))
		}
	}

	startTime := time.Now()
	raw, err := ds.send(ctx, command, req.Timeout, onLine)
	duration := time.Since(startTime)

	eventData := model.CommandEventData{
		RequestID:  req.RequestID,
		Command:    command,
		Route:      route,
		DurationMs: duration.Milliseconds(),
	}
	if err != nil {
		eventData.Error = err.Error()
		ds.publisher.Publish(model.NewEvent(model.EventCommandFailed, string(route), "ERROR", eventData))
		ds.logger.Warn("Command failed",
			zap.String("command", command),
			zap.String("route", string(route)),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return nil, fmt.Errorf("command %s failed: %w", command, err)
	}
	ds.publisher.Publish(model.NewEvent(model.EventCommandCompleted, string(route), "INFO", eventData))

	result := &CommandResult{
		Command:    command,
		Raw:        raw,
		Route:      route,
		DurationMs: duration.Milliseconds(),
	}

	// Multi-line replies carry no frame; returning the raw text is the normal case for them.
	if reply, decodeErr := ds.codec.Decode(raw); decodeErr != nil {
		result.DecodeError = decodeErr.Error()
	} else {
		result.Reply = reply
	}
	return result, nil
}

func (ds *DeviceService) buildCommand(req *CommandRequest) (string, error) {
	if req == nil {
		return "", fmt.Errorf("%w: empty request", ErrInvalidCommand)
	}
	if command := strings.TrimSpace(req.Command); command != "" {
		return command, nil
	}
	if req.Code == "" {
		return "", fmt.Errorf("%w: command or code is required", ErrInvalidCommand)
	}
	if len(req.Direction) > 1 || len(req.Code) != 1 {
		return "", fmt.Errorf("%w: direction and code are single characters", ErrInvalidCommand)
	}
	return ds.codec.EncodeCommand(req.Direction, req.Code, req.Payload), nil
}

// StartBridge starts the bridge listener
func (ds *DeviceService) StartBridge(ctx context.Context) error {
	if ds.bridge == nil {
		return ErrNoBridge
	}
	if err := ds.bridge.Start(ctx); err != nil {
		return err
	}
	status := ds.bridge.Status()
	ds.publisher.Publish(model.NewEvent(model.EventBridgeStarted, "bridge", "INFO", status))
	return nil
}

// StopBridge stops the bridge listener and disconnects its client
func (ds *DeviceService) StopBridge() error {
	if ds.bridge == nil {
		return bridge.ErrNotRunning
	}
	err := ds.bridge.Stop()
	if errors.Is(err, bridge.ErrNotRunning) {
		return err
	}
	ds.publisher.Publish(model.NewEvent(model.EventBridgeStopped, "bridge", "INFO", ds.bridge.Status()))
	return err
}

// BridgeStatus returns the bridge snapshot; a service without a bridge reports it stopped
func (ds *DeviceService) BridgeStatus() model.BridgeStatus {
	if ds.bridge == nil {
		return model.BridgeStatus{}
	}
	return ds.bridge.Status()
}

// SetAllowedClient replaces the bridge allow-list; an empty ip admits every peer
func (ds *DeviceService) SetAllowedClient(ip string) error {
	ip = strings.TrimSpace(ip)
	if ip != "" && net.ParseIP(ip) == nil {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, ip)
	}
	if ds.bridge == nil {
		return ErrNoBridge
	}
	ds.bridge.SetAllowedClient(ip)
	return nil
}

// LinkInfo describes the direct link for health reporting
func (ds *DeviceService) LinkInfo() *LinkInfo {
	if ds.link == nil {
		return nil
	}
	return &LinkInfo{
		Type:    ds.link.GetProtocolType(),
		Address: ds.link.Address(),
		Stats:   ds.link.Stats(),
	}
}

// BridgeEventOptions returns bridge observers that publish attempts and session changes
func BridgeEventOptions(publisher EventPublisher) []bridge.Option {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return []bridge.Option{
		bridge.WithAttemptObserver(func(a bridge.Attempt) {
			data := model.ClientAttemptEventData{IP: a.IP, Admitted: a.Admitted}
			severity := "INFO"
			if a.Reason != nil {
				data.Reason = a.Reason.Error()
				severity = "WARNING"
			}
			publisher.Publish(model.NewEvent(model.EventClientAttempt, "bridge", severity, data))
		}),
		bridge.WithSessionObserver(func(info model.SessionInfo, connected bool) {
			eventType := model.EventClientDisconnected
			if connected {
				eventType = model.EventClientConnected
			}
			publisher.Publish(model.NewEvent(eventType, "bridge", "INFO", info))
		}),
	}
}

var _ protocol.Sender = (*DeviceService)(nil)

// Data Transfer Objects

// CommandRequest is either a complete command or the fields to frame one
type CommandRequest struct {
	Command   string        `json:"command,omitempty"`
	Direction string        `json:"direction,omitempty"`
	Code      string        `json:"code,omitempty"`
	Payload   string        `json:"payload,omitempty"`
	Timeout   time.Duration `json:"-"`
	Stream    bool          `json:"stream"`
	RequestID string        `json:"-"`
}

// CommandResult is the reply to one command
type CommandResult struct {
	Command     string          `json:"command"`
	Raw         string          `json:"raw"`
	Route       model.Route     `json:"route"`
	Reply       *protocol.Reply `json:"reply,omitempty"`
	DecodeError string          `json:"decode_error,omitempty"`
	DurationMs  int64           `json:"duration_ms"`
}

// LinkInfo represents the direct link state
type LinkInfo struct {
	Type    model.ConnectionType   `json:"type"`
	Address string                 `json:"address"`
	Stats   protocol.ProtocolStats `json:"stats"`
}
