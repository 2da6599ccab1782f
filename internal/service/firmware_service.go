// internal/service/firmware_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"daq-bridge/internal/bridge"
	"daq-bridge/internal/firmware"
	"daq-bridge/internal/model"
	"daq-bridge/internal/protocol"
	"daq-bridge/internal/utils"
)

var ErrImageTooLarge = errors.New("firmware image too large")

// BridgeStopper is implemented by DeviceService
type BridgeStopper interface {
	StopBridge() error
}

// FirmwareServiceConfig holds service-level firmware settings
type FirmwareServiceConfig struct {
	StopBridgeOnSuccess bool
	MaxImageSize        int64
}

// FirmwareService runs firmware transfers in the background and publishes their progress
type FirmwareService struct {
	engine    *firmware.Engine
	stopper   BridgeStopper
	publisher EventPublisher
	config    FirmwareServiceConfig
	logger    *utils.ServiceLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFirmwareService creates the service and its engine. The engine sends through sender.
func NewFirmwareService(
	sender protocol.Sender,
	codec *protocol.Codec,
	stopper BridgeStopper,
	publisher EventPublisher,
	config FirmwareServiceConfig,
	logger *zap.Logger,
	opts ...firmware.Option,
) *FirmwareService {
	if publisher == nil {
		publisher = nopPublisher{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	fs := &FirmwareService{
		stopper:   stopper,
		publisher: publisher,
		config:    config,
		logger:    utils.NewServiceLogger(logger, "firmware-service"),
		ctx:       ctx,
		cancel:    cancel,
	}

	engineOpts := append([]firmware.Option{firmware.WithPump(runtime.Gosched)}, opts...)
	engineOpts = append(engineOpts,
		firmware.WithPhaseCallback(fs.onPhase),
		firmware.WithProgressCallback(fs.onProgress),
	)
	fs.engine = firmware.New(sender, codec, logger, engineOpts...)
	return fs
}

// ReadImage parses an uploaded image, enforcing the configured size limit
func (fs *FirmwareService) ReadImage(r io.Reader, name string) (*firmware.Image, error) {
	if fs.config.MaxImageSize > 0 {
		r = io.LimitReader(r, fs.config.MaxImageSize+1)
	}
	counter := &countingReader{r: r}

	img, err := firmware.ParseImage(counter)
	if err != nil {
		return nil, err
	}
	if fs.config.MaxImageSize > 0 && counter.n > fs.config.MaxImageSize {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrImageTooLarge, fs.config.MaxImageSize)
	}
	img.Name = name
	return img, nil
}

// Begin enters boot mode; the transfer then waits for Confirm
func (fs *FirmwareService) Begin(ctx context.Context, img *firmware.Image) (model.TransferState, error) {
	err := fs.engine.BeginBoot(ctx, img)
	return fs.engine.State(), err
}

// Confirm starts streaming in the background. Phase errors are returned immediately.
func (fs *FirmwareService) Confirm() (model.TransferState, error) {
	if err := fs.engine.Confirmable(); err != nil {
		return fs.engine.State(), err
	}

	fs.wg.Add(1)
	go func() {
		defer fs.wg.Done()

		if err := fs.engine.Confirm(fs.ctx); err != nil {
			fs.logger.Error("Firmware transfer failed", zap.Error(err))
			return
		}
		fs.logger.Info("Firmware transfer completed")

		if fs.config.StopBridgeOnSuccess && fs.stopper != nil {
			if err := fs.stopper.StopBridge(); err != nil && !errors.Is(err, bridge.ErrNotRunning) {
				fs.logger.Warn("Failed to stop bridge after firmware transfer", zap.Error(err))
			}
		}
	}()

	return fs.engine.State(), nil
}

// Abort cancels a transfer that is waiting for confirmation
func (fs *FirmwareService) Abort() (model.TransferState, error) {
	err := fs.engine.Abort()
	return fs.engine.State(), err
}

// Status returns the current transfer snapshot
func (fs *FirmwareService) Status() model.TransferState {
	return fs.engine.State()
}

// Shutdown cancels a running transfer and waits until it has returned
func (fs *FirmwareService) Shutdown(ctx context.Context) error {
	fs.cancel()

	done := make(chan struct{})
	go func() {
		fs.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (fs *FirmwareService) onPhase(phase model.TransferPhase) {
	state := fs.engine.State()
	data := model.TransferPhaseEventData{TransferID: state.ID, Phase: phase}

	severity := "INFO"
	switch {
	case phase == model.PhaseFailed:
		severity = "ERROR"
		data.Error = state.LastError
	case phase == model.PhaseIdle && state.LastError != "":
		severity = "WARNING"
		data.Error = state.LastError
	}
	fs.publisher.Publish(model.NewEvent(model.EventTransferPhase, "firmware", severity, data))
}

func (fs *FirmwareService) onProgress(p firmware.Progress) {
	state := fs.engine.State()
	fs.publisher.Publish(model.NewEvent(model.EventTransferProgress, "firmware", "INFO", model.TransferProgressEventData{
		TransferID: state.ID,
		Processed:  p.Processed,
		Total:      p.Total,
		Percentage: p.Percentage,
		Line:       p.Line,
	}))
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
