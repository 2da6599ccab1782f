// internal/firmware/engine.go
package firmware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"daq-bridge/internal/model"
	"daq-bridge/internal/protocol"
	"daq-bridge/internal/utils"
)

// Command fields of the download command set. Every command is a write ("W").
const (
	dirWrite     = "W"
	codeDownload = "N"
	codeLink     = "C"

	replyOK       = "0"
	replyRejected = "1"
)

// Engine drives an instrument through boot mode, an operator confirmation window
// and the record-by-record download of an Intel-HEX image.
//
// Boot and Confirm are blocking; only the confirmation timer runs on its own goroutine.
type Engine struct {
	sender protocol.Sender
	codec  *protocol.Codec
	base   *zap.Logger
	logger *zap.Logger
	config Config

	mu         sync.Mutex
	state      model.TransferState
	image      *Image
	op         *utils.OperationLogger
	timer      *time.Timer
	generation uint64
	expired    bool
}

// New creates an idle engine sending its commands through sender.
func New(sender protocol.Sender, codec *protocol.Codec, logger *zap.Logger, opts ...Option) *Engine {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Engine{
		sender: sender,
		codec:  codec,
		base:   logger,
		logger: logger.With(zap.String("component", "firmware")),
		config: cfg,
		state:  model.TransferState{Phase: model.PhaseIdle},
	}
}

// State returns a snapshot of the current or last transfer.
func (e *Engine) State() model.TransferState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// BeginBoot puts the instrument into boot mode and opens the confirmation window.
func (e *Engine) BeginBoot(ctx context.Context, image *Image) error {
	if image == nil || image.RecordCount() == 0 {
		return ErrEmptyImage
	}

	e.mu.Lock()
	if phase := e.state.Phase; phase != model.PhaseIdle {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTransferInProgress, phase)
	}
	now := time.Now()
	e.state = model.TransferState{
		ID:        uuid.New(),
		Phase:     model.PhaseAwaitingBootAck,
		Total:     image.DataRecordCount(),
		LinkSpeed: e.config.LinkSpeed,
		StartedAt: now,
		UpdatedAt: now,
	}
	e.image = image
	e.expired = false
	e.op = utils.NewOperationLogger(e.base, "firmware_transfer", e.state.ID.String())
	op := e.op
	e.mu.Unlock()

	e.emitPhase(model.PhaseAwaitingBootAck)
	op.Start(zap.String("image", image.Name), zap.Int("data_records", image.DataRecordCount()))

	var reply *protocol.Reply
	for attempt := 1; attempt <= e.config.BootAttempts; attempt++ {
		r, err := e.exchange(ctx, codeDownload, "B")
		if err != nil {
			return e.fail(&TransferError{Op: "boot", Err: err})
		}
		e.logger.Debug("Boot mode attempt",
			zap.Int("attempt", attempt),
			zap.Int("attempts", e.config.BootAttempts),
			zap.String("answer", r.Data),
		)
		reply = r
	}
	if reply.Data != replyOK {
		return e.fail(fmt.Errorf("%w: answer %q", ErrBootRejected, reply.Data))
	}

	e.mu.Lock()
	e.generation++
	gen := e.generation
	e.state.Phase = model.PhaseAwaitingConfirmation
	e.state.UpdatedAt = time.Now()
	e.mu.Unlock()

	e.emitPhase(model.PhaseAwaitingConfirmation)

	e.mu.Lock()
	if e.generation == gen && e.state.Phase == model.PhaseAwaitingConfirmation {
		e.timer = time.AfterFunc(e.config.ConfirmTimeout, func() { e.expire(gen) })
	}
	e.mu.Unlock()

	e.logger.Info("Boot mode entered, waiting for confirmation", zap.Duration("window", e.config.ConfirmTimeout))
	return nil
}

// Confirm streams the image booted by BeginBoot and finalizes the download.
func (e *Engine) Confirm(ctx context.Context) error {
	e.mu.Lock()
	if err := e.confirmableLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.stopTimerLocked()
	e.state.Phase = model.PhaseStreaming
	e.state.UpdatedAt = time.Now()
	img, op := e.image, e.op
	e.mu.Unlock()

	e.emitPhase(model.PhaseStreaming)

	t := &transfer{
		ctx:     ctx,
		engine:  e,
		op:      op,
		mode:    e.config.WidthMode,
		total:   img.DataRecordCount(),
		started: time.Now(),
	}
	if err := t.run(img); err != nil {
		return e.fail(err)
	}

	e.setPhase(model.PhaseFinalizing)
	command := e.codec.EncodeCommand(dirWrite, codeDownload, "E")
	raw, err := e.sender.Send(ctx, command, nil)
	if err != nil {
		return e.fail(&TransferError{Op: "finalize", Err: fmt.Errorf("send %s: %w", command, err)})
	}
	// Only an explicit "1" rejects the download; any other answer counts as done.
	reply, err := e.codec.Decode(raw)
	switch {
	case err != nil:
		e.logger.Warn("Undecodable download end reply, assuming success", zap.String("reply", raw), zap.Error(err))
	case reply.Data == replyRejected:
		return e.fail(ErrFinalizeRejected)
	}

	e.finish()
	return nil
}

// Confirmable returns the error Confirm would fail with right now, or nil.
func (e *Engine) Confirmable() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.confirmableLocked()
}

func (e *Engine) confirmableLocked() error {
	switch phase := e.state.Phase; {
	case phase == model.PhaseAwaitingConfirmation:
		return nil
	case phase == model.PhaseIdle && e.expired:
		return ErrConfirmationTimeout
	default:
		return fmt.Errorf("%w: %s", ErrInvalidPhase, phase)
	}
}

// Abort cancels a transfer still waiting for confirmation. A running download cannot be interrupted.
func (e *Engine) Abort() error {
	e.mu.Lock()
	switch phase := e.state.Phase; phase {
	case model.PhaseAwaitingConfirmation:
		e.stopTimerLocked()
		e.generation++
		e.reset(ErrAborted)
		e.mu.Unlock()

		e.logger.Info("Firmware transfer aborted before confirmation")
		e.emitPhase(model.PhaseIdle)
		return nil
	case model.PhaseIdle:
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidPhase, phase)
	default:
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTransferInProgress, phase)
	}
}

func (e *Engine) expire(gen uint64) {
	e.mu.Lock()
	if gen != e.generation || e.state.Phase != model.PhaseAwaitingConfirmation {
		e.mu.Unlock()
		return
	}
	e.generation++
	e.timer = nil
	e.expired = true
	e.reset(ErrConfirmationTimeout)
	e.mu.Unlock()

	e.logger.Warn("Confirmation window expired", zap.Duration("window", e.config.ConfirmTimeout))
	e.emitPhase(model.PhaseIdle)
}

// reset returns to Idle recording cause as the outcome. Callers hold mu.
func (e *Engine) reset(cause error) {
	e.state.Phase = model.PhaseIdle
	e.state.LastOutcome = model.PhaseFailed
	e.state.LastError = cause.Error()
	e.state.UpdatedAt = time.Now()
	e.image = nil
}

func (e *Engine) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) fail(err error) error {
	e.mu.Lock()
	e.stopTimerLocked()
	e.generation++
	e.state.Phase = model.PhaseFailed
	e.state.LastOutcome = model.PhaseFailed
	e.state.LastError = err.Error()
	e.state.UpdatedAt = time.Now()
	e.image = nil
	op := e.op
	e.mu.Unlock()

	if op != nil {
		op.Error(err)
	}
	e.emitPhase(model.PhaseFailed)

	e.mu.Lock()
	e.state.Phase = model.PhaseIdle
	e.mu.Unlock()
	return err
}

func (e *Engine) finish() {
	e.mu.Lock()
	e.state.Phase = model.PhaseSucceeded
	e.state.LastOutcome = model.PhaseSucceeded
	e.state.LastError = ""
	e.state.UpdatedAt = time.Now()
	e.image = nil
	op, processed := e.op, e.state.Processed
	e.mu.Unlock()

	op.Success(zap.Int("records", processed))
	e.emitPhase(model.PhaseSucceeded)

	e.mu.Lock()
	e.state.Phase = model.PhaseIdle
	e.mu.Unlock()
}

func (e *Engine) setPhase(phase model.TransferPhase) {
	e.mu.Lock()
	e.state.Phase = phase
	e.state.UpdatedAt = time.Now()
	e.mu.Unlock()
	e.emitPhase(phase)
}

func (e *Engine) emitPhase(phase model.TransferPhase) {
	if e.config.OnPhase != nil {
		e.config.OnPhase(phase)
	}
}

func (e *Engine) pump() {
	if e.config.Pump != nil {
		e.config.Pump()
	}
}

func (e *Engine) updateState(fn func(*model.TransferState)) {
	e.mu.Lock()
	fn(&e.state)
	e.state.UpdatedAt = time.Now()
	e.mu.Unlock()
}

// exchange sends one download command and decodes the reply frame.
func (e *Engine) exchange(ctx context.Context, code, payload string) (*protocol.Reply, error) {
	command := e.codec.EncodeCommand(dirWrite, code, payload)
	raw, err := e.sender.Send(ctx, command, nil)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", command, err)
	}
	reply, err := e.codec.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("reply to %s: %w", command, err)
	}
	return reply, nil
}

// sendWithRetry sends a download command until the device answers "0".
// Only context errors are returned; a device that never acknowledges yields false.
func (e *Engine) sendWithRetry(ctx context.Context, payload string, retries int) (bool, error) {
	for attempt := 1; attempt <= retries; attempt++ {
		reply, err := e.exchange(ctx, codeDownload, payload)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		if err == nil && reply.Data == replyOK {
			return true, nil
		}

		fields := []zap.Field{zap.String("payload", payload), zap.Int("attempt", attempt), zap.Int("retries", retries)}
		if err != nil {
			fields = append(fields, zap.Error(err))
		} else {
			fields = append(fields, zap.String("answer", reply.Data))
		}
		e.logger.Warn("Command not acknowledged", fields...)

		e.pump()
		if attempt < retries {
			if err := sleep(ctx, e.config.RetryDelay); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

// selectLinkSpeed sends the link speed command. It reports false when the reply is not a valid frame.
func (e *Engine) selectLinkSpeed(ctx context.Context, code string) (bool, error) {
	reply, err := e.exchange(ctx, codeLink, code)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		e.logger.Warn("Link speed reply invalid", zap.String("code", code), zap.Error(err))
		return false, nil
	}
	if reply.Direction != dirWrite || reply.Code != codeLink || reply.Data != code {
		e.logger.Info("Unexpected link speed reply", zap.String("code", code), zap.String("reply", reply.Raw))
	}
	return true, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
