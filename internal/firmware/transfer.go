// internal/firmware/transfer.go
package firmware

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"daq-bridge/internal/model"
	"daq-bridge/internal/utils"
)

// baseAddress is sent before the first data record of images without an extended address record.
const baseAddress = "0000"

// transfer is the state of one confirmed download.
type transfer struct {
	ctx    context.Context
	engine *Engine
	op     *utils.OperationLogger

	address     string
	sawExtended bool
	processed   int
	total       int
	mode        WidthMode
	started     time.Time
}

type width struct {
	mode WidthMode
	n    int
}

func (t *transfer) run(img *Image) error {
	e := t.engine

	reply, err := e.exchange(t.ctx, codeDownload, fmt.Sprintf("T%05d", t.total))
	if err != nil {
		return &TransferError{Op: "size", Err: err}
	}
	if reply.Data != replyOK {
		return fmt.Errorf("%w: answer %q", ErrSizeRejected, reply.Data)
	}

	if _, err := e.selectLinkSpeed(t.ctx, e.config.LinkSpeed); err != nil {
		return &TransferError{Op: "link_speed", Err: err}
	}
	if err := sleep(t.ctx, e.config.SettleDelay); err != nil {
		return &TransferError{Op: "link_speed", Err: err}
	}

	for rec, err := range img.Records() {
		if err != nil {
			return err
		}
		if err := t.ctx.Err(); err != nil {
			return &TransferError{Line: rec.Line, Op: "stream", Err: err}
		}

		switch rec.Type {
		case RecordData:
			if err := t.sendData(rec); err != nil {
				return err
			}
		case RecordExtendedLinear:
			if err := t.sendAddress(rec); err != nil {
				return err
			}
		case RecordEOF:
			return nil
		default:
			continue
		}

		if err := sleep(t.ctx, e.config.InterRecordDelay); err != nil {
			return &TransferError{Line: rec.Line, Op: "stream", Err: err}
		}
	}
	return nil
}

func (t *transfer) sendData(rec Record) error {
	e := t.engine

	if err := rec.Verify(); err != nil {
		return err
	}

	if !t.sawExtended && t.address == "" {
		ok, err := e.sendWithRetry(t.ctx, "A"+baseAddress, e.config.Retries)
		if err != nil {
			return &TransferError{Line: rec.Line, Op: "address", Err: err}
		}
		if ok {
			if err := sleep(t.ctx, e.config.AddressDelay); err != nil {
				return &TransferError{Line: rec.Line, Op: "address", Err: err}
			}
		} else {
			e.logger.Warn("Base address not acknowledged, continuing", zap.Int("line", rec.Line))
		}
		t.address = baseAddress
	}

	ok, err := t.sendSized(rec.Data, len(rec.Data), int(rec.Length), true)
	if err == nil && !ok {
		prefixed := fmt.Sprintf("%04X%02X", rec.Address, byte(rec.Type)) + rec.Data
		ok, err = t.sendSized(prefixed, len(prefixed), int(rec.Length)+3, false)
	}
	if err == nil && !ok && t.processed == 0 {
		ok, err = t.fallbackLinkSpeed(rec)
	}
	if err != nil {
		return &TransferError{Line: rec.Line, Op: "data", Err: err}
	}
	if !ok {
		return &TransferError{Line: rec.Line, Op: "data", Err: ErrRetriesExhausted}
	}

	t.processed++
	t.report(rec.Line)
	return nil
}

// sendSized sends payload with a two digit length prefix, trying both length figures.
// A sticky success makes its width mode the first choice for later records.
func (t *transfer) sendSized(payload string, hexChars, bytes int, sticky bool) (bool, error) {
	e := t.engine

	widths := []width{{WidthHexChars, hexChars}, {WidthBytes, bytes}}
	if t.mode == WidthBytes {
		widths[0], widths[1] = widths[1], widths[0]
	}

	for _, w := range widths {
		for attempt := 1; attempt <= e.config.RecordAttempts; attempt++ {
			reply, err := e.exchange(t.ctx, codeDownload, fmt.Sprintf("D%02d%s", w.n, payload))
			if ctxErr := t.ctx.Err(); ctxErr != nil {
				return false, ctxErr
			}
			if err == nil && reply.Data == replyOK {
				if sticky && t.mode != w.mode {
					e.logger.Info("Switching data length mode", zap.Stringer("mode", w.mode))
					t.mode = w.mode
				}
				return true, nil
			}

			fields := []zap.Field{zap.Int("width", w.n), zap.Stringer("mode", w.mode), zap.Bool("prefixed", !sticky)}
			if err != nil {
				fields = append(fields, zap.Error(err))
			} else {
				fields = append(fields, zap.String("answer", reply.Data))
			}
			e.logger.Debug("Data record not acknowledged", fields...)

			e.pump()
			if err := sleep(t.ctx, e.config.RecordBackoff); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

// fallbackLinkSpeed walks the fallback speeds until the first data record is accepted.
func (t *transfer) fallbackLinkSpeed(rec Record) (bool, error) {
	e := t.engine

	for _, code := range e.config.LinkSpeedFallbacks {
		e.logger.Warn("Data not accepted, trying another link speed", zap.String("code", code))

		ok, err := e.selectLinkSpeed(t.ctx, code)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		if err := sleep(t.ctx, e.config.SettleDelay); err != nil {
			return false, err
		}

		if t.address != "" {
			sent, err := e.sendWithRetry(t.ctx, "A"+t.address, 2)
			if err != nil {
				return false, err
			}
			if !sent {
				e.logger.Warn("Address not restored after link speed change", zap.String("address", t.address))
			}
		}

		ok, err = t.sendSized(rec.Data, len(rec.Data), int(rec.Length), true)
		if err != nil {
			return false, err
		}
		if ok {
			e.logger.Info("Data accepted at fallback link speed", zap.String("code", code))
			e.updateState(func(s *model.TransferState) { s.LinkSpeed = code })
			return true, nil
		}
	}
	return false, nil
}

func (t *transfer) sendAddress(rec Record) error {
	e := t.engine

	if rec.Data == t.address {
		return nil
	}

	ok, err := e.sendWithRetry(t.ctx, "A"+rec.Data, e.config.Retries)
	if err != nil {
		return &TransferError{Line: rec.Line, Op: "address", Err: err}
	}
	if !ok {
		return &TransferError{Line: rec.Line, Op: "address", Err: ErrRetriesExhausted}
	}

	e.logger.Debug("Extended address set", zap.String("address", rec.Data), zap.Int("line", rec.Line))
	t.address = rec.Data
	t.sawExtended = true
	e.updateState(func(s *model.TransferState) { s.ExtendedAddress = rec.Data })

	if err := sleep(t.ctx, e.config.AddressDelay); err != nil {
		return &TransferError{Line: rec.Line, Op: "address", Err: err}
	}
	return nil
}

func (t *transfer) report(line int) {
	e := t.engine
	e.updateState(func(s *model.TransferState) { s.Processed = t.processed })

	progress := Progress{
		Processed: t.processed,
		Total:     t.total,
		Line:      line,
		Elapsed:   time.Since(t.started),
	}
	if t.total > 0 {
		progress.Percentage = float64(t.processed) * 100 / float64(t.total)
	}
	if e.config.OnProgress != nil {
		e.config.OnProgress(progress)
	}

	if e.config.PumpEvery > 0 && t.processed%e.config.PumpEvery == 0 {
		if t.op != nil {
			t.op.Progress("Firmware records sent", progress.Percentage, zap.Int("processed", t.processed))
		}
		e.pump()
	}
}
