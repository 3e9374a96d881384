// Package engine runs a resumable DFU transfer: it owns the stream parser,
// the erase, validation and copy phases, and the single event queue every
// input goes through.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bigbag/papyrix-dfu/internal/checkpoint"
	"github.com/bigbag/papyrix-dfu/internal/dfu"
	"github.com/bigbag/papyrix-dfu/internal/flash"
	"github.com/bigbag/papyrix-dfu/internal/headerlog"
	"github.com/bigbag/papyrix-dfu/internal/integrity"
	"github.com/bigbag/papyrix-dfu/internal/logging"
	"github.com/bigbag/papyrix-dfu/internal/partition"
	"github.com/bigbag/papyrix-dfu/internal/resume"
)

const queueSize = 64

// Config wires the engine to its collaborators.
type Config struct {
	Variant     dfu.Variant
	Device      dfu.Device
	Log         *headerlog.Log
	Checkpoints *checkpoint.Store
	Bank        flash.Bank
	Hasher      integrity.Hasher
	Verifier    integrity.Verifier
	Logger      *slog.Logger
	// Notify receives notices on the engine goroutine.
	Notify func(Notice)
}

// Engine is the transfer engine. Methods other than Post must be called
// from one goroutine, normally the one running Run.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	book     *integrity.Bookkeeper
	parser   *partition.Parser
	replayer *resume.Replayer
	events   chan Event
	// awaiting is the flash operation whose completion the engine waits
	// for, nil when none is outstanding.
	awaiting *flash.Op
	// stopped is set by Stop until the next Init or StartEvent.
	stopped bool
}

// New creates an engine and registers it as the bank's completion sink.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Variant == nil:
		return nil, fmt.Errorf("engine: no format variant")
	case cfg.Log == nil || cfg.Checkpoints == nil:
		return nil, fmt.Errorf("engine: no persistent store")
	case cfg.Bank == nil:
		return nil, fmt.Errorf("engine: no flash bank")
	case cfg.Verifier == nil:
		return nil, fmt.Errorf("engine: no signature verifier")
	}
	if cfg.Hasher == nil {
		cfg.Hasher = integrity.StdHasher{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.With(slog.String("variant", cfg.Variant.Name()))

	e := &Engine{
		cfg:    cfg,
		logger: logger,
		events: make(chan Event, queueSize),
	}
	e.book = integrity.NewBookkeeper(cfg.Variant, cfg.Log, cfg.Hasher, cfg.Verifier, cfg.Bank, logger)
	e.parser = partition.NewParser(cfg.Variant, cfg.Log, cfg.Bank, e.book, cfg.Checkpoints,
		partition.WithLogger(logger), partition.WithDevice(cfg.Device))
	e.replayer = resume.NewReplayer(cfg.Variant, cfg.Log, cfg.Bank, logger)
	cfg.Bank.SetSink(func(c flash.Completion) { e.Post(FlashEvent{Completion: c}) })
	return e, nil
}

// Init inspects the checkpoint and either resumes the interrupted transfer
// or starts a fresh one with the erase phase.
func (e *Engine) Init() error {
	e.stopped = false
	cp, err := e.cfg.Checkpoints.Load()
	if err != nil {
		return fmt.Errorf("engine: load checkpoint: %w", err)
	}
	e.logger.Info("engine init", "resume_point", cp.ResumePoint.String(), "last_closed", cp.LastClosedPartition)

	switch cp.ResumePoint {
	case checkpoint.Upgrading, checkpoint.PreValidate:
		return e.resume(cp)
	case checkpoint.PreReboot, checkpoint.PostReboot, checkpoint.Committed:
		e.parser.SetState(partition.StateValidationComplete)
		return nil
	default:
		return e.begin(0)
	}
}

func (e *Engine) resume(cp checkpoint.Checkpoint) error {
	pos, err := e.replayer.Replay(cp)
	if err != nil {
		e.failed(e.parser.Fail(partition.KindInternal, "resume", err))
		return err
	}
	outcome, err := e.parser.Restore(pos)
	if err != nil {
		e.failed(err)
		return err
	}
	if outcome == partition.TransferComplete {
		e.transferComplete()
	}
	return nil
}

// begin resets persistent state and starts the erase phase.
func (e *Engine) begin(fileSize uint32) error {
	e.awaiting = nil
	e.stopped = false
	if err := e.cfg.Log.Reset(); err != nil {
		return e.failed(e.parser.Fail(partition.KindPersistFailed, "begin", err))
	}
	cp := checkpoint.Fresh()
	cp.ResumePoint = checkpoint.Erasing
	cp.FileSize = fileSize
	if err := e.cfg.Checkpoints.Save(cp); err != nil {
		return e.failed(e.parser.Fail(partition.KindPersistFailed, "begin", err))
	}
	if e.cfg.Variant.EraseHeaderFirst() {
		return e.erase(partition.StateErasingHeader, flash.EraseImageHeader)
	}
	return e.erase(partition.StateErasingBank, flash.EraseBank)
}

func (e *Engine) erase(state partition.State, filter flash.EraseFilter) error {
	e.parser.SetState(state)
	if err := e.cfg.Bank.Erase(filter); err != nil {
		return e.failed(e.parser.Fail(partition.KindEraseFailed, "erase", err))
	}
	op := flash.OpErase
	e.awaiting = &op
	e.logger.Info("erase started", "filter", filter.String())
	return nil
}

// Post enqueues an event. It is safe to call from any goroutine.
func (e *Engine) Post(ev Event) {
	e.events <- ev
}

// PostContext enqueues ev unless ctx ends first.
func (e *Engine) PostContext(ctx context.Context, ev Event) error {
	select {
	case e.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the event queue until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if err := e.Step(ctx); err != nil {
			return err
		}
	}
}

// Step waits for one event and handles it. Failures of the event itself
// are reported through notices; only ctx errors are returned.
func (e *Engine) Step(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-e.events:
		if err := e.Dispatch(ev); err != nil {
			e.logger.Debug("event failed", "event", fmt.Sprintf("%T", ev), "error", err)
		}
		return nil
	}
}

// Dispatch handles one event.
func (e *Engine) Dispatch(ev Event) error {
	switch ev := ev.(type) {
	case ChunkEvent:
		_, err := e.HandleChunk(ev.Data, ev.Complete)
		return err
	case FlashEvent:
		return e.flashDone(ev.Completion)
	case VerifyEvent:
		if e.stopped || e.State() != partition.StateHashCheck || e.parser.CheckPending() {
			e.logger.Warn("verification result ignored", "state", e.State().String())
			return nil
		}
		return e.verified(ev.Err)
	case HashEvent:
		if e.stopped || e.State() != partition.StateHashCheck || !e.parser.CheckPending() {
			e.logger.Warn("partition digest ignored", "state", e.State().String())
			return nil
		}
		return e.partitionChecked(ev.Digest, ev.Err)
	case StartEvent:
		return e.start(ev.FileSize)
	case AbortEvent:
		e.Abort()
		return nil
	default:
		return fmt.Errorf("engine: unknown event %T", ev)
	}
}

// HandleChunk feeds host data to the parser and reports what happened.
func (e *Engine) HandleChunk(data []byte, complete bool) (partition.Outcome, error) {
	if e.stopped {
		e.logger.Warn("chunk ignored, engine stopped", "bytes", len(data))
		return partition.Continue, nil
	}
	if !e.State().Receiving() {
		e.logger.Warn("chunk ignored", "state", e.State().String(), "bytes", len(data))
		if e.State() == partition.StateError {
			return partition.Continue, e.parser.Err()
		}
		return partition.Continue, nil
	}
	outcome, err := e.parser.HandleChunk(data, complete)
	if err != nil {
		return outcome, e.failed(err)
	}
	if outcome == partition.TransferComplete {
		e.transferComplete()
		return outcome, nil
	}
	if e.parser.Context().TotalReceived == 0 {
		e.notify(e.requestNotice())
	}
	return outcome, nil
}

func (e *Engine) start(fileSize uint32) error {
	if e.stopped {
		if err := e.Init(); err != nil {
			return err
		}
	}
	switch e.State() {
	case partition.StateError, partition.StateAborting, partition.StateValidationComplete:
		return e.begin(fileSize)
	}
	if fileSize > 0 {
		cp, err := e.cfg.Checkpoints.Load()
		if err != nil {
			return e.failed(e.parser.Fail(partition.KindPersistFailed, "start", err))
		}
		switch {
		case cp.FileSize == fileSize:
		case cp.FileSize != 0 && e.State().Receiving():
			e.logger.Warn("host offers a different file, restarting", "had", cp.FileSize, "offered", fileSize)
			e.Stop()
			return e.begin(fileSize)
		default:
			cp.FileSize = fileSize
			if err := e.cfg.Checkpoints.Save(cp); err != nil {
				return e.failed(e.parser.Fail(partition.KindPersistFailed, "start", err))
			}
		}
	}
	if e.State().Receiving() {
		e.notify(e.requestNotice())
	}
	return nil
}

func (e *Engine) flashDone(c flash.Completion) error {
	if e.awaiting == nil || *e.awaiting != c.Op {
		e.logger.Warn("stale flash completion ignored", "op", c.Op.String(), "state", e.State().String())
		return nil
	}
	e.awaiting = nil

	switch e.State() {
	case partition.StateErasingHeader:
		if c.Err != nil {
			return e.failed(e.parser.Fail(partition.KindEraseFailed, "erase header", c.Err))
		}
		return e.erase(partition.StateErasingBank, flash.EraseBank)
	case partition.StateErasingBank:
		if c.Err != nil {
			return e.failed(e.parser.Fail(partition.KindEraseFailed, "erase bank", c.Err))
		}
		e.parser.Start()
		e.logger.Info("erase complete, transfer started")
		e.notify(e.requestNotice())
		return nil
	case partition.StateCopy:
		if c.Err != nil {
			return e.failed(e.parser.Fail(partition.KindCopyFailed, "copy", c.Err))
		}
		if _, err := e.cfg.Checkpoints.Update(func(cp *checkpoint.Checkpoint) {
			cp.ResumePoint = checkpoint.PreReboot
		}); err != nil {
			return e.failed(e.parser.Fail(partition.KindPersistFailed, "copy", err))
		}
		e.parser.SetState(partition.StateValidationComplete)
		e.logger.Info("upgrade validated and copied")
		e.notify(Notice{Kind: NoticeValidated})
		return nil
	}
	e.logger.Warn("flash completion ignored", "op", c.Op.String(), "state", e.State().String())
	return nil
}

func (e *Engine) partitionChecked(digest []byte, hashErr error) error {
	outcome, err := e.parser.FinishPartitionCheck(digest, hashErr)
	if err != nil {
		return e.failed(err)
	}
	if outcome == partition.TransferComplete {
		e.transferComplete()
		return nil
	}
	e.notify(e.requestNotice())
	return nil
}

// transferComplete records the end of the transfer and runs validation.
func (e *Engine) transferComplete() {
	if _, err := e.cfg.Checkpoints.Update(func(cp *checkpoint.Checkpoint) {
		cp.ResumePoint = checkpoint.PreValidate
	}); err != nil {
		e.failed(e.parser.Fail(partition.KindPersistFailed, "transfer complete", err))
		return
	}
	e.notify(Notice{Kind: NoticeTransferComplete})
	e.validate()
}

func (e *Engine) validate() {
	e.parser.SetState(partition.StateWaitForValidation)
	ctx := e.parser.Context()
	err := e.book.VerifyHeader(int(ctx.HeaderLength), ctx.Signature())
	if errors.Is(err, integrity.ErrPending) {
		e.parser.SetState(partition.StateHashCheck)
		e.logger.Debug("signature verification pending")
		return
	}
	_ = e.verified(err)
}

func (e *Engine) verified(err error) error {
	if err != nil {
		return e.failed(e.parser.Fail(partition.KindSignatureFailed, "validate", err))
	}
	e.parser.ReleaseSignature()
	e.parser.SetState(partition.StateCopy)
	if err := e.cfg.Bank.Copy(); err != nil {
		return e.failed(e.parser.Fail(partition.KindCopyFailed, "copy", err))
	}
	op := flash.OpCopy
	e.awaiting = &op
	return nil
}

// Abort cancels the transfer: the open partition is closed, the signature
// buffer dropped and the next Init starts from scratch.
func (e *Engine) Abort() {
	e.parser.Abort()
	e.awaiting = nil
	if err := e.cfg.Checkpoints.Save(checkpoint.Fresh()); err != nil {
		e.logger.Warn("checkpoint reset on abort failed", "error", err)
	}
	e.logger.Info("transfer aborted")
	e.notify(Notice{Kind: NoticeAborted})
}

// Stop releases session resources and resets the request accounting.
// Persistent state is kept, so the transfer resumes on the next Init or
// StartEvent; chunks arriving before then are ignored.
func (e *Engine) Stop() {
	if h := e.parser.Context().Handle(); h != nil {
		if err := e.cfg.Bank.Close(h); err != nil {
			e.logger.Warn("close on stop failed", "partition", h.Partition(), "error", err)
		}
	}
	e.parser.Reset()
	e.awaiting = nil
	e.stopped = true
	e.logger.Info("transfer stopped", "state", e.State().String())
}

func (e *Engine) failed(err error) error {
	if _, cerr := e.cfg.Checkpoints.Update(func(cp *checkpoint.Checkpoint) {
		cp.ResumePoint = checkpoint.Failed
	}); cerr != nil {
		e.logger.Warn("checkpoint update on failure failed", "error", cerr)
	}
	e.notify(Notice{Kind: NoticeFailed, Err: err})
	return err
}

func (e *Engine) requestNotice() Notice {
	ctx := e.parser.Context()
	return Notice{
		Kind:      NoticeRequest,
		Request:   ctx.Next,
		At:        ctx.FileOffset,
		Remaining: ctx.Next.Size - ctx.TotalReceived,
	}
}

func (e *Engine) notify(n Notice) {
	if e.cfg.Notify != nil {
		e.cfg.Notify(n)
	}
}

// State returns the current transfer state.
func (e *Engine) State() partition.State { return e.parser.State() }

// Request returns the outstanding data request.
func (e *Engine) Request() partition.Request { return e.parser.Request() }

// NextRequestSize returns the size of the outstanding request.
func (e *Engine) NextRequestSize() uint32 { return e.parser.Request().Size }

// NextRequestOffset returns the offset of the outstanding request,
// relative to the host's current file position.
func (e *Engine) NextRequestOffset() uint32 { return e.parser.Request().Offset }

// Context exposes the live parser context.
func (e *Engine) Context() *partition.Context { return e.parser.Context() }

// Err returns the fatal error, if any.
func (e *Engine) Err() error { return e.parser.Err() }

// SigningMode returns the signing mode read from the upgrade header.
func (e *Engine) SigningMode() uint8 { return e.parser.Context().SigningMode }

// HeaderID returns the upgrade header section id.
func (e *Engine) HeaderID() string { return e.cfg.Variant.HeaderID() }

// PartitionID returns the partition section id.
func (e *Engine) PartitionID() string { return e.cfg.Variant.PartitionID() }

// FooterID returns the footer section id, empty when the variant has none.
func (e *Engine) FooterID() string { return e.cfg.Variant.FooterID() }
