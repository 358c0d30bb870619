package expense

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Advansoftware/whatsapp-bot-sub000/internal/ledger"
	"github.com/Advansoftware/whatsapp-bot-sub000/internal/media"
	"github.com/Advansoftware/whatsapp-bot-sub000/internal/scanning"
)

// IDGenerator generates unique IDs for archived receipts
type IDGenerator interface {
	Generate() string
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

// Reply is the answer to an inbound message. Handled is false when the
// message was text and no flow was active, so other features may take it.
type Reply struct {
	Handled bool
	Text    string
	Step    Step
}

// outcome is what a step handler decided
type outcome struct {
	text  string
	next  Payload
	clear bool
}

// stay answers without touching the flow
func stay(text string) outcome {
	return outcome{text: text}
}

// advance replaces the flow with next
func advance(next Payload, text string) outcome {
	return outcome{text: text, next: next}
}

// terminate ends the flow
func terminate(text string) outcome {
	return outcome{text: text, clear: true}
}

// Service routes conversation messages through the expense flow
type Service struct {
	store       Store
	extractor   scanning.Extractor
	ledger      ledger.Client
	storage     media.Storage
	locker      Locker
	metrics     MetricsRecorder
	idGenerator IDGenerator
	timeSource  TimeSource
}

// Option customizes a Service
type Option func(*Service)

// WithLocker replaces the in-process per-conversation lock
func WithLocker(l Locker) Option {
	return func(s *Service) { s.locker = l }
}

// WithMetrics sets the metrics recorder
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Service) { s.metrics = m }
}

// WithIDGenerator sets the archive id generator
func WithIDGenerator(g IDGenerator) Option {
	return func(s *Service) { s.idGenerator = g }
}

// WithTimeSource sets the clock used for extraction timing
func WithTimeSource(t TimeSource) Option {
	return func(s *Service) { s.timeSource = t }
}

// NewService creates a Service. storage may be nil to disable the receipt archive.
func NewService(store Store, extractor scanning.Extractor, ledgerClient ledger.Client, storage media.Storage, opts ...Option) *Service {
	s := &Service{
		store:       store,
		extractor:   extractor,
		ledger:      ledgerClient,
		storage:     storage,
		locker:      NewKeyedMutex(),
		metrics:     NoopMetrics{},
		idGenerator: &uuidGenerator{},
		timeSource:  &defaultTimeSource{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleReceipt starts a flow from a receipt image, replacing any active flow.
// A nil media answers that the image could not be fetched.
func (s *Service) HandleReceipt(ctx context.Context, key Key, m *media.Media, caption string) (Reply, error) {
	unlock, err := s.locker.Lock(ctx, key.String())
	if err != nil {
		return Reply{}, fmt.Errorf("locking conversation: %w", err)
	}
	defer unlock()

	previous := s.currentStep(ctx, key)
	if m == nil || len(m.Data) == 0 {
		return Reply{Handled: true, Text: mediaMissingMessage, Step: previous}, nil
	}

	archivePath := s.archive(key, m)

	start := s.timeSource.Now()
	extraction, err := s.extractor.Extract(ctx, m.Data, m.MimeType, caption)
	if err == nil {
		err = extraction.Validate()
	}
	elapsed := s.timeSource.Now().Sub(start)
	if err != nil {
		s.discardArchive(archivePath)
		return s.extractionFailed(ctx, key, previous, err, elapsed), nil
	}
	s.metrics.RecordExtraction(ctx, ExtractionOK, elapsed)

	items, total := scanning.Reconcile(extraction.Items, extraction.TotalAmount)

	wallets, err := s.ledger.ListWallets(ctx, key.Tenant)
	if err != nil {
		s.discardArchive(archivePath)
		return s.fail(ctx, key, previous, fmt.Errorf("listing wallets: %w", err)), nil
	}

	payload := &AwaitingWallet{
		Receipt: Receipt{
			Items:         items,
			Establishment: extraction.Establishment,
			Date:          extraction.Date,
			Category:      extraction.SuggestedCategory,
			ReportedTotal: total,
			ArchivePath:   archivePath,
		},
		Wallets: wallets,
	}
	if err := s.store.Set(ctx, key, payload); err != nil {
		s.discardArchive(archivePath)
		return s.fail(ctx, key, previous, fmt.Errorf("saving flow: %w", err)), nil
	}
	s.metrics.RecordTransition(ctx, previous, StepAwaitingWallet)

	slog.Info("Receipt flow started",
		"tenant", key.Tenant,
		"conversation", key.Conversation,
		"establishment", extraction.Establishment,
		"items", len(items),
		"total", total.StringFixed(2),
		"reported_total", extraction.TotalAmount.StringFixed(2),
		"wallets", len(wallets),
	)

	return Reply{
		Handled: true,
		Text:    receiptSummaryMessage(payload.Receipt, wallets),
		Step:    StepAwaitingWallet,
	}, nil
}

// HandleText routes a text message to the active flow's current step
func (s *Service) HandleText(ctx context.Context, key Key, text string) (Reply, error) {
	unlock, err := s.locker.Lock(ctx, key.String())
	if err != nil {
		return Reply{}, fmt.Errorf("locking conversation: %w", err)
	}
	defer unlock()

	state, err := s.store.Get(ctx, key)
	if errors.Is(err, ErrNoActiveFlow) {
		return Reply{Handled: false, Step: StepIdle}, nil
	}
	if err != nil {
		return s.fail(ctx, key, StepIdle, fmt.Errorf("loading flow: %w", err)), nil
	}

	step := state.Step()
	input := normalize(text)

	if isCancel(input) {
		slog.Info("Flow cancelled", "tenant", key.Tenant, "conversation", key.Conversation, "step", step)
		return s.apply(ctx, key, step, terminate(cancelledMessage)), nil
	}

	out, err := s.route(ctx, key, state.Payload, text, input)
	if err != nil {
		return s.fail(ctx, key, step, err), nil
	}
	return s.apply(ctx, key, step, out), nil
}

func (s *Service) route(ctx context.Context, key Key, payload Payload, raw, input string) (outcome, error) {
	switch p := payload.(type) {
	case *AwaitingWallet:
		return s.handleAwaitingWallet(ctx, key, p, raw, input)
	case *AwaitingWalletType:
		return s.handleAwaitingWalletType(ctx, key, p, raw, input)
	case *AwaitingItemsConfirmation:
		return s.handleAwaitingItemsConfirmation(ctx, key, p, raw, input)
	case *AwaitingFinalConfirmation:
		return s.handleAwaitingFinalConfirmation(ctx, key, p, raw, input)
	default:
		return outcome{}, fmt.Errorf("%w: no handler for step %s", ErrInvalidState, payload.Step())
	}
}

// apply persists a handler outcome and builds the reply
func (s *Service) apply(ctx context.Context, key Key, from Step, out outcome) Reply {
	switch {
	case out.clear:
		if err := s.store.Clear(ctx, key); err != nil {
			// The flow still ends for the user; the record expires on its own
			slog.Warn("Failed to clear flow", "tenant", key.Tenant, "conversation", key.Conversation, "error", err)
		}
		s.metrics.RecordTransition(ctx, from, StepIdle)
		return Reply{Handled: true, Text: out.text, Step: StepIdle}

	case out.next != nil:
		if err := s.store.Set(ctx, key, out.next); err != nil {
			return s.fail(ctx, key, from, fmt.Errorf("saving flow: %w", err))
		}
		if to := out.next.Step(); to != from {
			s.metrics.RecordTransition(ctx, from, to)
		}
		return Reply{Handled: true, Text: out.text, Step: out.next.Step()}

	default:
		return Reply{Handled: true, Text: out.text, Step: from}
	}
}

// fail logs err and apologizes, leaving the flow as it was
func (s *Service) fail(ctx context.Context, key Key, step Step, err error) Reply {
	slog.Error("Failed to handle message",
		"tenant", key.Tenant,
		"conversation", key.Conversation,
		"step", step,
		"error", err,
	)
	s.metrics.RecordHandlerError(ctx, step)
	return Reply{Handled: true, Text: apologyMessage, Step: step}
}

func (s *Service) extractionFailed(ctx context.Context, key Key, step Step, err error, elapsed time.Duration) Reply {
	switch {
	case errors.Is(err, scanning.ErrNotAReceipt):
		s.metrics.RecordExtraction(ctx, ExtractionNotReceipt, elapsed)
		slog.Info("Image is not a receipt", "tenant", key.Tenant, "conversation", key.Conversation)
		return Reply{Handled: true, Text: notAReceiptMessage, Step: step}
	case errors.Is(err, scanning.ErrNoItemsExtracted):
		s.metrics.RecordExtraction(ctx, ExtractionNoItems, elapsed)
		slog.Info("No items extracted", "tenant", key.Tenant, "conversation", key.Conversation)
		return Reply{Handled: true, Text: noItemsMessage, Step: step}
	default:
		s.metrics.RecordExtraction(ctx, ExtractionError, elapsed)
		return s.fail(ctx, key, step, fmt.Errorf("extracting receipt: %w", err))
	}
}

// currentStep reports the step of the active flow, idle when there is none
func (s *Service) currentStep(ctx context.Context, key Key) Step {
	state, err := s.store.Get(ctx, key)
	if err != nil {
		return StepIdle
	}
	return state.Step()
}

// archive saves the receipt image, returning "" when archiving is disabled or fails
func (s *Service) archive(key Key, m *media.Media) string {
	if s.storage == nil {
		return ""
	}
	name := "receipt" + media.ExtensionFor(m.MimeType)
	if m.Filename != "" {
		name = media.SanitizeFilename(m.Filename)
	}
	path, err := s.storage.Save(key.Tenant, s.idGenerator.Generate()+"_"+name, m.Data)
	if err != nil {
		slog.Warn("Failed to archive receipt", "tenant", key.Tenant, "error", err)
		return ""
	}
	return path
}

func (s *Service) discardArchive(path string) {
	if path == "" {
		return
	}
	if err := s.storage.Delete(path); err != nil {
		slog.Warn("Failed to delete archived receipt", "path", path, "error", err)
	}
}

// ActiveFlow returns the live flow of a conversation or ErrNoActiveFlow
func (s *Service) ActiveFlow(ctx context.Context, key Key) (*State, error) {
	return s.store.Get(ctx, key)
}

// Reset ends the conversation's flow
func (s *Service) Reset(ctx context.Context, key Key) error {
	unlock, err := s.locker.Lock(ctx, key.String())
	if err != nil {
		return fmt.Errorf("locking conversation: %w", err)
	}
	defer unlock()

	if err := s.store.Clear(ctx, key); err != nil {
		return fmt.Errorf("resetting flow: %w", err)
	}
	return nil
}
