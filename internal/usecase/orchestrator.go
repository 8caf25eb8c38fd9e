package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/vetalok777/instaAgent/internal/correlation"
	"github.com/vetalok777/instaAgent/internal/domain"
	"github.com/vetalok777/instaAgent/internal/repository"
	"github.com/vetalok777/instaAgent/internal/workerpool"
)

const (
	defaultHistoryLimit = 10
	defaultRegreetAfter = 12 * time.Hour
	settlePollInterval  = 10 * time.Millisecond
)

// Outcome results recorded per event.
const (
	ResultReplied         = "replied"
	ResultMerged          = "merged"
	ResultDeferred        = "deferred"
	ResultDuplicate       = "duplicate"
	ResultIgnored         = "ignored"
	ResultRoutingMiss     = "routing-miss"
	ResultFailed          = "failed"
	ResultPartialDispatch = "partial-dispatch"
	ResultDropped         = "dropped"
)

// InteractionStore persists exchanges and the message ids already handled.
type InteractionStore interface {
	ExistsByMessageID(ctx context.Context, messageID string) (bool, error)
	ClaimMessageID(ctx context.Context, messageID string) error
	SaveInteraction(ctx context.Context, in domain.Interaction) error
	FindRecent(ctx context.Context, tenantID, senderID string, limit int) ([]domain.Interaction, error)
}

// TenantDirectory maps a page id to its tenant and that tenant's send token.
type TenantDirectory interface {
	Resolve(ctx context.Context, pageID string) (domain.Tenant, bool, error)
	AccessToken(ctx context.Context, t domain.Tenant) (string, error)
}

// ObjectResolver looks up the catalog item behind a shared post.
type ObjectResolver interface {
	Resolve(ctx context.Context, tenantID, objectID string) (domain.SharedObject, bool, error)
}

// Grounder returns the knowledge context for a query, "" when none applies.
type Grounder interface {
	Ground(ctx context.Context, tenantID, text string) (string, error)
}

// Completer generates the reply text.
type Completer interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (string, error)
}

// ReplySender delivers a whole reply, split into chunks as needed.
type ReplySender interface {
	Send(ctx context.Context, recipientID, text, accessToken string) error
}

// Correlator holds lone shares for the correlation window. *correlation.Cache
// serves a single process; *correlation.Shared spans instances.
type Correlator interface {
	// Record holds p and calls onExpire if no text consumes it in time. It
	// returns the share p replaced, which will never resolve.
	Record(ctx context.Context, p correlation.Pending, onExpire func(correlation.Pending)) (correlation.Pending, bool, error)
	Consume(ctx context.Context, key correlation.Key) (correlation.Pending, bool, error)
	// Len counts shares whose expiry this process still owes.
	Len() int
}

// Recorder receives per-event outcomes. *observability.Metrics satisfies it.
type Recorder interface {
	Event(kind, outcome string)
	Reply(outcome string)
	ObserveProcessing(kind string, d time.Duration)
}

// Dependencies are the collaborators of an Orchestrator. Metrics and Logger
// are optional.
type Dependencies struct {
	Store    InteractionStore
	Tenants  TenantDirectory
	Objects  ObjectResolver
	Grounder Grounder
	LLM      Completer
	Replies  ReplySender
	Cache    Correlator
	Pool     *workerpool.Pool
	Metrics  Recorder
	Logger   *slog.Logger
}

// Options tune an Orchestrator; zero values take the defaults.
type Options struct {
	// CompletionModel is used unless the tenant overrides it.
	CompletionModel string
	HistoryLimit    int
	RegreetAfter    time.Duration
}

// Outcome is what happened to one messaging event.
type Outcome struct {
	Kind      EventKind
	Result    string
	TenantID  string
	SenderID  string
	MessageID string
	Err       error
}

// Orchestrator turns webhook deliveries into grounded replies. Each message
// id is processed at most once; failures after deduplication are logged and
// end the event without a reply.
type Orchestrator struct {
	store    InteractionStore
	tenants  TenantDirectory
	objects  ObjectResolver
	grounder Grounder
	llm      Completer
	replies  ReplySender
	cache    Correlator
	pool     *workerpool.Pool
	metrics  Recorder
	logger   *slog.Logger

	model        string
	historyLimit int
	regreetAfter time.Duration
	now          func() time.Time
}

func NewOrchestrator(deps Dependencies, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("usecase: interaction store must not be nil")
	case deps.Tenants == nil:
		return nil, errors.New("usecase: tenant directory must not be nil")
	case deps.Objects == nil:
		return nil, errors.New("usecase: object resolver must not be nil")
	case deps.Grounder == nil:
		return nil, errors.New("usecase: grounder must not be nil")
	case deps.LLM == nil:
		return nil, errors.New("usecase: completer must not be nil")
	case deps.Replies == nil:
		return nil, errors.New("usecase: reply sender must not be nil")
	case deps.Cache == nil:
		return nil, errors.New("usecase: correlation cache must not be nil")
	case deps.Pool == nil:
		return nil, errors.New("usecase: worker pool must not be nil")
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.RegreetAfter <= 0 {
		opts.RegreetAfter = defaultRegreetAfter
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopRecorder{}
	}
	return &Orchestrator{
		store:        deps.Store,
		tenants:      deps.Tenants,
		objects:      deps.Objects,
		grounder:     deps.Grounder,
		llm:          deps.LLM,
		replies:      deps.Replies,
		cache:        deps.Cache,
		pool:         deps.Pool,
		metrics:      metrics,
		logger:       logger.With("component", "orchestrator"),
		model:        strings.TrimSpace(opts.CompletionModel),
		historyLimit: opts.HistoryLimit,
		regreetAfter: opts.RegreetAfter,
		now:          time.Now,
	}, nil
}

// Enqueue hands raw to the worker pool without blocking. The caller acks
// the delivery whatever the result.
func (o *Orchestrator) Enqueue(raw []byte) error {
	payload := append([]byte(nil), raw...)
	err := o.pool.TrySubmit(func(ctx context.Context) {
		o.ProcessInboundPayload(ctx, payload)
	})
	if err != nil {
		o.metrics.Event("payload", ResultDropped)
		o.logger.Warn("payload dropped", "err", err)
		return fmt.Errorf("usecase: Enqueue: %w", err)
	}
	return nil
}

// Settle waits until no share recorded by this process is waiting for its
// window and no task is queued or running.
func (o *Orchestrator) Settle(ctx context.Context) error {
	ticker := time.NewTicker(settlePollInterval)
	defer ticker.Stop()
	for {
		if o.cache.Len() == 0 && o.pool.Pending() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessInboundPayload handles one webhook delivery to completion. It never
// panics and never returns an error; each event's fate is in its Outcome.
func (o *Orchestrator) ProcessInboundPayload(ctx context.Context, raw []byte) []Outcome {
	events, err := ParsePayload(raw)
	if err != nil {
		o.metrics.Event("payload", ResultIgnored)
		o.logger.Warn("malformed payload", "err", newError(ErrorMalformedEvent, "parse", err))
		return nil
	}
	outcomes := make([]Outcome, 0, len(events))
	for _, ev := range events {
		outcomes = append(outcomes, o.handle(ctx, ev))
	}
	return outcomes
}

func (o *Orchestrator) handle(ctx context.Context, ev Event) (out Outcome) {
	start := o.now()
	out = Outcome{Kind: ev.Kind, SenderID: ev.SenderID, MessageID: ev.MessageID}
	logger := o.logger.With("sender_id", ev.SenderID, "mid", ev.MessageID, "kind", string(ev.Kind))
	defer func() {
		if r := recover(); r != nil {
			out.Result = ResultFailed
			out.Err = newError(ErrorInternal, "panic", fmt.Errorf("%v", r))
			logger.Error("event handling panicked", "tenant_id", out.TenantID, "panic", r)
		}
		o.metrics.Event(string(out.Kind), out.Result)
		o.metrics.ObserveProcessing(string(out.Kind), o.now().Sub(start))
	}()

	tenant, ok, err := o.tenants.Resolve(ctx, ev.RoutingID)
	if err != nil {
		return o.fail(logger, out, newError(ErrorTransport, "tenant_lookup", err))
	}
	if !ok {
		logger.Info("no tenant for routing id", "routing_id", ev.RoutingID)
		out.Result = ResultRoutingMiss
		out.Err = newError(ErrorRoutingMiss, ev.RoutingID, nil)
		return out
	}
	out.TenantID = tenant.ID
	logger = logger.With("tenant_id", tenant.ID)

	if ev.Kind == KindSystemEcho {
		out.Result = ResultIgnored
		return out
	}
	if ev.SenderID == "" || ev.MessageID == "" {
		return o.fail(logger, out, newError(ErrorMalformedEvent, "missing_sender_or_mid", nil))
	}

	exists, err := o.store.ExistsByMessageID(ctx, ev.MessageID)
	if err != nil {
		return o.fail(logger, out, newError(ErrorTransport, "dedup_lookup", err))
	}
	if exists {
		logger.Info("duplicate delivery ignored")
		out.Kind = KindDuplicate
		out.Result = ResultDuplicate
		return out
	}

	key := correlation.Key{TenantID: tenant.ID, SenderID: ev.SenderID}
	switch ev.Kind {
	case KindPlainText:
		p, ok, err := o.cache.Consume(ctx, key)
		if err != nil {
			logger.Warn("pending share lookup failed, answering the text alone", "err", err)
		}
		if ok {
			return o.handleMerged(ctx, logger, out, tenant, ev, p)
		}
		return o.finish(logger, out, o.respond(ctx, logger, tenant, plainTurn(ev)), ResultReplied)

	case KindShareWithText:
		obj, found, err := o.objects.Resolve(ctx, tenant.ID, ev.SharedObjectID)
		if err != nil {
			return o.fail(logger, out, newError(ErrorTransport, "resolve_shared_object", err))
		}
		if !found {
			logger.Info("shared object unknown, answering the text alone", "object_id", ev.SharedObjectID)
			return o.finish(logger, out, o.respond(ctx, logger, tenant, plainTurn(ev)), ResultReplied)
		}
		return o.finish(logger, out, o.respond(ctx, logger, tenant, mergedTurn(ev, obj)), ResultMerged)

	case KindShareOnly:
		_, found, err := o.objects.Resolve(ctx, tenant.ID, ev.SharedObjectID)
		if err != nil {
			return o.fail(logger, out, newError(ErrorTransport, "resolve_shared_object", err))
		}
		if !found {
			logger.Info("shared object unknown", "object_id", ev.SharedObjectID)
			out.Kind = KindUnsupported
			out.Result = ResultIgnored
			return out
		}
		superseded, replaced, err := o.cache.Record(ctx, correlation.Pending{
			Key:       key,
			PageID:    ev.RoutingID,
			ObjectID:  ev.SharedObjectID,
			MessageID: ev.MessageID,
		}, o.onShareExpired)
		if err != nil {
			return o.fail(logger, out, newError(ErrorTransport, "record_share", err))
		}
		if replaced && superseded.MessageID != ev.MessageID {
			// The replaced share will never be answered; its id is marked
			// seen so a redelivery cannot answer it alone later.
			o.claimShare(ctx, logger, superseded.MessageID)
		}
		out.Result = ResultDeferred
		return out

	default:
		out.Result = ResultIgnored
		return out
	}
}

// handleMerged answers a text that follows a pending share as one exchange.
func (o *Orchestrator) handleMerged(ctx context.Context, logger *slog.Logger, out Outcome, tenant domain.Tenant, ev Event, p correlation.Pending) Outcome {
	obj, found, err := o.objects.Resolve(ctx, tenant.ID, p.ObjectID)
	if err != nil {
		return o.fail(logger, out, newError(ErrorTransport, "resolve_shared_object", err))
	}
	if !found {
		return o.finish(logger, out, o.respond(ctx, logger, tenant, plainTurn(ev)), ResultReplied)
	}
	// The share's own message id is marked seen so a redelivery of it
	// cannot start a second, lone-share exchange.
	o.claimShare(ctx, logger, p.MessageID)
	return o.finish(logger, out, o.respond(ctx, logger, tenant, mergedTurn(ev, obj)), ResultMerged)
}

func (o *Orchestrator) claimShare(ctx context.Context, logger *slog.Logger, mid string) {
	if err := o.store.ClaimMessageID(ctx, mid); err != nil && !errors.Is(err, repository.ErrDuplicate) {
		logger.Warn("claim share message id failed", "share_mid", mid, "err", err)
	}
}

func (o *Orchestrator) onShareExpired(p correlation.Pending) {
	err := o.pool.Submit(context.Background(), func(ctx context.Context) {
		o.resolveLoneShare(ctx, p)
	})
	if err != nil {
		o.logger.Error("lone share not scheduled", "tenant_id", p.TenantID, "sender_id", p.SenderID, "mid", p.MessageID, "err", err)
	}
}

// resolveLoneShare replies to a share no text followed within the window.
func (o *Orchestrator) resolveLoneShare(ctx context.Context, p correlation.Pending) {
	start := o.now()
	out := Outcome{Kind: KindShareOnly, TenantID: p.TenantID, SenderID: p.SenderID, MessageID: p.MessageID}
	logger := o.logger.With("tenant_id", p.TenantID, "sender_id", p.SenderID, "mid", p.MessageID, "kind", string(KindShareOnly))
	defer func() {
		o.metrics.Event(string(out.Kind), out.Result)
		o.metrics.ObserveProcessing(string(out.Kind), o.now().Sub(start))
	}()

	tenant, ok, err := o.tenants.Resolve(ctx, p.PageID)
	if err != nil {
		out = o.fail(logger, out, newError(ErrorTransport, "tenant_lookup", err))
		return
	}
	if !ok {
		out.Result = ResultRoutingMiss
		return
	}
	exists, err := o.store.ExistsByMessageID(ctx, p.MessageID)
	if err != nil {
		out = o.fail(logger, out, newError(ErrorTransport, "dedup_lookup", err))
		return
	}
	if exists {
		logger.Info("lone share already handled")
		out.Result = ResultDuplicate
		return
	}
	obj, found, err := o.objects.Resolve(ctx, tenant.ID, p.ObjectID)
	if err != nil {
		out = o.fail(logger, out, newError(ErrorTransport, "resolve_shared_object", err))
		return
	}
	if !found {
		out.Result = ResultIgnored
		return
	}
	out = o.finish(logger, out, o.respond(ctx, logger, tenant, turn{
		senderID:  p.SenderID,
		messageID: p.MessageID,
		userText:  shareNote(obj),
		prompt:    loneSharePrompt(obj),
		query:     shareQuery(obj, ""),
	}), ResultReplied)
}

// turn is one user message to answer.
type turn struct {
	senderID  string
	messageID string
	// userText is persisted as the user's interaction.
	userText string
	// prompt is the final user turn sent to the model, before grounding.
	prompt string
	// query is embedded to retrieve grounding.
	query string
}

func plainTurn(ev Event) turn {
	return turn{senderID: ev.SenderID, messageID: ev.MessageID, userText: ev.Text, prompt: ev.Text, query: ev.Text}
}

func mergedTurn(ev Event, obj domain.SharedObject) turn {
	return turn{
		senderID:  ev.SenderID,
		messageID: ev.MessageID,
		userText:  ev.Text,
		prompt:    mergedSharePrompt(obj, ev.Text),
		query:     shareQuery(obj, ev.Text),
	}
}

// respond runs one exchange. The user interaction is written first, keyed
// by its message id, and doubles as the claim on that id: a concurrent
// delivery of the same message loses here with ErrDuplicate.
func (o *Orchestrator) respond(ctx context.Context, logger *slog.Logger, tenant domain.Tenant, t turn) *Error {
	history, lastUser, err := o.window(ctx, tenant.ID, t.senderID, t.messageID)
	if err != nil {
		return newError(ErrorTransport, "load_history", err)
	}

	err = o.store.SaveInteraction(ctx, domain.Interaction{
		TenantID:  tenant.ID,
		SenderID:  t.senderID,
		Author:    domain.AuthorUser,
		Text:      t.userText,
		Timestamp: o.now(),
		MessageID: t.messageID,
	})
	if errors.Is(err, repository.ErrDuplicate) {
		return newError(ErrorDuplicate, "claim_lost", err)
	}
	if err != nil {
		return newError(ErrorTransport, "save_user_interaction", err)
	}

	token, err := o.tenants.AccessToken(ctx, tenant)
	if err != nil {
		return newError(ErrorTransport, "access_token", err)
	}

	grounding, err := o.grounder.Ground(ctx, tenant.ID, t.query)
	if err != nil {
		return newError(ErrorTransport, "grounding", err)
	}

	req := buildRequest(tenant, o.model,
		systemFrame(tenant.SystemPrompt, lastUser, o.now(), o.regreetAfter),
		history, userTurn(grounding, t.prompt))
	reply, err := o.llm.Complete(ctx, req)
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok {
			logger.Warn("completion rejected upstream", "status", status)
		}
		return newError(ErrorTransport, "completion", err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return newError(ErrorTransport, "empty_completion", nil)
	}

	err = o.store.SaveInteraction(ctx, domain.Interaction{
		TenantID:  tenant.ID,
		SenderID:  t.senderID,
		Author:    domain.AuthorAssistant,
		Text:      reply,
		Timestamp: o.now(),
	})
	if err != nil {
		return newError(ErrorTransport, "save_assistant_interaction", err)
	}

	if err := o.replies.Send(ctx, t.senderID, reply, token); err != nil {
		o.metrics.Reply("partial")
		return newError(ErrorPartialDispatch, "send_reply", err)
	}
	o.metrics.Reply("sent")
	return nil
}

// window returns up to historyLimit prior interactions oldest first, without
// the message being answered, plus the time of the sender's latest prior
// message.
func (o *Orchestrator) window(ctx context.Context, tenantID, senderID, currentMID string) ([]domain.Interaction, time.Time, error) {
	recent, err := o.store.FindRecent(ctx, tenantID, senderID, o.historyLimit+1)
	if err != nil {
		return nil, time.Time{}, err
	}
	history := make([]domain.Interaction, 0, o.historyLimit)
	for _, in := range recent {
		if currentMID != "" && in.MessageID == currentMID {
			continue
		}
		if len(history) == o.historyLimit {
			break
		}
		history = append(history, in)
	}
	// Equal or skewed timestamps can come back out of order.
	slices.Reverse(history)
	slices.SortStableFunc(history, func(a, b domain.Interaction) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	var lastUser time.Time
	for _, in := range history {
		if in.Author == domain.AuthorUser && in.Timestamp.After(lastUser) {
			lastUser = in.Timestamp
		}
	}
	return history, lastUser, nil
}

func (o *Orchestrator) finish(logger *slog.Logger, out Outcome, err *Error, success string) Outcome {
	if err == nil {
		out.Result = success
		return out
	}
	switch err.Code {
	case ErrorDuplicate:
		logger.Info("duplicate delivery lost the claim")
		out.Kind = KindDuplicate
		out.Result = ResultDuplicate
		out.Err = err
		return out
	case ErrorPartialDispatch:
		logger.Error("reply dispatch incomplete", "err", err)
		out.Result = ResultPartialDispatch
		out.Err = err
		return out
	}
	return o.fail(logger, out, err)
}

func (o *Orchestrator) fail(logger *slog.Logger, out Outcome, err *Error) Outcome {
	logger.Error("event abandoned", "code", string(err.Code), "reason", err.Reason, "err", err.Err)
	out.Result = ResultFailed
	out.Err = err
	return out
}

type noopRecorder struct{}

func (noopRecorder) Event(string, string) {}

func (noopRecorder) Reply(string) {}

func (noopRecorder) ObserveProcessing(string, time.Duration) {}
