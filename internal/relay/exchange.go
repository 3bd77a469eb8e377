package relay

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gradientsaas/gradient-chat/internal/conversation"
	"github.com/gradientsaas/gradient-chat/internal/upstream"
)

// State is the position of an exchange in its lifecycle:
// Idle → Streaming → Draining → Closed on a clean end, Streaming → Erroring → Closed on a broken one.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateDraining
	StateErroring
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateErroring:
		return "erroring"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Result summarises a finished exchange.
type Result struct {
	// Outcome is StateDraining for a clean end of stream and StateErroring for a broken one.
	Outcome   State
	Text      string
	Fragments int
	Malformed int
	// Persisted is true once the assistant turn is durable.
	Persisted bool
	// Err is set when the stream broke (KindStreamTransport).
	Err error
	// ClientGone marks a broken stream caused by the caller disconnecting.
	ClientGone bool
	// PersistErr is set when the assistant turn could not be stored. Content was already sent.
	PersistErr error
}

// Exchange is an open upstream stream for a validated, loaded request.
type Exchange struct {
	svc          *Service
	conversation *conversation.Conversation
	stream       *upstream.Stream
	cancel       context.CancelFunc
	started      time.Time
	state        State
	timedOut     atomic.Bool
}

// Begin validates the request, stores the user turn and opens the upstream
// stream. When it fails nothing has been written to the caller.
func (s *Service) Begin(ctx context.Context, identity *Identity, req Request) (*Exchange, error) {
	started := s.now()
	ctx, span := s.tracer.Start(ctx, "relay.begin")
	defer span.End()

	ex, err := s.begin(ctx, identity, req, started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, KindOf(err).String())
		s.metrics.RecordRequest(ctx, KindOf(err).String(), s.now().Sub(started))
		return nil, err
	}
	span.SetAttributes(
		attribute.String("conversation.id", ex.conversation.ID),
		attribute.String("upstream.provider", ex.stream.Provider),
		attribute.String("upstream.model", ex.stream.Model),
	)
	return ex, nil
}

func (s *Service) begin(ctx context.Context, identity *Identity, req Request, started time.Time) (*Exchange, error) {
	conv, err := s.Validate(ctx, identity, req)
	if err != nil {
		return nil, err
	}
	turns, err := s.Load(ctx, conv, req)
	if err != nil {
		return nil, err
	}

	// The upstream gets its own cancel so the idle watchdog can stop a silent stream.
	upCtx, cancel := context.WithCancel(ctx)
	opened := s.now()
	stream, err := s.provider.Open(upCtx, upstream.Request{
		Turns:      turns,
		MaxTokens:  s.cfg.MaxTokens,
		Generation: s.cfg.Generation,
	})
	if err != nil {
		cancel()
		rerr := classifyUpstream(err)
		s.recordUpstreamError(ctx, err)
		s.logger.Printf("upstream open failed conversation=%s: %v", conv.ID, err)
		return nil, rerr
	}
	s.metrics.RecordUpstreamOpen(ctx, stream.Provider, stream.Model, s.now().Sub(opened))
	s.debugf("upstream opened conversation=%s provider=%s model=%s history=%d", conv.ID, stream.Provider, stream.Model, len(turns))
	return &Exchange{
		svc:          s,
		conversation: conv,
		stream:       stream,
		cancel:       cancel,
		started:      started,
		state:        StateIdle,
	}, nil
}

func (s *Service) recordUpstreamError(ctx context.Context, err error) {
	var se *upstream.StatusError
	if errors.As(err, &se) {
		s.metrics.RecordUpstreamError(ctx, se.Provider, se.Status)
		return
	}
	var te *upstream.TransportError
	if errors.As(err, &te) {
		s.metrics.RecordUpstreamError(ctx, te.Provider, 0)
		return
	}
	s.metrics.RecordUpstreamError(ctx, s.provider.Name(), 0)
}

// Conversation returns the conversation being answered.
func (e *Exchange) Conversation() *conversation.Conversation { return e.conversation }

// Model returns the upstream model that accepted the request.
func (e *Exchange) Model() string { return e.stream.Model }

// State returns the current lifecycle state.
func (e *Exchange) State() State { return e.state }

// Close releases the upstream stream without running it.
func (e *Exchange) Close() {
	if e.state == StateClosed {
		return
	}
	e.cancel()
	_ = e.stream.Body.Close()
	e.state = StateClosed
}

// Run forwards fragments to fw as they decode, then persists the assistant turn
// if the stream ended cleanly with text. It always leaves the exchange Closed.
func (e *Exchange) Run(ctx context.Context, fw *Framer) Result {
	s := e.svc
	ctx, span := s.tracer.Start(ctx, "relay.stream", trace.WithAttributes(
		attribute.String("conversation.id", e.conversation.ID),
		attribute.String("upstream.provider", e.stream.Provider),
		attribute.String("upstream.model", e.stream.Model),
	))
	defer span.End()
	defer e.Close()

	res := e.forward(ctx, fw)
	span.SetAttributes(
		attribute.Int("stream.fragments", res.Fragments),
		attribute.Int("stream.malformed", res.Malformed),
		attribute.String("stream.outcome", res.Outcome.String()),
	)
	s.metrics.RecordFragments(ctx, e.stream.Provider, res.Fragments)
	s.metrics.RecordMalformed(ctx, e.stream.Provider, res.Malformed)

	switch res.Outcome {
	case StateDraining:
		if res.Text != "" {
			res.PersistErr = e.persistAssistant(ctx, res.Text)
			res.Persisted = res.PersistErr == nil
		}
	case StateErroring:
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "stream interrupted")
		if !res.ClientGone {
			if werr := fw.WriteError(asRelayError(res.Err)); werr != nil {
				s.debugf("write error frame conversation=%s: %v", e.conversation.ID, werr)
			}
		}
		e.handlePartial(ctx, &res)
	}

	outcome := "ok"
	switch {
	case res.ClientGone:
		outcome = "client_disconnected"
	case res.Outcome == StateErroring:
		outcome = KindStreamTransport.String()
	case res.PersistErr != nil:
		outcome = KindPersistence.String()
	}
	s.metrics.RecordRequest(ctx, outcome, s.now().Sub(e.started))
	return res
}

// forward is the read loop. It returns with Outcome Draining or Erroring.
// A failed client write, or a read cut by ctx, counts as the client leaving.
func (e *Exchange) forward(ctx context.Context, fw *Framer) Result {
	s := e.svc
	e.state = StateStreaming

	dec := upstream.NewDecoder(e.stream.Extractor)
	dec.OnMalformed = func(payload []byte, err error) {
		s.debugf("skip malformed chunk conversation=%s: %v payload=%s", e.conversation.ID, err, upstream.Preview(payload, 120))
	}

	idle := time.AfterFunc(s.cfg.StreamIdleTimeout, func() {
		e.timedOut.Store(true)
		e.cancel()
	})
	defer idle.Stop()

	var (
		acc       strings.Builder
		fragments int
	)
	emit := func(frags []string) error {
		for _, frag := range frags {
			acc.WriteString(frag)
			fragments++
			if err := fw.WriteFragment(frag); err != nil {
				return err
			}
		}
		return nil
	}
	fail := func(msg string, cause error) Result {
		e.state = StateErroring
		return Result{
			Outcome:   StateErroring,
			Text:      acc.String(),
			Fragments: fragments,
			Malformed: dec.Malformed(),
			Err:       newError(KindStreamTransport, msg, cause),
		}
	}
	gone := func(cause error) Result {
		res := fail("client disconnected", cause)
		res.ClientGone = true
		return res
	}

	buf := make([]byte, 8192)
	for {
		n, err := e.stream.Body.Read(buf)
		idle.Reset(s.cfg.StreamIdleTimeout)
		if n > 0 {
			if werr := emit(dec.Feed(buf[:n])); werr != nil {
				return gone(werr)
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if e.timedOut.Load() {
			return fail("upstream stream idle timeout", err)
		}
		if ctx.Err() != nil {
			return gone(err)
		}
		return fail("upstream stream interrupted", err)
	}

	e.state = StateDraining
	if werr := emit(dec.Flush()); werr != nil {
		return gone(werr)
	}
	return Result{
		Outcome:   StateDraining,
		Text:      acc.String(),
		Fragments: fragments,
		Malformed: dec.Malformed(),
	}
}

// handlePartial applies the partial-reply policy on the Erroring path.
func (e *Exchange) handlePartial(ctx context.Context, res *Result) {
	s := e.svc
	if res.Text == "" {
		s.logger.Printf("stream broken conversation=%s: %v", e.conversation.ID, res.Err)
		return
	}
	if res.ClientGone {
		s.logger.Printf("client left conversation=%s: discarding %d bytes of partial reply", e.conversation.ID, len(res.Text))
		return
	}
	if !s.cfg.PersistPartial {
		s.logger.Printf("stream broken conversation=%s: discarding %d bytes of partial reply: %v", e.conversation.ID, len(res.Text), res.Err)
		return
	}
	res.PersistErr = e.persistAssistant(ctx, res.Text)
	res.Persisted = res.PersistErr == nil
	s.logger.Printf("stream broken conversation=%s: stored partial reply persisted=%v: %v", e.conversation.ID, res.Persisted, res.Err)
}

// persistAssistant stores the full reply in one append. It runs detached from
// the caller's cancellation so a disconnect after end of stream cannot lose it.
func (e *Exchange) persistAssistant(ctx context.Context, text string) error {
	s := e.svc
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PersistTimeout)
	defer cancel()

	_, err := s.store.AppendTurn(ctx, conversation.Turn{
		ConversationID: e.conversation.ID,
		Role:           conversation.RoleAssistant,
		Content:        text,
	})
	if err != nil {
		s.metrics.RecordPersistFailure(ctx, string(conversation.RoleAssistant))
		s.logger.Printf("save assistant reply conversation=%s failed (reply already streamed): %v", e.conversation.ID, err)
		return newError(KindPersistence, "save assistant reply", err)
	}
	if err := s.store.TouchConversation(ctx, e.conversation.ID); err != nil {
		s.logger.Printf("touch conversation %s failed: %v", e.conversation.ID, err)
	}
	return nil
}

func asRelayError(err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return newError(KindStreamTransport, "stream interrupted", err)
}
