// ABOUTME: Dispatches chat requests over the tunnel and consumes their reply streams.
// ABOUTME: Owns correlation registration, timeouts, and image fan-out aggregation.

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/arena-bridge/internal/config"
	"github.com/2389/arena-bridge/internal/mapper"
	"github.com/2389/arena-bridge/internal/tunnel"
)

// eventBuffer sizes the per-request event channel handed to the HTTP
// layer.
const eventBuffer = 16

// truncationNotice is appended to the visible output when the provider
// cuts a reply off for content filtering.
const truncationNotice = "\n\nResponse truncated, likely by the provider's content filter or context limit."

// EventKind discriminates the events a request stream delivers.
type EventKind int

const (
	// EventContent carries one incremental piece of reply text.
	EventContent EventKind = iota
	// EventDone ends a successful stream and carries the finish reason.
	EventDone
	// EventError ends a failed stream. No further events follow.
	EventError
)

// Event is one caller-visible stream event. A stream is zero or more
// EventContent followed by exactly one EventDone or EventError, after
// which the channel closes.
type Event struct {
	Kind   EventKind
	Text   string
	Reason string
	Err    error
}

// Uploader externalizes base64 attachments before dispatch, returning the
// replacement URL.
type Uploader interface {
	Upload(ctx context.Context, name, dataURI string) (string, error)
}

// Broker turns resolved chat requests into tunnel task frames and their
// reply streams back into caller-visible events. It is safe for
// concurrent use; every request owns its correlation entry and nothing
// else is shared mutable state.
type Broker struct {
	tunnel   *tunnel.Manager
	table    *tunnel.Table
	mapper   *mapper.Mapper
	uploader Uploader

	firstFragment time.Duration
	streamIdle    time.Duration
	admissionWait time.Duration
	tavernMode    bool
	bypassMode    bool
	maxFanout     int

	// verifyGen records the connection generation a verification reload
	// was last requested for. A new generation resets the state.
	verifyGen atomic.Uint64

	logger *slog.Logger
}

// New wires a Broker. uploader may be nil to disable attachment
// externalization.
func New(tm *tunnel.Manager, table *tunnel.Table, mp *mapper.Mapper, uploader Uploader, cfg *config.Config, logger *slog.Logger) *Broker {
	return &Broker{
		tunnel:        tm,
		table:         table,
		mapper:        mp,
		uploader:      uploader,
		firstFragment: cfg.Timeouts.FirstFragment,
		streamIdle:    cfg.Timeouts.StreamIdle,
		admissionWait: cfg.Tunnel.AdmissionWait,
		tavernMode:    cfg.Chat.TavernMode,
		bypassMode:    cfg.Chat.BypassMode,
		maxFanout:     cfg.Chat.MaxImageFanout,
		logger:        logger.With("component", "broker"),
	}
}

// Chat resolves and dispatches one client call. Mapping, validation, and
// send failures return synchronously; everything after the frame leaves
// arrives on the returned event stream. Image-type models fan out and
// aggregate; text models stream through.
func (b *Broker) Chat(ctx context.Context, req ChatRequest) (<-chan Event, error) {
	res, err := b.mapper.Resolve(req.Model)
	if err != nil {
		return nil, err
	}

	if res.Type == mapper.TypeImage {
		return b.imageFanout(ctx, req, res)
	}
	return b.textStream(ctx, req, res)
}

func (b *Broker) textStream(ctx context.Context, req ChatRequest, res mapper.Resolution) (<-chan Event, error) {
	chain, err := b.buildChain(ctx, req.Messages, res, false)
	if err != nil {
		return nil, err
	}

	p, err := b.dispatch(ctx, res, chain, false)
	if err != nil {
		return nil, err
	}

	events := make(chan Event, eventBuffer)
	go b.consumeText(ctx, p, events)
	return events, nil
}

// pending is one in-flight tunnel task.
type pending struct {
	id         string
	generation uint64
	deliveries <-chan tunnel.Delivery
}

// dispatch allocates a correlation identifier, registers it, and sends
// the task frame. Registration precedes the send so a reply can never
// beat its own table entry. The admission window bounds how long a
// request waits for a live tunnel; zero admits only an already-live one.
func (b *Broker) dispatch(ctx context.Context, res mapper.Resolution, chain []tunnel.ChainMessage, imageRequest bool) (pending, error) {
	waitCtx, cancel := context.WithTimeout(ctx, b.admissionWait)
	defer cancel()
	gen, err := b.tunnel.WaitLive(waitCtx)
	if err != nil {
		return pending{}, err
	}

	id := uuid.NewString()
	deliveries, err := b.table.Register(id, gen)
	if err != nil {
		// Identifier collision must not happen with generated UUIDs.
		b.logger.Error("correlation identifier collision", "correlation_id", id, "error", err)
		return pending{}, err
	}

	frame := tunnel.TaskFrame{
		CorrelationID: id,
		TargetID:      res.TargetID,
		SessionID:     res.Session.SessionID,
		MessageID:     res.Session.MessageID,
		ImageRequest:  imageRequest,
		Messages:      chain,
	}
	if err := b.tunnel.Send(gen, frame); err != nil {
		b.table.Remove(id)
		return pending{}, err
	}

	b.logger.Debug("task dispatched",
		"correlation_id", id,
		"model", res.Model,
		"image", imageRequest,
		"chain_length", len(chain))
	return pending{id: id, generation: gen, deliveries: deliveries}, nil
}

// consumeText drives one text request to completion: decode fragments,
// forward content, and emit exactly one terminal event. The correlation
// entry is removed on every exit path so late frames are discarded.
func (b *Broker) consumeText(ctx context.Context, p pending, events chan<- Event) {
	defer close(events)
	defer b.table.Remove(p.id)

	dec := &decoder{}
	reason := "stop"
	window := b.firstFragment
	timer := time.NewTimer(window)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-timer.C:
			b.logger.Warn("provider stream timed out", "correlation_id", p.id, "window", window)
			b.emit(ctx, events, Event{Kind: EventError, Err: fmt.Errorf("%w: no data within %s", ErrTimeout, window)})
			return

		case d, ok := <-p.deliveries:
			if !ok {
				b.emit(ctx, events, Event{Kind: EventError, Err: tunnel.ErrTunnelLost})
				return
			}
			if d.Err != nil {
				b.emit(ctx, events, Event{Kind: EventError, Err: d.Err})
				return
			}

			window = b.streamIdle
			resetTimer(timer, window)

			decs, terminal := dec.feed(d.Raw)
			for _, de := range decs {
				switch de.kind {
				case decText:
					if !b.emit(ctx, events, Event{Kind: EventContent, Text: de.text}) {
						return
					}
				case decFinish:
					reason = de.reason
					if de.reason == "content-filter" {
						if !b.emit(ctx, events, Event{Kind: EventContent, Text: truncationNotice}) {
							return
						}
					}
				case decError:
					b.emit(ctx, events, Event{Kind: EventError, Err: b.resolveStreamError(p.generation, de.err)})
					return
				}
			}
			if terminal {
				b.emit(ctx, events, Event{Kind: EventDone, Reason: reason})
				return
			}
		}
	}
}

// imageFanout dispatches n independent sub-requests for one image call
// and aggregates their results into a single reply. Sub-results assemble
// in sub-request index order regardless of arrival order. One successful
// sub-request is enough for the aggregate to succeed; only when all fail
// does the first error surface.
func (b *Broker) imageFanout(ctx context.Context, req ChatRequest, res mapper.Resolution) (<-chan Event, error) {
	n := req.N
	if n < 1 {
		n = 1
	}
	if n > b.maxFanout {
		n = b.maxFanout
	}

	subs := make([]pending, 0, n)
	var dispatchErrs []error
	for i := 0; i < n; i++ {
		// Each sub-request carries its own chain with fresh identifiers.
		chain, err := b.buildChain(ctx, req.Messages, res, true)
		if err != nil {
			return nil, err
		}
		p, err := b.dispatch(ctx, res, chain, true)
		if err != nil {
			if len(subs) == 0 {
				return nil, err
			}
			// Later sub-requests degrade instead of sinking the ones
			// already in flight.
			dispatchErrs = append(dispatchErrs, err)
			continue
		}
		subs = append(subs, p)
	}

	events := make(chan Event, eventBuffer)
	go b.collectImages(ctx, subs, dispatchErrs, events)
	return events, nil
}

// subResult is one sub-request's outcome: its content pieces in arrival
// order, or its failure.
type subResult struct {
	pieces []string
	err    error
}

func (b *Broker) collectImages(ctx context.Context, subs []pending, dispatchErrs []error, events chan<- Event) {
	defer close(events)

	results := make([]subResult, len(subs))
	var wg sync.WaitGroup
	for i := range subs {
		wg.Add(1)
		go func(index int, p pending) {
			defer wg.Done()
			results[index] = b.consumeImage(ctx, p)
		}(i, subs[i])
	}
	wg.Wait()

	var pieces []string
	var firstErr error
	if len(dispatchErrs) > 0 {
		firstErr = dispatchErrs[0]
	}
	for _, r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		pieces = append(pieces, r.pieces...)
	}

	if len(pieces) == 0 {
		if firstErr == nil {
			firstErr = fmt.Errorf("%w: no images produced", ErrUpstream)
		}
		b.emit(ctx, events, Event{Kind: EventError, Err: firstErr})
		return
	}
	if firstErr != nil {
		b.logger.Warn("image fan-out degraded to partial result", "error", firstErr)
	}

	if !b.emit(ctx, events, Event{Kind: EventContent, Text: strings.Join(pieces, "\n\n")}) {
		return
	}
	b.emit(ctx, events, Event{Kind: EventDone, Reason: "stop"})
}

// consumeImage drives one image sub-request to completion, collecting its
// content pieces instead of streaming them.
func (b *Broker) consumeImage(ctx context.Context, p pending) subResult {
	defer b.table.Remove(p.id)

	dec := &decoder{}
	window := b.firstFragment
	timer := time.NewTimer(window)
	defer timer.Stop()
	var pieces []string

	for {
		select {
		case <-ctx.Done():
			return subResult{err: ctx.Err()}

		case <-timer.C:
			return subResult{err: fmt.Errorf("%w: no data within %s", ErrTimeout, window)}

		case d, ok := <-p.deliveries:
			if !ok {
				return subResult{err: tunnel.ErrTunnelLost}
			}
			if d.Err != nil {
				return subResult{err: d.Err}
			}

			window = b.streamIdle
			resetTimer(timer, window)

			decs, terminal := dec.feed(d.Raw)
			for _, de := range decs {
				switch de.kind {
				case decText:
					pieces = append(pieces, de.text)
				case decError:
					return subResult{err: b.resolveStreamError(p.generation, de.err)}
				}
			}
			if terminal {
				return subResult{pieces: pieces}
			}
		}
	}
}

// resolveStreamError finalizes a decoded stream error. A verification
// challenge asks the remote agent to reload once per connection
// generation; repeat hits on the same generation report the wait instead.
func (b *Broker) resolveStreamError(gen uint64, err error) error {
	if !errors.Is(err, errVerificationChallenge) {
		return err
	}

	if b.verifyGen.Swap(gen) != gen {
		if serr := b.tunnel.SendControl(tunnel.CommandReload); serr != nil {
			b.logger.Warn("could not request reload for verification challenge", "error", serr)
		}
		return fmt.Errorf("%w: human verification challenge detected; the page was asked to reload, retry in a few seconds", ErrUpstream)
	}
	return fmt.Errorf("%w: waiting for human verification to complete, retry in a few seconds", ErrUpstream)
}

// emit delivers an event unless the caller is gone.
func (b *Broker) emit(ctx context.Context, events chan<- Event, e Event) bool {
	select {
	case events <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
