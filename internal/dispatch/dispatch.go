// Package dispatch routes inbound chat events to sandboxed services: it
// resolves the chat's routing snapshot, selects the route(s) for the event,
// runs the sandbox, applies the returned state directive, and hands one
// response back to the adapter. A nil response means nothing routed.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/hivebot/internal/bus"
	"github.com/nextlevelbuilder/hivebot/internal/flowstate"
	"github.com/nextlevelbuilder/hivebot/internal/sandbox"
	"github.com/nextlevelbuilder/hivebot/internal/snapshot"
	"github.com/nextlevelbuilder/hivebot/internal/store"
	"github.com/nextlevelbuilder/hivebot/pkg/sdk"
)

// ErrBundleMissing marks a snapshot referencing a bundle the store no longer
// holds. The user gets a synthetic error; a forced rebuild is requested in
// the background.
var ErrBundleMissing = errors.New("bundle missing")

// Event kinds accepted by Dispatch.
const (
	KindCommand  = "command"
	KindCallback = "callback"
	KindMessage  = "message"
)

// Event is one inbound chat event, already normalized by the adapter to
// platform-neutral strings.
type Event struct {
	Kind    string
	Command string // command events: raw token, "/start@bot" accepted
	Data    string // callback events: full wire data "svc:<id>|<payload>"
	Message string // message events: text
	ChatID  string
	UserID  string
}

// Config tunes a dispatcher.
type Config struct {
	SandboxTimeout time.Duration // per-invocation deadline (default sandbox.DefaultTimeout)
	FlowTTL        time.Duration // active-flow session lifetime (0 = no expiry)
	RatePerMinute  int           // per-chat event budget (0 = unlimited)
	Burst          int
}

// Dispatcher is safe for concurrent use across chats; the adapter serializes
// events within one (chat,user) pair.
type Dispatcher struct {
	store   *store.Store
	builder *snapshot.Builder
	runner  sandbox.Runner
	flows   *flowstate.Store
	events  bus.EventPublisher
	cfg     Config
	tracer  trace.Tracer

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// New wires a dispatcher. events may be nil.
func New(st *store.Store, builder *snapshot.Builder, runner sandbox.Runner, flows *flowstate.Store, events bus.EventPublisher, cfg Config) *Dispatcher {
	if cfg.SandboxTimeout <= 0 {
		cfg.SandboxTimeout = sandbox.DefaultTimeout
	}
	return &Dispatcher{
		store:    st,
		builder:  builder,
		runner:   runner,
		flows:    flows,
		events:   events,
		cfg:      cfg,
		tracer:   otel.Tracer("hivebot/dispatch"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Dispatch routes one event. A nil response with nil error means no route
// matched (or the chat is over its rate budget); the adapter stays silent.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (*sdk.Response, error) {
	if !d.allow(ev.ChatID) {
		slog.Warn("chat over dispatch rate budget, event dropped", "chat_id", ev.ChatID, "kind", ev.Kind)
		return nil, nil
	}

	invocationID := uuid.NewString()
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("event.kind", ev.Kind),
			attribute.String("chat.id", ev.ChatID),
		))
	defer span.End()

	snap, err := d.builder.Build(ctx, ev.ChatID, false)
	if err != nil {
		return nil, fmt.Errorf("resolve snapshot for chat %s: %w", ev.ChatID, err)
	}

	var resp *sdk.Response
	var serviceID string
	switch ev.Kind {
	case KindCommand:
		resp, serviceID, err = d.dispatchCommand(ctx, snap, ev)
	case KindCallback:
		resp, serviceID, err = d.dispatchCallback(ctx, snap, ev)
	case KindMessage:
		resp, serviceID, err = d.dispatchMessage(ctx, snap, ev)
	default:
		return nil, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	if err != nil {
		return nil, err
	}

	d.publish(invocationID, ev, serviceID, resp, time.Since(start))
	return resp, nil
}

func (d *Dispatcher) dispatchCommand(ctx context.Context, snap *snapshot.Snapshot, ev Event) (*sdk.Response, string, error) {
	token := NormalizeToken(ev.Command)
	route, ok := snap.Commands[token]
	if !ok {
		return nil, "", nil
	}
	payload := sdk.Event{Type: sdk.EventCommand, Token: token}
	resp := d.invoke(ctx, route, payload, ev)
	d.applyFlowTransition(ev, route, payload.Type, resp)
	return resp, route.ServiceID, nil
}

func (d *Dispatcher) dispatchCallback(ctx context.Context, snap *snapshot.Snapshot, ev Event) (*sdk.Response, string, error) {
	serviceID, data, ok := SplitCallbackData(ev.Data)
	if !ok {
		return nil, "", nil
	}
	route, ok := snap.RouteByServiceID(serviceID)
	if !ok {
		return nil, "", nil
	}
	payload := sdk.Event{Type: sdk.EventCallback, Data: data}
	resp := d.invoke(ctx, route, payload, ev)
	d.applyFlowTransition(ev, route, payload.Type, resp)
	return resp, route.ServiceID, nil
}

// dispatchMessage fans a free message out. A non-none answer from the
// active-flow service consumes the message; otherwise every listener runs in
// declaration order, each one's state directive applying, and the first
// non-none response is the one delivered.
func (d *Dispatcher) dispatchMessage(ctx context.Context, snap *snapshot.Snapshot, ev Event) (*sdk.Response, string, error) {
	payload := sdk.Event{Type: sdk.EventMessage, Message: ev.Message}

	if sess, ok := d.flows.GetActiveFlow(ev.ChatID, ev.UserID); ok {
		if route, present := snap.RouteByServiceID(sess.ServiceID); present {
			resp := d.invoke(ctx, route, payload, ev)
			d.applyFlowTransition(ev, route, payload.Type, resp)
			if resp != nil && resp.Kind != sdk.RespNone {
				return resp, route.ServiceID, nil
			}
			// The flow answered none, releasing the message to the
			// listeners; the claim itself stays until cleared or expired.
		} else {
			// The flow's service left the configuration; the claim is dead.
			d.flows.ClearActiveFlow(ev.ChatID, ev.UserID)
		}
	}

	var winner *sdk.Response
	var winnerID string
	for _, route := range snap.Listeners {
		resp := d.invoke(ctx, route, payload, ev)
		d.applyFlowTransition(ev, route, payload.Type, resp)
		if winner == nil && resp != nil && resp.Kind != sdk.RespNone {
			winner = resp
			winnerID = route.ServiceID
		}
	}
	return winner, winnerID, nil
}

// invoke runs one route in the sandbox and converts failures into synthetic
// error responses, leaving flow state untouched on failure.
func (d *Dispatcher) invoke(ctx context.Context, route snapshot.Route, event sdk.Event, ev Event) *sdk.Response {
	bundle, err := d.store.GetServiceBundle(ctx, route.BundleHash)
	if err != nil {
		slog.Error("bundle lookup failed", "bundle_hash", route.BundleHash, "error", err)
		return sdk.ErrorResponse("service temporarily unavailable")
	}
	if bundle == nil {
		slog.Error("snapshot references missing bundle, requesting rebuild",
			"chat_id", ev.ChatID, "service_id", route.ServiceID, "bundle_hash", route.BundleHash,
			"error", ErrBundleMissing)
		go func() {
			if _, err := d.builder.Build(context.Background(), ev.ChatID, true); err != nil {
				slog.Error("background rebuild failed", "chat_id", ev.ChatID, "error", err)
			}
		}()
		return sdk.ErrorResponse("service temporarily unavailable")
	}

	key := flowstate.Key{ChatID: ev.ChatID, UserID: ev.UserID, ServiceID: route.ServiceID}
	if rec := d.flows.GetServiceState(key); rec != nil {
		event.State = rec.Value
		event.StateVersion = rec.Version
	}

	payload := &sdk.Payload{
		Event: event,
		Ctx: sdk.Ctx{
			ChatID:        ev.ChatID,
			UserID:        ev.UserID,
			ServiceConfig: route.Config,
			Datasets:      route.Datasets,
			RouteMeta: &sdk.RouteMeta{
				ID:          route.Meta.ID,
				Command:     route.Meta.Command,
				Description: route.Meta.Description,
			},
		},
		Manifest: sdk.PayloadMeta{SchemaVersion: sdk.SchemaVersion},
	}

	resp, err := d.runner.Run(ctx, bundle.DataURL, payload, sandbox.Options{
		Timeout: d.cfg.SandboxTimeout,
		Net:     route.Net,
	})
	if err != nil {
		slog.Warn("sandbox invocation failed",
			"chat_id", ev.ChatID, "service_id", route.ServiceID, "error", err)
		if sandbox.IsTimeout(err) {
			return sdk.ErrorResponse("timeout")
		}
		return sdk.ErrorResponse("service failed")
	}

	// State directives apply before the dispatcher returns, so the next
	// event from this (chat,user) observes the update.
	if resp.State != nil {
		d.flows.ApplyDirective(key, resp.State)
	}
	if resp.Kind == sdk.RespPubkyWrite {
		d.publishPubkyWrite(ev, route.ServiceID, resp)
	}
	return resp
}

// applyFlowTransition updates the active-flow session after a successful
// invocation: a command into a command_flow service that kept state opens a
// session; a clear directive or deleteTrigger closes it.
func (d *Dispatcher) applyFlowTransition(ev Event, route snapshot.Route, eventType string, resp *sdk.Response) {
	if resp == nil || resp.Kind == sdk.RespError {
		return
	}
	if resp.State != nil && resp.State.Op == sdk.StateClear {
		d.clearFlowIfOwned(ev, route.ServiceID)
		return
	}
	if resp.DeleteTrigger {
		d.clearFlowIfOwned(ev, route.ServiceID)
		return
	}
	if eventType == sdk.EventCommand && route.Kind == sdk.KindCommandFlow &&
		resp.State != nil && resp.State.Op != sdk.StateClear {
		d.flows.SetActiveFlow(ev.ChatID, ev.UserID, route.ServiceID, d.cfg.FlowTTL)
	}
}

func (d *Dispatcher) clearFlowIfOwned(ev Event, serviceID string) {
	if sess, ok := d.flows.GetActiveFlow(ev.ChatID, ev.UserID); ok && sess.ServiceID == serviceID {
		d.flows.ClearActiveFlow(ev.ChatID, ev.UserID)
	}
}

// allow checks the per-chat token bucket.
func (d *Dispatcher) allow(chatID string) bool {
	if d.cfg.RatePerMinute <= 0 {
		return true
	}
	d.limMu.Lock()
	lim, ok := d.limiters[chatID]
	if !ok {
		burst := d.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(float64(d.cfg.RatePerMinute)/60.0), burst)
		d.limiters[chatID] = lim
	}
	d.limMu.Unlock()
	return lim.Allow()
}

func (d *Dispatcher) publish(invocationID string, ev Event, serviceID string, resp *sdk.Response, dur time.Duration) {
	if d.events == nil {
		return
	}
	payload := bus.DispatchPayload{
		InvocationID: invocationID,
		ChatID:       ev.ChatID,
		UserID:       ev.UserID,
		EventKind:    ev.Kind,
		ServiceID:    serviceID,
		DurationMs:   dur.Milliseconds(),
	}
	if resp != nil {
		payload.ResponseKind = resp.Kind
		if resp.Kind == sdk.RespError {
			payload.Error = resp.Message
		}
	}
	d.events.Broadcast(bus.Event{Name: bus.EventDispatch, Payload: payload})
}

func (d *Dispatcher) publishPubkyWrite(ev Event, serviceID string, resp *sdk.Response) {
	if d.events == nil {
		return
	}
	d.events.Broadcast(bus.Event{Name: bus.EventPubkyWrite, Payload: bus.PubkyWritePayload{
		ChatID:    ev.ChatID,
		UserID:    ev.UserID,
		ServiceID: serviceID,
		Path:      resp.Path,
		Data:      resp.Data,
		Preview:   resp.Preview,
	}})
}

// NormalizeToken canonicalizes a command token: leading slash stripped, any
// "@botname" suffix dropped, lowercased.
func NormalizeToken(command string) string {
	token := strings.TrimSpace(command)
	token = strings.TrimPrefix(token, "/")
	if i := strings.IndexByte(token, '@'); i >= 0 {
		token = token[:i]
	}
	// A command message may carry arguments after the token.
	if i := strings.IndexByte(token, ' '); i >= 0 {
		token = token[:i]
	}
	return strings.ToLower(token)
}

// SplitCallbackData parses the "svc:<serviceId>|<payload>" wire format.
func SplitCallbackData(data string) (serviceID, payload string, ok bool) {
	rest, found := strings.CutPrefix(data, sdk.CallbackPrefix)
	if !found {
		return "", "", false
	}
	serviceID, payload, found = strings.Cut(rest, "|")
	if !found || serviceID == "" {
		return "", "", false
	}
	return serviceID, payload, true
}
