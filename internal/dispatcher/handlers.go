package dispatcher

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/its-app-bridge/internal/app"
	"github.com/signalsfoundry/its-app-bridge/internal/logging"
	"github.com/signalsfoundry/its-app-bridge/internal/protocol"
)

type areaSetter func(ctx context.Context, x, y, radius float32) error

func (d *Dispatcher) lookForSubscriptions(ctx context.Context, log logging.Logger, r *protocol.Reader, resp *response) {
	req, err := protocol.DecodeStepRequest(r)
	if err != nil {
		resp.fail(fmt.Errorf("decode subscription request: %w", err))
		return
	}
	d.advanceStep(ctx, log, req.TimeStep)

	var subs []protocol.SubscriptionRecord
	cam, carReturn := d.state.PendingSubscriptions()
	if cam {
		subs = append(subs, protocol.SubscriptionRecord{Kind: protocol.SubscriptionCamArea, Area: d.state.GetCamArea()})
	}
	if carReturn {
		subs = append(subs, protocol.SubscriptionRecord{Kind: protocol.SubscriptionCarReturnArea, Area: d.state.GetReturningCarArea()})
	}
	for _, s := range subs {
		log.Info(ctx, "offering subscription",
			logging.String("kind", s.Kind.String()),
			logging.String("area", s.Area.String()),
			logging.Int32("node_id", req.ID),
			logging.Int32("timestep", req.TimeStep),
		)
	}
	protocol.EncodeSubscriptions(resp.payload, subs)
}

func (d *Dispatcher) subscribeArea(ctx context.Context, log logging.Logger, r *protocol.Reader, resp *response, set areaSetter) {
	req, err := protocol.DecodeAreaRequest(r)
	if err != nil {
		resp.fail(fmt.Errorf("decode area: %w", err))
		return
	}
	if err := set(ctx, req.X, req.Y, req.Radius); err != nil {
		resp.fail(err)
		return
	}
	log.Debug(ctx, "area stored", logging.String("area", app.Area{X: req.X, Y: req.Y, Radius: req.Radius}.String()))
}

func (d *Dispatcher) receiveVehicles(ctx context.Context, log logging.Logger, r *protocol.Reader, resp *response) {
	vehicles, err := protocol.DecodeVehicles(r)
	if err != nil {
		resp.fail(fmt.Errorf("decode vehicles: %w", err))
		return
	}
	d.state.ProcessSubscriptionCarsInZone(vehicles)
	log.Debug(ctx, "vehicles in zone updated", logging.Int("vehicles", len(vehicles)))
}

func (d *Dispatcher) receiveNotifications(ctx context.Context, log logging.Logger, r *protocol.Reader, resp *response) {
	ids, err := protocol.DecodeMessageIDs(r)
	if err != nil {
		resp.fail(fmt.Errorf("decode message notifications: %w", err))
		return
	}
	report := d.state.ProcessMessageNotifications(ctx, ids)
	log.Debug(ctx, "message notifications processed",
		logging.Int("matched", report.Matched),
		logging.Int("unmatched", len(report.Unmatched)),
	)
}

func (d *Dispatcher) executeApplication(ctx context.Context, log logging.Logger, r *protocol.Reader, resp *response) {
	// Only reachable if a handler ever re-enters the dispatcher; Serve itself is sequential.
	if d.executingStep {
		log.Warn(ctx, "rejecting re-entrant execution")
		resp.fail(ErrExecutionInProgress)
		return
	}
	req, err := protocol.DecodeStepRequest(r)
	if err != nil {
		resp.fail(fmt.Errorf("decode execute request: %w", err))
		return
	}

	d.executingStep = true
	defer func() { d.executingStep = false }()

	d.advanceStep(ctx, log, req.TimeStep)
	msgs := d.state.SendBackExecutionResults(ctx, req.ID, req.TimeStep)
	protocol.EncodeAppMessages(resp.payload, msgs)
	log.Debug(ctx, "execution results sent",
		logging.Int32("sender_id", req.ID),
		logging.Int32("timestep", req.TimeStep),
		logging.Int("messages", len(msgs)),
	)
}

func (d *Dispatcher) advanceStep(ctx context.Context, log logging.Logger, step int32) {
	if d.steps == nil {
		return
	}
	if !d.steps.Advance(step) {
		current, _ := d.steps.Current()
		log.Warn(ctx, "control system timestep went backwards",
			logging.Int32("timestep", step),
			logging.Int32("current", current),
		)
	}
}
