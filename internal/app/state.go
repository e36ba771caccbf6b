// Package app holds the per-connection application state: configured
// geofences, the latest vehicle snapshot, and the outbound message registry.
//
// State performs no I/O and carries no locks. The dispatcher serves one
// command at a time, so a State must only be touched from that goroutine.
package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/signalsfoundry/its-app-bridge/internal/logging"
)

// DefaultReservedSenderID identifies the control system as the sender of
// EXECUTE_APPLICATION commands.
const DefaultReservedSenderID int32 = 5000

var (
	// ErrInvalidRadius indicates an area with a non-positive radius.
	ErrInvalidRadius = errors.New("invalid area radius")
	// ErrNegativeTimeStep indicates a negative application start timestep.
	ErrNegativeTimeStep = errors.New("negative application start timestep")
)

// PayloadFunc computes the payload carried by a message generated for a vehicle.
type PayloadFunc func(v Vehicle, timestep int32) float32

// ZeroPayload is the default PayloadFunc.
func ZeroPayload(Vehicle, int32) float32 { return 0 }

// Recorder receives state-level counters. The observability collector
// implements it.
type Recorder interface {
	SetSessionCounts(registeredMessages, vehiclesInArea int)
	AddMessagesGenerated(n int)
	AddNotificationResults(matched, unmatched int)
}

type subscriptionArea struct {
	area      Area
	delivered bool
}

// State is the application logic for one control-system session.
type State struct {
	camArea       subscriptionArea
	carReturnArea subscriptionArea

	// vehiclesInArea is the latest snapshot; every update replaces it.
	vehiclesInArea []Vehicle

	// registered is insertion ordered.
	registered     []AppMessage
	messageCounter int32

	executionStartTimeStep int32
	reservedSenderID       int32
	payload                PayloadFunc

	log     logging.Logger
	metrics Recorder
}

// Option customises State construction.
type Option func(*State)

// WithLogger attaches a logger for validation failures and notification mismatches.
func WithLogger(l logging.Logger) Option {
	return func(s *State) {
		if l != nil {
			s.log = l
		}
	}
}

// WithReservedSenderID overrides the sender id that opens the execution gate.
func WithReservedSenderID(id int32) Option {
	return func(s *State) {
		s.reservedSenderID = id
	}
}

// WithPayloadFunc replaces the placeholder payload computation.
func WithPayloadFunc(fn PayloadFunc) Option {
	return func(s *State) {
		if fn != nil {
			s.payload = fn
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *State) {
		s.metrics = r
	}
}

// NewState returns an empty session state with the execution gate at timestep 0.
func NewState(opts ...Option) *State {
	s := &State{
		reservedSenderID: DefaultReservedSenderID,
		payload:          ZeroPayload,
		log:              logging.Noop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReservedSenderID returns the sender id accepted by the execution gate.
func (s *State) ReservedSenderID() int32 {
	return s.reservedSenderID
}

// SetCamArea stores the CAM area. A re-subscribed area is offered to the
// control system again.
func (s *State) SetCamArea(ctx context.Context, x, y, radius float32) error {
	if err := validateRadius(radius); err != nil {
		s.log.Error(ctx, "rejecting CAM area", logging.Float("radius", float64(radius)), logging.Err(err))
		return fmt.Errorf("cam area: %w", err)
	}
	s.camArea = subscriptionArea{area: Area{X: x, Y: y, Radius: radius}}
	return nil
}

// SetCarArea stores the returning-car area.
func (s *State) SetCarArea(ctx context.Context, x, y, radius float32) error {
	if err := validateRadius(radius); err != nil {
		s.log.Error(ctx, "rejecting returning car area", logging.Float("radius", float64(radius)), logging.Err(err))
		return fmt.Errorf("returning car area: %w", err)
	}
	s.carReturnArea = subscriptionArea{area: Area{X: x, Y: y, Radius: radius}}
	return nil
}

func validateRadius(radius float32) error {
	// NaN fails the comparison too.
	if !(radius > 0) {
		return fmt.Errorf("%w: radius must be positive, got %g", ErrInvalidRadius, radius)
	}
	return nil
}

// SetApplicationStartTimeStep sets the first timestep at which execution
// results are generated.
func (s *State) SetApplicationStartTimeStep(ctx context.Context, timestep int32) error {
	if timestep < 0 {
		err := fmt.Errorf("%w: %d", ErrNegativeTimeStep, timestep)
		s.log.Error(ctx, "rejecting application start timestep", logging.Err(err))
		return err
	}
	s.executionStartTimeStep = timestep
	return nil
}

// ApplicationStartTimeStep returns the execution gate timestep.
func (s *State) ApplicationStartTimeStep() int32 {
	return s.executionStartTimeStep
}

// GetCamArea returns the CAM area and marks it delivered.
func (s *State) GetCamArea() Area {
	s.camArea.delivered = true
	return s.camArea.area
}

// GetReturningCarArea returns the returning-car area and marks it delivered.
func (s *State) GetReturningCarArea() Area {
	s.carReturnArea.delivered = true
	return s.carReturnArea.area
}

// CamAreaDelivered reports whether the CAM area has been read since it was last set.
func (s *State) CamAreaDelivered() bool { return s.camArea.delivered }

// CarAreaDelivered reports whether the returning-car area has been read since it was last set.
func (s *State) CarAreaDelivered() bool { return s.carReturnArea.delivered }

// PendingSubscriptions reports which configured areas have not been delivered
// yet, without marking them.
func (s *State) PendingSubscriptions() (cam, carReturn bool) {
	cam = s.camArea.area.Configured() && !s.camArea.delivered
	carReturn = s.carReturnArea.area.Configured() && !s.carReturnArea.delivered
	return cam, carReturn
}

// ProcessSubscriptionCarsInZone replaces the vehicle snapshot wholesale.
func (s *State) ProcessSubscriptionCarsInZone(vehicles []Vehicle) {
	s.vehiclesInArea = append([]Vehicle(nil), vehicles...)
	s.recordCounts()
}

// ProcessMessageNotifications marks every registered message whose id was
// acknowledged by the control system as ToBeApplied. Each acknowledged id
// that matches no registered message produces one warning.
func (s *State) ProcessMessageNotifications(ctx context.Context, ids []int32) NotificationReport {
	var report NotificationReport

	if len(s.registered) == 0 {
		s.log.Info(ctx, "no registered messages", logging.Int("notifications", len(ids)))
		report.Unmatched = append(report.Unmatched, ids...)
		s.recordNotifications(report)
		return report
	}
	s.log.Info(ctx, "registered messages", logging.String("ids", s.registeredIDs()))

	for _, id := range ids {
		found := false
		for i := range s.registered {
			if s.registered[i].MessageID == id {
				s.registered[i].Status = StatusToBeApplied
				found = true
			}
		}
		if found {
			report.Matched++
			continue
		}
		report.Unmatched = append(report.Unmatched, id)
		s.log.Warn(ctx, "message not registered", logging.Int32("message_id", id))
	}

	s.recordNotifications(report)
	return report
}

// SendBackExecutionResults generates one message per vehicle in the zone and
// returns the whole registry. Messages already acknowledged are returned this
// one last time and then forgotten.
//
// When timestep precedes the application start or senderID is not the
// reserved control-system id, nothing is generated or pruned and the result
// is empty.
func (s *State) SendBackExecutionResults(ctx context.Context, senderID, timestep int32) []AppMessage {
	if timestep < s.executionStartTimeStep || senderID != s.reservedSenderID {
		s.log.Debug(ctx, "execution gate closed",
			logging.Int32("sender_id", senderID),
			logging.Int32("timestep", timestep),
			logging.Int32("start_timestep", s.executionStartTimeStep),
		)
		return []AppMessage{}
	}

	for _, v := range s.vehiclesInArea {
		s.messageCounter++
		s.registered = append(s.registered, AppMessage{
			MessageID:       s.messageCounter,
			Status:          StatusToBeScheduled,
			SenderID:        senderID,
			DestinationID:   v.ID,
			CreatedTimeStep: timestep,
			PayloadValue:    s.payload(v, timestep),
		})
	}
	if s.metrics != nil {
		s.metrics.AddMessagesGenerated(len(s.vehiclesInArea))
	}

	results := append([]AppMessage(nil), s.registered...)

	retained := make([]AppMessage, 0, len(s.registered))
	for _, msg := range s.registered {
		if msg.Status != StatusToBeApplied {
			retained = append(retained, msg)
		}
	}
	s.registered = retained
	s.recordCounts()

	return results
}

func (s *State) registeredIDs() string {
	ids := make([]string, len(s.registered))
	for i, msg := range s.registered {
		ids[i] = strconv.FormatInt(int64(msg.MessageID), 10)
	}
	return strings.Join(ids, ", ")
}

func (s *State) recordCounts() {
	if s.metrics != nil {
		s.metrics.SetSessionCounts(len(s.registered), len(s.vehiclesInArea))
	}
}

func (s *State) recordNotifications(r NotificationReport) {
	if s.metrics != nil {
		s.metrics.AddNotificationResults(r.Matched, len(r.Unmatched))
	}
}

// StateSnapshot is a copy of the session state. Mutating it has no effect
// on the State it came from.
type StateSnapshot struct {
	CamArea                Area
	CamAreaDelivered       bool
	CarReturnArea          Area
	CarAreaDelivered       bool
	VehiclesInArea         []Vehicle
	RegisteredMessages     []AppMessage
	MessageCounter         int32
	ExecutionStartTimeStep int32
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() StateSnapshot {
	return StateSnapshot{
		CamArea:                s.camArea.area,
		CamAreaDelivered:       s.camArea.delivered,
		CarReturnArea:          s.carReturnArea.area,
		CarAreaDelivered:       s.carReturnArea.delivered,
		VehiclesInArea:         append([]Vehicle(nil), s.vehiclesInArea...),
		RegisteredMessages:     append([]AppMessage(nil), s.registered...),
		MessageCounter:         s.messageCounter,
		ExecutionStartTimeStep: s.executionStartTimeStep,
	}
}
