package protocol

import (
	"fmt"

	"github.com/signalsfoundry/its-app-bridge/internal/app"
)

// Record sizes on the wire, used to sanity-check counts before allocating.
const (
	vehicleRecordSize      = 16
	messageIDRecordSize    = 4
	appMessageRecordSize   = 21
	subscriptionRecordSize = 13
)

// StatusRecord prefixes every response frame.
type StatusRecord struct {
	CommandID   Opcode
	Code        StatusCode
	Description string
}

// OK reports whether the command succeeded.
func (s StatusRecord) OK() bool { return s.Code == StatusSuccess }

// Encode writes the command id, status code and description.
func (s StatusRecord) Encode(w *Writer) {
	w.PutUint8(uint8(s.CommandID))
	w.PutUint8(uint8(s.Code))
	w.PutString(s.Description)
}

// DecodeStatusRecord reads the status record at the head of a response.
func DecodeStatusRecord(r *Reader) (StatusRecord, error) {
	id, err := r.Uint8()
	if err != nil {
		return StatusRecord{}, fmt.Errorf("status command id: %w", err)
	}
	code, err := r.Uint8()
	if err != nil {
		return StatusRecord{}, fmt.Errorf("status code: %w", err)
	}
	desc, err := r.Text()
	if err != nil {
		return StatusRecord{}, fmt.Errorf("status description: %w", err)
	}
	return StatusRecord{CommandID: Opcode(id), Code: StatusCode(code), Description: desc}, nil
}

// AreaRequest carries a SUBSCRIBE_*_AREA geofence.
type AreaRequest struct {
	X, Y, Radius float32
}

// Encode writes x, y and radius.
func (a AreaRequest) Encode(w *Writer) {
	w.PutFloat32(a.X)
	w.PutFloat32(a.Y)
	w.PutFloat32(a.Radius)
}

// DecodeAreaRequest reads the body of a SUBSCRIBE_*_AREA command.
func DecodeAreaRequest(r *Reader) (AreaRequest, error) {
	var a AreaRequest
	var err error
	if a.X, err = r.Float32(); err != nil {
		return a, fmt.Errorf("area x: %w", err)
	}
	if a.Y, err = r.Float32(); err != nil {
		return a, fmt.Errorf("area y: %w", err)
	}
	if a.Radius, err = r.Float32(); err != nil {
		return a, fmt.Errorf("area radius: %w", err)
	}
	return a, nil
}

// StepRequest carries an (id, timestep) pair. LOOK_FOR_SUBSCRIPTIONS sends
// the requesting node id; EXECUTE_APPLICATION sends the sender id.
type StepRequest struct {
	ID       int32
	TimeStep int32
}

// Encode writes the id followed by the timestep.
func (s StepRequest) Encode(w *Writer) {
	w.PutInt32(s.ID)
	w.PutInt32(s.TimeStep)
}

// DecodeStepRequest reads an id and a timestep.
func DecodeStepRequest(r *Reader) (StepRequest, error) {
	var s StepRequest
	var err error
	if s.ID, err = r.Int32(); err != nil {
		return s, fmt.Errorf("id: %w", err)
	}
	if s.TimeStep, err = r.Int32(); err != nil {
		return s, fmt.Errorf("timestep: %w", err)
	}
	return s, nil
}

// SubscriptionRecord is one area subscription offered to the control system.
type SubscriptionRecord struct {
	Kind SubscriptionKind
	Area app.Area
}

// EncodeSubscriptions writes a count followed by one record per subscription.
func EncodeSubscriptions(w *Writer, subs []SubscriptionRecord) {
	w.PutUint32(uint32(len(subs)))
	for _, s := range subs {
		w.PutUint8(uint8(s.Kind))
		w.PutFloat32(s.Area.X)
		w.PutFloat32(s.Area.Y)
		w.PutFloat32(s.Area.Radius)
	}
}

// DecodeSubscriptions is the inverse of EncodeSubscriptions.
func DecodeSubscriptions(r *Reader) ([]SubscriptionRecord, error) {
	n, err := r.count(subscriptionRecordSize, "subscription")
	if err != nil {
		return nil, err
	}
	subs := make([]SubscriptionRecord, 0, n)
	for i := 0; i < n; i++ {
		var s SubscriptionRecord
		kind, err := r.Uint8()
		if err != nil {
			return nil, err
		}
		s.Kind = SubscriptionKind(kind)
		req, err := DecodeAreaRequest(r)
		if err != nil {
			return nil, fmt.Errorf("subscription %d: %w", i, err)
		}
		s.Area = app.Area{X: req.X, Y: req.Y, Radius: req.Radius}
		subs = append(subs, s)
	}
	return subs, nil
}

// EncodeVehicles writes a count followed by id, x, y and speed per vehicle.
func EncodeVehicles(w *Writer, vehicles []app.Vehicle) {
	w.PutUint32(uint32(len(vehicles)))
	for _, v := range vehicles {
		w.PutInt32(v.ID)
		w.PutFloat32(v.X)
		w.PutFloat32(v.Y)
		w.PutFloat32(v.Speed)
	}
}

// DecodeVehicles is the inverse of EncodeVehicles.
func DecodeVehicles(r *Reader) ([]app.Vehicle, error) {
	n, err := r.count(vehicleRecordSize, "vehicle")
	if err != nil {
		return nil, err
	}
	vehicles := make([]app.Vehicle, 0, n)
	for i := 0; i < n; i++ {
		var v app.Vehicle
		// count already guaranteed enough bytes for every field.
		v.ID, _ = r.Int32()
		v.X, _ = r.Float32()
		v.Y, _ = r.Float32()
		v.Speed, _ = r.Float32()
		vehicles = append(vehicles, v)
	}
	return vehicles, nil
}

// EncodeMessageIDs writes a count followed by the ids.
func EncodeMessageIDs(w *Writer, ids []int32) {
	w.PutUint32(uint32(len(ids)))
	for _, id := range ids {
		w.PutInt32(id)
	}
}

// DecodeMessageIDs is the inverse of EncodeMessageIDs.
func DecodeMessageIDs(r *Reader) ([]int32, error) {
	n, err := r.count(messageIDRecordSize, "message id")
	if err != nil {
		return nil, err
	}
	ids := make([]int32, 0, n)
	for i := 0; i < n; i++ {
		id, _ := r.Int32()
		ids = append(ids, id)
	}
	return ids, nil
}

// EncodeAppMessages writes a count followed by one 21-byte record per message.
func EncodeAppMessages(w *Writer, msgs []app.AppMessage) {
	w.PutUint32(uint32(len(msgs)))
	for _, m := range msgs {
		w.PutInt32(m.MessageID)
		w.PutUint8(uint8(m.Status))
		w.PutInt32(m.SenderID)
		w.PutInt32(m.DestinationID)
		w.PutInt32(m.CreatedTimeStep)
		w.PutFloat32(m.PayloadValue)
	}
}

// DecodeAppMessages is the inverse of EncodeAppMessages.
func DecodeAppMessages(r *Reader) ([]app.AppMessage, error) {
	n, err := r.count(appMessageRecordSize, "message")
	if err != nil {
		return nil, err
	}
	msgs := make([]app.AppMessage, 0, n)
	for i := 0; i < n; i++ {
		var m app.AppMessage
		m.MessageID, _ = r.Int32()
		status, _ := r.Uint8()
		m.Status = app.MessageStatus(status)
		m.SenderID, _ = r.Int32()
		m.DestinationID, _ = r.Int32()
		m.CreatedTimeStep, _ = r.Int32()
		m.PayloadValue, _ = r.Float32()
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// NewRequest starts a request body with op.
func NewRequest(op Opcode) *Writer {
	w := NewWriter()
	w.PutUint8(uint8(op))
	return w
}
