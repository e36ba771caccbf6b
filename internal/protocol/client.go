package protocol

import (
	"fmt"

	"github.com/signalsfoundry/its-app-bridge/internal/app"
)

// Client is the control-system side of a session. It sends one command and
// waits for its acknowledgement, mirroring the lock-step dispatcher.
type Client struct {
	ch Channel
}

// NewClient wraps a Channel connected to an application.
func NewClient(ch Channel) *Client {
	return &Client{ch: ch}
}

// Close closes the underlying channel.
func (c *Client) Close() error { return c.ch.Close() }

// Call sends op with the fields written by encode and returns the decoded
// status record plus a Reader positioned at the response payload.
func (c *Client) Call(op Opcode, encode func(*Writer)) (StatusRecord, *Reader, error) {
	req := NewRequest(op)
	if encode != nil {
		encode(req)
	}
	if err := c.ch.WriteFrame(req.Bytes()); err != nil {
		return StatusRecord{}, nil, fmt.Errorf("send %s: %w", op, err)
	}
	body, err := c.ch.ReadFrame()
	if err != nil {
		return StatusRecord{}, nil, fmt.Errorf("receive %s response: %w", op, err)
	}
	r := NewReader(body)
	status, err := DecodeStatusRecord(r)
	if err != nil {
		return StatusRecord{}, nil, fmt.Errorf("decode %s response: %w", op, err)
	}
	return status, r, nil
}

// LookForSubscriptions asks which area subscriptions should be configured.
func (c *Client) LookForSubscriptions(nodeID, timestep int32) (StatusRecord, []SubscriptionRecord, error) {
	status, r, err := c.Call(OpLookForSubscriptions, StepRequest{ID: nodeID, TimeStep: timestep}.Encode)
	if err != nil || !status.OK() {
		return status, nil, err
	}
	subs, err := DecodeSubscriptions(r)
	return status, subs, err
}

// SubscribeArea sends SUBSCRIBE_CAM_AREA or SUBSCRIBE_CAR_RETURN_AREA.
func (c *Client) SubscribeArea(op Opcode, area AreaRequest) (StatusRecord, error) {
	status, _, err := c.Call(op, area.Encode)
	return status, err
}

// SendVehicles delivers a vehicles-in-zone subscription result.
func (c *Client) SendVehicles(vehicles []app.Vehicle) (StatusRecord, error) {
	status, _, err := c.Call(OpSubscriptionVehiclesZone, func(w *Writer) { EncodeVehicles(w, vehicles) })
	return status, err
}

// NotifyMessages acknowledges delivered message ids.
func (c *Client) NotifyMessages(ids []int32) (StatusRecord, error) {
	status, _, err := c.Call(OpMessageStatusNotify, func(w *Writer) { EncodeMessageIDs(w, ids) })
	return status, err
}

// Execute asks the application to run one step and returns its message batch.
func (c *Client) Execute(senderID, timestep int32) (StatusRecord, []app.AppMessage, error) {
	status, r, err := c.Call(OpExecuteApplication, StepRequest{ID: senderID, TimeStep: timestep}.Encode)
	if err != nil || !status.OK() {
		return status, nil, err
	}
	msgs, err := DecodeAppMessages(r)
	return status, msgs, err
}
