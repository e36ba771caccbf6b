package protocol

import (
	"errors"
	"fmt"
)

// Opcode identifies a command sent by the control system.
type Opcode uint8

const (
	OpLookForSubscriptions     Opcode = 0x01
	OpSubscribeCamArea         Opcode = 0x02
	OpSubscribeCarReturnArea   Opcode = 0x03
	OpStopSubscriptions        Opcode = 0x04
	OpCheckSubscriptionStatus  Opcode = 0x05
	OpSubscriptionVehiclesZone Opcode = 0x06
	OpMessageStatusNotify      Opcode = 0x07
	OpExecuteApplication       Opcode = 0x08
	// OpClose ends the session after its acknowledgement is flushed.
	OpClose Opcode = 0x7F
)

// ErrUnknownOpcode is returned for opcodes outside the command set.
var ErrUnknownOpcode = errors.New("protocol: unknown opcode")

var opcodeNames = map[Opcode]string{
	OpLookForSubscriptions:     "LOOK_FOR_SUBSCRIPTIONS",
	OpSubscribeCamArea:         "SUBSCRIBE_CAM_AREA",
	OpSubscribeCarReturnArea:   "SUBSCRIBE_CAR_RETURN_AREA",
	OpStopSubscriptions:        "STOP_SUBSCRIPTIONS",
	OpCheckSubscriptionStatus:  "CHECK_SUBSCRIPTION_STATUS",
	OpSubscriptionVehiclesZone: "SUBSCRIPTION_RESULT_VEHICLES_IN_ZONE",
	OpMessageStatusNotify:      "MESSAGE_STATUS_NOTIFICATION",
	OpExecuteApplication:       "EXECUTE_APPLICATION",
	OpClose:                    "CLOSE",
}

// String returns the command name, or UNKNOWN_0xNN for bytes outside the set.
func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_0x%02X", uint8(o))
}

// StatusCode is the outcome reported in every acknowledgement.
type StatusCode uint8

const (
	StatusSuccess StatusCode = 0
	StatusFailure StatusCode = 1
)

// String returns "success" or "failure".
func (s StatusCode) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// SubscriptionKind tags a subscription record returned by LOOK_FOR_SUBSCRIPTIONS.
type SubscriptionKind uint8

const (
	SubscriptionCamArea       SubscriptionKind = 0x01
	SubscriptionCarReturnArea SubscriptionKind = 0x02
)

// String names the subscribed area kind.
func (k SubscriptionKind) String() string {
	switch k {
	case SubscriptionCamArea:
		return "cam_area"
	case SubscriptionCarReturnArea:
		return "car_return_area"
	default:
		return fmt.Sprintf("subscription(%d)", uint8(k))
	}
}
