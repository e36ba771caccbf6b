package app

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
)

type recordingRecorder struct {
	registered, vehicles int
	generated            int
	matched, unmatched   int
}

func (r *recordingRecorder) SetSessionCounts(registered, vehicles int) {
	r.registered, r.vehicles = registered, vehicles
}
func (r *recordingRecorder) AddMessagesGenerated(n int) { r.generated += n }
func (r *recordingRecorder) AddNotificationResults(matched, unmatched int) {
	r.matched += matched
	r.unmatched += unmatched
}

func TestSetCamAreaRejectsNonPositiveRadius(t *testing.T) {
	ctx := context.Background()
	s := NewState()

	if err := s.SetCamArea(ctx, 10, 10, 50); err != nil {
		t.Fatalf("SetCamArea(10,10,50): %v", err)
	}
	before := s.Snapshot().CamArea

	for _, radius := range []float32{0, -1, -0.0001, float32(math.NaN())} {
		err := s.SetCamArea(ctx, 99, 99, radius)
		if !errors.Is(err, ErrInvalidRadius) {
			t.Fatalf("SetCamArea radius=%v err = %v, want ErrInvalidRadius", radius, err)
		}
		if got := s.Snapshot().CamArea; got != before {
			t.Fatalf("CAM area changed after rejected update: got %v want %v", got, before)
		}
	}

	if got := s.GetCamArea(); got != (Area{X: 10, Y: 10, Radius: 50}) {
		t.Fatalf("GetCamArea = %v, want (10,10,50)", got)
	}
}

func TestSetCarAreaRejectsNonPositiveRadius(t *testing.T) {
	ctx := context.Background()
	s := NewState()

	if err := s.SetCarArea(ctx, 1, 2, 0); !errors.Is(err, ErrInvalidRadius) {
		t.Fatalf("SetCarArea radius=0 err = %v, want ErrInvalidRadius", err)
	}
	if got := s.Snapshot().CarReturnArea; got != (Area{}) {
		t.Fatalf("car area should be untouched, got %v", got)
	}

	if err := s.SetCarArea(ctx, 1, 2, 3); err != nil {
		t.Fatalf("SetCarArea: %v", err)
	}
	if got := s.GetReturningCarArea(); got != (Area{X: 1, Y: 2, Radius: 3}) {
		t.Fatalf("GetReturningCarArea = %v", got)
	}
}

func TestSetApplicationStartTimeStep(t *testing.T) {
	ctx := context.Background()
	s := NewState()

	if err := s.SetApplicationStartTimeStep(ctx, -1); !errors.Is(err, ErrNegativeTimeStep) {
		t.Fatalf("err = %v, want ErrNegativeTimeStep", err)
	}
	if got := s.ApplicationStartTimeStep(); got != 0 {
		t.Fatalf("start timestep = %d, want 0 after rejected update", got)
	}
	if err := s.SetApplicationStartTimeStep(ctx, 5); err != nil {
		t.Fatalf("SetApplicationStartTimeStep(5): %v", err)
	}
	if got := s.ApplicationStartTimeStep(); got != 5 {
		t.Fatalf("start timestep = %d, want 5", got)
	}
}

func TestAreaDeliveredFlag(t *testing.T) {
	ctx := context.Background()
	s := NewState()

	if cam, car := s.PendingSubscriptions(); cam || car {
		t.Fatalf("unconfigured areas should not be pending")
	}

	_ = s.SetCamArea(ctx, 1, 1, 1)
	_ = s.SetCarArea(ctx, 2, 2, 2)
	if cam, car := s.PendingSubscriptions(); !cam || !car {
		t.Fatalf("configured areas should be pending, got cam=%v car=%v", cam, car)
	}

	s.GetCamArea()
	if !s.CamAreaDelivered() || s.CarAreaDelivered() {
		t.Fatalf("only the CAM area should be delivered")
	}
	s.GetReturningCarArea()
	if cam, car := s.PendingSubscriptions(); cam || car {
		t.Fatalf("delivered areas should not be pending")
	}

	_ = s.SetCamArea(ctx, 5, 5, 5)
	if s.CamAreaDelivered() {
		t.Fatalf("re-subscribed CAM area should be offered again")
	}
}

func TestProcessSubscriptionCarsInZoneReplacesSnapshot(t *testing.T) {
	s := NewState()
	s.ProcessSubscriptionCarsInZone([]Vehicle{{ID: 1}, {ID: 2}})
	s.ProcessSubscriptionCarsInZone([]Vehicle{{ID: 3}})

	got := s.Snapshot().VehiclesInArea
	if !reflect.DeepEqual(got, []Vehicle{{ID: 3}}) {
		t.Fatalf("vehicles = %v, want only vehicle 3", got)
	}

	input := []Vehicle{{ID: 9}}
	s.ProcessSubscriptionCarsInZone(input)
	input[0].ID = 10
	if got := s.Snapshot().VehiclesInArea[0].ID; got != 9 {
		t.Fatalf("state aliased caller slice: id = %d", got)
	}
}

func TestSendBackExecutionResultsGateClosed(t *testing.T) {
	ctx := context.Background()
	s := NewState()
	if err := s.SetApplicationStartTimeStep(ctx, 5); err != nil {
		t.Fatalf("SetApplicationStartTimeStep: %v", err)
	}
	s.ProcessSubscriptionCarsInZone([]Vehicle{{ID: 1}, {ID: 2}})
	before := s.Snapshot()

	if got := s.SendBackExecutionResults(ctx, DefaultReservedSenderID, 4); len(got) != 0 {
		t.Fatalf("timestep before start: got %d messages, want 0", len(got))
	}
	if got := s.SendBackExecutionResults(ctx, 42, 10); len(got) != 0 {
		t.Fatalf("foreign sender: got %d messages, want 0", len(got))
	}
	if after := s.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Fatalf("closed gate mutated state:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestSendBackExecutionResultsGeneratesOnePerVehicle(t *testing.T) {
	ctx := context.Background()
	s := NewState()
	vehicles := []Vehicle{{ID: 11}, {ID: 12}, {ID: 13}}
	s.ProcessSubscriptionCarsInZone(vehicles)

	got := s.SendBackExecutionResults(ctx, DefaultReservedSenderID, 7)
	if len(got) != len(vehicles) {
		t.Fatalf("got %d messages, want %d", len(got), len(vehicles))
	}

	seen := make(map[int32]int)
	for i, msg := range got {
		if msg.MessageID != int32(i+1) {
			t.Fatalf("message %d id = %d, want %d", i, msg.MessageID, i+1)
		}
		if msg.Status != StatusToBeScheduled {
			t.Fatalf("message %d status = %v, want to_be_scheduled", i, msg.Status)
		}
		if msg.SenderID != DefaultReservedSenderID || msg.CreatedTimeStep != 7 || msg.PayloadValue != 0 {
			t.Fatalf("unexpected message fields: %+v", msg)
		}
		seen[msg.DestinationID]++
	}
	for _, v := range vehicles {
		if seen[v.ID] != 1 {
			t.Fatalf("vehicle %d addressed %d times, want 1", v.ID, seen[v.ID])
		}
	}
	if n := len(s.Snapshot().RegisteredMessages); n != 3 {
		t.Fatalf("registry size = %d, want 3", n)
	}
}

func TestMessageIDsStrictlyIncrease(t *testing.T) {
	ctx := context.Background()
	s := NewState()
	s.ProcessSubscriptionCarsInZone([]Vehicle{{ID: 1}, {ID: 2}})

	last := int32(0)
	seen := make(map[int32]bool)
	for step := int32(0); step < 5; step++ {
		for _, msg := range s.SendBackExecutionResults(ctx, DefaultReservedSenderID, step) {
			if msg.CreatedTimeStep != step {
				continue
			}
			if msg.MessageID <= last || seen[msg.MessageID] {
				t.Fatalf("message id %d not strictly increasing after %d", msg.MessageID, last)
			}
			seen[msg.MessageID] = true
			last = msg.MessageID
		}
	}
	if last != 10 {
		t.Fatalf("last id = %d, want 10", last)
	}
}

func TestNotificationLifecycle(t *testing.T) {
	ctx := context.Background()
	rec := &recordingRecorder{}
	s := NewState(WithRecorder(rec))
	s.ProcessSubscriptionCarsInZone([]Vehicle{{ID: 1}, {ID: 2}, {ID: 3}})
	s.SendBackExecutionResults(ctx, DefaultReservedSenderID, 0)

	report := s.ProcessMessageNotifications(ctx, []int32{2, 99})
	if report.Matched != 1 || !reflect.DeepEqual(report.Unmatched, []int32{99}) {
		t.Fatalf("report = %+v, want 1 matched and [99] unmatched", report)
	}

	for _, msg := range s.Snapshot().RegisteredMessages {
		want := StatusToBeScheduled
		if msg.MessageID == 2 {
			want = StatusToBeApplied
		}
		if msg.Status != want {
			t.Fatalf("message %d status = %v, want %v", msg.MessageID, msg.Status, want)
		}
	}

	// No vehicles this step, so the result is the registry itself.
	s.ProcessSubscriptionCarsInZone(nil)
	results := s.SendBackExecutionResults(ctx, DefaultReservedSenderID, 1)
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3 (applied message returned once more)", len(results))
	}

	remaining := s.Snapshot().RegisteredMessages
	if len(remaining) != 2 {
		t.Fatalf("registry size = %d, want 2", len(remaining))
	}
	for _, msg := range remaining {
		if msg.Status != StatusToBeScheduled || msg.MessageID == 2 {
			t.Fatalf("unexpected entry left in registry: %+v", msg)
		}
	}

	again := s.SendBackExecutionResults(ctx, DefaultReservedSenderID, 2)
	for _, msg := range again {
		if msg.MessageID == 2 {
			t.Fatalf("applied message resurfaced: %+v", msg)
		}
	}

	if rec.matched != 1 || rec.unmatched != 1 || rec.generated != 3 || rec.registered != 2 {
		t.Fatalf("recorder = %+v", rec)
	}
}

func TestPruneConsecutiveAppliedEntries(t *testing.T) {
	ctx := context.Background()
	s := NewState()
	s.ProcessSubscriptionCarsInZone([]Vehicle{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}})
	s.SendBackExecutionResults(ctx, DefaultReservedSenderID, 0)
	s.ProcessSubscriptionCarsInZone(nil)

	s.ProcessMessageNotifications(ctx, []int32{2, 3})
	s.SendBackExecutionResults(ctx, DefaultReservedSenderID, 1)

	var ids []int32
	for _, msg := range s.Snapshot().RegisteredMessages {
		ids = append(ids, msg.MessageID)
	}
	if !reflect.DeepEqual(ids, []int32{1, 4}) {
		t.Fatalf("remaining ids = %v, want [1 4]", ids)
	}
}

func TestNotificationsWithEmptyRegistry(t *testing.T) {
	s := NewState()
	report := s.ProcessMessageNotifications(context.Background(), []int32{1, 2})
	if report.Matched != 0 || len(report.Unmatched) != 2 {
		t.Fatalf("report = %+v", report)
	}
}

func TestReservedSenderIDAndPayloadOptions(t *testing.T) {
	ctx := context.Background()
	s := NewState(
		WithReservedSenderID(77),
		WithPayloadFunc(func(v Vehicle, _ int32) float32 { return v.Speed + 10 }),
	)
	s.ProcessSubscriptionCarsInZone([]Vehicle{{ID: 1, Speed: 3}})

	if got := s.SendBackExecutionResults(ctx, DefaultReservedSenderID, 0); len(got) != 0 {
		t.Fatalf("default sender id should be rejected once overridden")
	}
	got := s.SendBackExecutionResults(ctx, 77, 0)
	if len(got) != 1 || got[0].PayloadValue != 13 {
		t.Fatalf("results = %+v, want one message with payload 13", got)
	}
}
