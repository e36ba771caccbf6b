// Package dispatcher serves one control-system session: it reads a command
// frame, applies it to the session's app.State and answers with a status
// record and payload, strictly one command at a time.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/its-app-bridge/internal/app"
	"github.com/signalsfoundry/its-app-bridge/internal/logging"
	"github.com/signalsfoundry/its-app-bridge/internal/protocol"
	"github.com/signalsfoundry/its-app-bridge/timectrl"
)

const tracerName = "github.com/signalsfoundry/its-app-bridge/internal/dispatcher"

// ErrExecutionInProgress rejects an EXECUTE_APPLICATION received while a step
// is still executing.
var ErrExecutionInProgress = errors.New("execution already in progress")

// ErrResponseTooLarge replaces a response whose encoded body exceeds the
// dispatcher's response limit.
var ErrResponseTooLarge = errors.New("response too large")

// CommandRecorder receives one observation per handled command.
type CommandRecorder interface {
	ObserveCommand(command, status string, d time.Duration)
}

// Dispatcher owns the single connection to the control system.
type Dispatcher struct {
	ch    protocol.Channel
	state *app.State

	log     logging.Logger
	metrics CommandRecorder
	clock   clockwork.Clock
	steps   *timectrl.StepClock

	maxResponse int64

	// executingStep is set while EXECUTE_APPLICATION is being handled.
	executingStep bool
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the base logger; Serve annotates it with a session id.
func WithLogger(l logging.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithMetrics attaches a per-command recorder.
func WithMetrics(m CommandRecorder) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithClock overrides the clock used to time commands.
func WithClock(c clockwork.Clock) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithStepClock makes the dispatcher report every timestep it sees.
func WithStepClock(c *timectrl.StepClock) Option {
	return func(d *Dispatcher) {
		d.steps = c
	}
}

// WithMaxResponseSize caps the encoded response body. Larger responses are
// answered with a failure status instead. Values outside
// (0, protocol.MaxFrameBody] are ignored.
func WithMaxResponseSize(n int64) Option {
	return func(d *Dispatcher) {
		if n > 0 && n <= protocol.MaxFrameBody {
			d.maxResponse = n
		}
	}
}

// New constructs a dispatcher for one connection.
func New(ch protocol.Channel, state *app.State, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		ch:    ch,
		state: state,
		log:   logging.Noop(),
		clock: clockwork.NewRealClock(),

		maxResponse: protocol.MaxFrameBody,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Serve runs the command loop until the peer closes the connection, a CLOSE
// command is acknowledged, or the channel fails. A peer close and CLOSE both
// return nil. Serve does not close the channel.
func (d *Dispatcher) Serve(ctx context.Context) error {
	ctx, log := logging.WithSessionLogger(ctx, d.log)
	tracer := otel.Tracer(tracerName)
	log.Info(ctx, "control system session started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		body, err := d.ch.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Info(ctx, "control system closed the connection")
				return nil
			}
			log.Error(ctx, "reading command failed", logging.Err(err))
			return fmt.Errorf("read command: %w", err)
		}

		stop, err := d.handleFrame(ctx, tracer, log, body)
		if err != nil {
			log.Error(ctx, "writing response failed", logging.Err(err))
			return fmt.Errorf("write response: %w", err)
		}
		if stop {
			log.Info(ctx, "control system requested close")
			return nil
		}
	}
}

// response collects what one handler wants to send back.
type response struct {
	status  protocol.StatusRecord
	payload *protocol.Writer
	stop    bool
}

func (r *response) fail(err error) {
	r.status.Code = protocol.StatusFailure
	r.status.Description = err.Error()
	r.payload = protocol.NewWriter()
}

func (d *Dispatcher) handleFrame(ctx context.Context, tracer trace.Tracer, log logging.Logger, body []byte) (bool, error) {
	start := d.clock.Now()
	r := protocol.NewReader(body)

	resp := &response{payload: protocol.NewWriter()}
	opByte, err := r.Uint8()
	op := protocol.Opcode(opByte)
	resp.status.CommandID = op

	ctx, span := tracer.Start(ctx, "bridge/"+op.String(),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("its.command", op.String()),
			attribute.Int("its.opcode", int(opByte)),
			attribute.String("session_id", logging.SessionIDFromContext(ctx)),
		),
	)
	defer span.End()

	if err != nil {
		resp.fail(fmt.Errorf("empty command frame: %w", err))
	} else {
		d.dispatch(ctx, log.With(logging.String("command", op.String())), op, r, resp)
	}

	out := encodeResponse(resp)
	if int64(out.Len()) > d.maxResponse {
		log.Error(ctx, "response exceeds size limit",
			logging.String("command", op.String()),
			logging.Int("bytes", out.Len()),
		)
		resp.fail(fmt.Errorf("%w: %d bytes", ErrResponseTooLarge, out.Len()))
		out = encodeResponse(resp)
	}
	werr := d.ch.WriteFrame(out.Bytes())

	if !resp.status.OK() {
		span.SetStatus(otelcodes.Error, resp.status.Description)
	}
	if werr != nil {
		span.RecordError(werr)
	}
	if d.metrics != nil {
		d.metrics.ObserveCommand(op.String(), resp.status.Code.String(), d.clock.Since(start))
	}
	return resp.stop, werr
}

func encodeResponse(resp *response) *protocol.Writer {
	out := protocol.NewWriter()
	resp.status.Encode(out)
	out.PutRaw(resp.payload.Bytes())
	return out
}

func (d *Dispatcher) dispatch(ctx context.Context, log logging.Logger, op protocol.Opcode, r *protocol.Reader, resp *response) {
	switch op {
	case protocol.OpLookForSubscriptions:
		d.lookForSubscriptions(ctx, log, r, resp)
	case protocol.OpSubscribeCamArea:
		d.subscribeArea(ctx, log, r, resp, d.state.SetCamArea)
	case protocol.OpSubscribeCarReturnArea:
		d.subscribeArea(ctx, log, r, resp, d.state.SetCarArea)
	case protocol.OpStopSubscriptions:
		log.Info(ctx, "control system told to stop asking for subscriptions")
	case protocol.OpCheckSubscriptionStatus:
		resp.fail(errors.New("subscription status check not supported"))
		resp.payload.PutBool(false)
	case protocol.OpSubscriptionVehiclesZone:
		d.receiveVehicles(ctx, log, r, resp)
	case protocol.OpMessageStatusNotify:
		d.receiveNotifications(ctx, log, r, resp)
	case protocol.OpExecuteApplication:
		d.executeApplication(ctx, log, r, resp)
	case protocol.OpClose:
		resp.stop = true
	default:
		log.Warn(ctx, "unknown command")
		resp.fail(fmt.Errorf("%w: 0x%02X", protocol.ErrUnknownOpcode, uint8(op)))
	}
}
