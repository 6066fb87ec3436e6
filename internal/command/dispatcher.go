// Package command validates control commands, consults the safety gate and
// publishes accepted commands to the bus with an audit trail.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modax/controld/internal/audit"
	"github.com/modax/controld/internal/bus"
	"github.com/modax/controld/internal/metrics"
	"github.com/modax/controld/internal/model"
	"github.com/modax/controld/internal/registry"
	"github.com/modax/controld/internal/safety"
)

var (
	// ErrSafetyRefused means the safety gate blocked the command.
	ErrSafetyRefused = errors.New("safety gate refused command")
	// ErrUnknownDevice means the target device has never reported.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrInvalidCommand means the request failed validation.
	ErrInvalidCommand = errors.New("invalid command")
)

// Parameter bounds for command payloads.
const (
	maxParameters    = 16
	maxParamKeyLen   = 64
	maxParamValueLen = 256
)

var allowedCommands = map[string]bool{
	"start":     true,
	"stop":      true,
	"reset":     true,
	"set_speed": true,
	"set_mode":  true,
}

// Dispatcher gates and publishes control commands. Rate limiting lives at
// the API layer, not here.
type Dispatcher struct {
	registry *registry.Registry
	gate     *safety.Gate
	bus      bus.Bus
	audit    *audit.Logger
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewDispatcher wires the dispatcher; metrics may be nil in tests.
func NewDispatcher(reg *registry.Registry, gate *safety.Gate, b bus.Bus, al *audit.Logger, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: reg,
		gate:     gate,
		bus:      b,
		audit:    al,
		metrics:  m,
		logger:   logger.With("component", "command"),
	}
}

// Dispatch validates the request, checks the gate at the instant of
// dispatch, and publishes with QoS 1 on the device-scoped command topic.
func (d *Dispatcher) Dispatch(ctx context.Context, req model.CommandRequest, actor, requestID string) error {
	if err := validate(req); err != nil {
		d.count("invalid")
		return err
	}
	if !d.registry.Known(req.DeviceID) {
		d.count("unknown_device")
		return fmt.Errorf("%w: %s", ErrUnknownDevice, req.DeviceID)
	}

	auditCtx := map[string]any{
		"device_id":    req.DeviceID,
		"command_type": req.CommandType,
		"request_id":   requestID,
	}

	if !d.gate.Evaluate(d.registry.OnlineSafety()) {
		d.count("blocked")
		d.audit.Emit(audit.EventControlBlocked, audit.SeverityWarning, actor, "dispatch", auditCtx)
		d.logger.Warn("command blocked by safety gate",
			"device_id", req.DeviceID, "command_type", req.CommandType, "request_id", requestID)
		return fmt.Errorf("%w: %s %s", ErrSafetyRefused, req.CommandType, req.DeviceID)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		d.count("invalid")
		return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	topic := bus.TopicControlCommands + "/" + req.DeviceID
	if err := d.bus.Publish(ctx, topic, 1, payload); err != nil {
		d.count("publish_failed")
		d.audit.Emit(audit.EventControlFailed, audit.SeverityCritical, actor, "dispatch", auditCtx)
		d.logger.Error("command publish failed",
			"device_id", req.DeviceID, "error", err, "request_id", requestID)
		return err
	}

	d.count("executed")
	d.audit.Emit(audit.EventControlExecuted, audit.SeverityInfo, actor, "dispatch", auditCtx)
	d.logger.Info("command dispatched",
		"device_id", req.DeviceID, "command_type", req.CommandType, "request_id", requestID)
	return nil
}

func (d *Dispatcher) count(result string) {
	if d.metrics != nil {
		d.metrics.CommandsDispatched.WithLabelValues(result).Inc()
	}
}

func validate(req model.CommandRequest) error {
	if req.DeviceID == "" {
		return fmt.Errorf("%w: missing device_id", ErrInvalidCommand)
	}
	if !allowedCommands[req.CommandType] {
		return fmt.Errorf("%w: command_type %q not allowed", ErrInvalidCommand, req.CommandType)
	}
	if len(req.Parameters) > maxParameters {
		return fmt.Errorf("%w: %d parameters exceeds limit %d", ErrInvalidCommand, len(req.Parameters), maxParameters)
	}
	for k, v := range req.Parameters {
		if len(k) == 0 || len(k) > maxParamKeyLen {
			return fmt.Errorf("%w: parameter key length %d", ErrInvalidCommand, len(k))
		}
		if len(v) > maxParamValueLen {
			return fmt.Errorf("%w: parameter %q value length %d", ErrInvalidCommand, k, len(v))
		}
	}
	return nil
}
