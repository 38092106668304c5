// Package service provides the ServiceManager base that every one of
// S/C/Y/H embeds: the PUB.SERVICE.{START,STOP} lifecycle beacon and a
// fan-out listener that logs peer beacons, grounded on the original's
// common.service.ServiceManager.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonathonfletcher/poq/internal/bus"
	"github.com/jonathonfletcher/poq/internal/schema"
	"github.com/jonathonfletcher/poq/internal/telemetry"
)

const serviceStartSubject = "PUB.SERVICE.START"
const serviceStopSubject = "PUB.SERVICE.STOP"

// Manager is embedded by each top-level service (SessionService,
// CharacterService, SystemService, ChatterService) to get the shared
// startup/shutdown beacon behavior for free.
type Manager struct {
	Bus       bus.Client
	Telemetry telemetry.Handle
	Type      schema.ServiceType
}

// NewManager builds a Manager for the given service type.
func NewManager(b bus.Client, handle telemetry.Handle, typ schema.ServiceType) Manager {
	return Manager{Bus: b, Telemetry: handle, Type: typ}
}

func (m Manager) logger() *slog.Logger {
	if m.Telemetry.Logger != nil {
		return m.Telemetry.Logger
	}
	return slog.Default()
}

// StartBeacon publishes a ServiceStart(type=Type) beacon and subscribes
// fan-out to peer beacons (informational only).
func (m Manager) StartBeacon(ctx context.Context) error {
	if _, err := m.Bus.Publish(ctx, serviceStartSubject, m.beacon(), false, nil, 0); err != nil {
		return err
	}
	_, err := m.Bus.Subscribe(serviceStartSubject, false, m.serviceStartupCB)
	return err
}

// StopBeacon unsubscribes from peer beacons and publishes a
// ServiceStart(type=Type) beacon on the stop subject.
func (m Manager) StopBeacon(ctx context.Context) error {
	_, _ = m.Bus.Unsubscribe(serviceStartSubject)
	_, err := m.Bus.Publish(ctx, serviceStopSubject, m.beacon(), false, nil, 0)
	return err
}

func (m Manager) beacon() []byte {
	payload, _ := schema.Marshal(schema.ServiceStart{Type: m.Type, Timestamp: time.Now().UTC().UnixNano()})
	return payload
}

func (m Manager) serviceStartupCB(_ context.Context, _ string, payload []byte) ([]byte, error) {
	var msg schema.ServiceStart
	if err := schema.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	m.logger().Info("peer service started", "type", msg.Type, "timestamp", msg.Timestamp)
	return nil, nil
}
