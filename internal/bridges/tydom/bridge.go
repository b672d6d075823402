package tydom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/tydom-bridge/internal/device"
	"github.com/nerrad567/tydom-bridge/internal/infrastructure/mqtt"
)

// Bridge operation constants.
const (
	// commandTimeout bounds one host command including the gateway write.
	commandTimeout = 10 * time.Second

	// persistTimeout bounds snapshot, history and cache writes.
	persistTimeout = 5 * time.Second
)

// Bridge connects the gateway session to the host platform over MQTT.
// It handles:
//   - Routing gateway frames into the device registry
//   - Publishing discovery and retained state for created and updated devices
//   - Executing host commands and acknowledging them
//   - Health reporting and graceful shutdown
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	session    GatewaySession
	router     *Router
	registry   *device.Registry
	controller *Controller
	mqtt       MQTTClient
	topics     mqtt.Topics
	health     *HealthReporter
	filter     AttributeFilter

	// Optional collaborators (nil disables them).
	history   device.StateHistoryRepository
	snapshots device.SnapshotRepository
	cache     StateCache
	telemetry Telemetry
	metrics   Metrics

	// announced tracks the kind and attribute key count each device's
	// discovery message covered. Keys are never removed, so a larger
	// count means new entities.
	announced   map[string]announcement
	announcedMu sync.Mutex

	runErr chan error

	// Shutdown coordination
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	logger   Logger
	loggerMu sync.RWMutex
}

// GatewaySession is the session surface the bridge drives. *Session
// satisfies it.
type GatewaySession interface {
	Sender
	SessionMonitor
	Run(ctx context.Context, handler FrameHandler) error
}

// MQTTClient is the interface for MQTT operations.
// *mqtt.Client satisfies it; tests use a mock.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// StateCache mirrors device snapshots. *statecache.Cache satisfies it.
type StateCache interface {
	Set(ctx context.Context, uniqueID string, snapshot []byte) error
}

// Telemetry records numeric readings. *influxdb.Client satisfies it.
type Telemetry interface {
	WriteAttribute(uniqueID, kind, name string, value float64)
	WriteEnergyReading(uniqueID, reading string, value float64)
}

// Metrics counts bridge activity. *metrics.Collector satisfies it.
type Metrics interface {
	FrameRouted(kind string)
	FrameDropped()
	DeltasAppliedAdd(n int)
	SetDevices(n int)
	PublishFailed()
	Command(name string, err error)
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// Required collaborators.
	Session  GatewaySession
	Router   *Router
	Registry *device.Registry
	MQTT     MQTTClient

	// Topics builds MQTT topic names; a zero value uses the default prefix.
	Topics mqtt.Topics

	// Controller settings: gateway MAC, alarm PIN and zones.
	Controller ControllerConfig

	// AttributeFilter lists attributes never exposed as entities.
	AttributeFilter []string

	// BridgeID and Version appear in health messages.
	BridgeID       string
	Version        string
	HealthInterval time.Duration

	// Host and Mode describe the gateway connection in health messages.
	Host string
	Mode Mode

	// Optional collaborators.
	History   device.StateHistoryRepository
	Snapshots device.SnapshotRepository
	Cache     StateCache
	Telemetry Telemetry
	Metrics   Metrics

	Logger Logger
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if opts.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.MQTT == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}

	topics := opts.Topics
	if topics.Prefix == "" {
		topics = mqtt.NewTopics("")
	}
	bridgeID := opts.BridgeID
	if bridgeID == "" {
		bridgeID = Protocol
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		session:    opts.Session,
		router:     opts.Router,
		registry:   opts.Registry,
		controller: NewController(opts.Session, opts.Registry, opts.Router.Catalog(), opts.Controller),
		mqtt:       opts.MQTT,
		topics:     topics,
		filter:     NewAttributeFilter(opts.AttributeFilter),
		history:    opts.History,
		snapshots:  opts.Snapshots,
		cache:      opts.Cache,
		telemetry:  opts.Telemetry,
		metrics:    opts.Metrics,
		announced:  make(map[string]announcement),
		runErr:     make(chan error, 1),
		done:       make(chan struct{}),
		ctx:        ctx,
		ctxCancel:  ctxCancel,
		logger:     opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:    bridgeID,
		Version:     opts.Version,
		Topic:       topics.Health(),
		Host:        opts.Host,
		Mode:        opts.Mode.String(),
		Interval:    opts.HealthInterval,
		Publisher:   opts.MQTT,
		Session:     opts.Session,
		DeviceCount: opts.Registry.Count,
		GatewayInfo: opts.Router.GatewayInfo,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start begins bridge operation: it announces devices already in the
// registry, subscribes to commands, starts health reporting and the
// session loop, then sends the bootstrap sequence. A bootstrap failure is
// returned and the bridge should be stopped.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	b.registry.OnCreated(b)
	for _, dev := range b.registry.List() {
		b.DeviceCreated(dev)
	}

	commandTopic := b.topics.AllCommands()
	if err := b.mqtt.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	b.health.Start(ctx)

	b.wg.Add(1)
	go b.runSession()

	if err := b.session.Bootstrap(ctx); err != nil {
		return fmt.Errorf("gateway bootstrap: %w", err)
	}

	b.logInfo("bridge started", "devices", b.registry.Count())
	return nil
}

// runSession drives the session until Stop. A permanent failure marks the
// bridge unhealthy and is reported on Err.
func (b *Bridge) runSession() {
	defer b.wg.Done()

	err := b.session.Run(b.ctx, b.handleFrame)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	b.logError("gateway session stopped", err)
	b.health.MarkFailed(err.Error())
	if perr := b.health.PublishNow(); perr != nil {
		b.logError("failed to publish health", perr)
	}
	b.runErr <- err
}

// Err delivers the error that ended the session loop, if it ends on its own.
func (b *Bridge) Err() <-chan error {
	return b.runErr
}

// Stop gracefully shuts down the bridge.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)

		// Cancel bridge context to stop the session loop and in-flight commands
		b.ctxCancel()

		// Publishes "stopping" status
		b.health.Stop()

		b.wg.Wait()

		b.logInfo("bridge stopped")
	})
}

// handleFrame routes one gateway frame into the registry. It runs on the
// session consumer loop.
func (b *Bridge) handleFrame(f *Frame) {
	kind, deltas := b.router.Route(f)
	if b.metrics != nil {
		b.metrics.FrameRouted(string(kind))
		if kind == MsgUnknown && len(f.Body) > 0 {
			b.metrics.FrameDropped()
		}
	}
	if len(deltas) == 0 {
		return
	}

	b.registry.Apply(deltas)

	if b.metrics != nil {
		b.metrics.DeltasAppliedAdd(len(deltas))
		b.metrics.SetDevices(b.registry.Count())
	}

	for _, d := range deltas {
		b.recordDelta(d, kind)
	}
}

// recordDelta writes a merged delta to history and telemetry.
func (b *Bridge) recordDelta(d device.Delta, kind MessageKind) {
	if b.history != nil {
		ctx, cancel := context.WithTimeout(b.ctx, persistTimeout)
		if err := b.history.RecordStateChange(ctx, d.UniqueID, d.Attributes, device.StateHistorySourceGateway); err != nil {
			b.logError("failed to record state history", err)
		}
		cancel()
	}

	if b.telemetry == nil {
		return
	}
	devKind := string(d.Kind)
	if dev, ok := b.registry.Get(d.UniqueID); ok {
		devKind = string(dev.Kind())
	}
	for name, v := range d.Attributes {
		n, ok := v.(float64)
		if !ok {
			continue
		}
		if kind == MsgCData {
			b.telemetry.WriteEnergyReading(d.UniqueID, name, n)
			continue
		}
		b.telemetry.WriteAttribute(d.UniqueID, devKind, name, n)
	}
}

// DeviceCreated announces a new device and subscribes to its updates.
func (b *Bridge) DeviceCreated(dev *device.Device) {
	b.registry.Subscribe(dev.UniqueID(), b)

	snap := dev.Snapshot()
	b.publishDiscovery(snap)
	b.publishState(snap)
	b.persist(snap)
}

type announcement struct {
	kind  device.Kind
	attrs int
}

// DeviceUpdated republishes state, and discovery when new attributes
// appeared or the kind was resolved.
func (b *Bridge) DeviceUpdated(dev *device.Device) {
	snap := dev.Snapshot()

	b.announcedMu.Lock()
	prev := b.announced[snap.UniqueID]
	b.announcedMu.Unlock()
	if len(snap.Attributes) > prev.attrs || snap.Kind != prev.kind {
		b.publishDiscovery(snap)
	}

	b.publishState(snap)
	b.persist(snap)
}

func (b *Bridge) publishDiscovery(snap device.Snapshot) {
	msg := BuildDiscovery(snap, b.filter)
	if err := b.publishJSON(b.topics.Discovery(snap.UniqueID), msg, true); err != nil {
		b.logError("failed to publish discovery", err)
		return
	}
	b.announcedMu.Lock()
	b.announced[snap.UniqueID] = announcement{kind: snap.Kind, attrs: len(snap.Attributes)}
	b.announcedMu.Unlock()
}

func (b *Bridge) publishState(snap device.Snapshot) {
	if err := b.publishJSON(b.topics.State(snap.UniqueID), NewStateMessage(snap), true); err != nil {
		b.logError("failed to publish state", err)
	}
}

// persist stores the snapshot for warm start and mirrors it to the cache.
func (b *Bridge) persist(snap device.Snapshot) {
	if b.snapshots == nil && b.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, persistTimeout)
	defer cancel()

	if b.snapshots != nil {
		if err := b.snapshots.Save(ctx, snap); err != nil {
			b.logError("failed to save device snapshot", err)
		}
	}
	if b.cache != nil {
		payload, err := json.Marshal(snap)
		if err != nil {
			b.logError("failed to marshal snapshot", err)
			return
		}
		if err := b.cache.Set(ctx, snap.UniqueID, payload); err != nil {
			b.logError("failed to cache device state", err)
		}
	}
}

func (b *Bridge) publishJSON(topic string, v any, retained bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	if err := b.mqtt.Publish(topic, payload, 1, retained); err != nil {
		if b.metrics != nil {
			b.metrics.PublishFailed()
		}
		return err
	}
	return nil
}

// handleMQTTMessage receives commands on {prefix}/command/{unique_id}.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) error {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("parse command on %s: %w", topic, err)
	}
	if cmd.DeviceID == "" {
		cmd.DeviceID = topic[strings.LastIndexByte(topic, '/')+1:]
	}
	if cmd.Source == "" {
		cmd.Source = "mqtt"
	}

	ack := b.ExecuteCommand(b.ctx, cmd)
	if err := b.publishJSON(b.topics.Ack(cmd.DeviceID), ack, false); err != nil {
		b.logError("failed to publish ack", err)
	}
	return nil
}

// ExecuteCommand runs a host command and returns its acknowledgement.
func (b *Bridge) ExecuteCommand(ctx context.Context, cmd CommandMessage) AckMessage {
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	path, err := b.controller.Execute(ctx, cmd)
	if b.metrics != nil {
		b.metrics.Command(cmd.Command, err)
	}
	if err != nil {
		code := ErrorCode(err)
		b.logError("command failed", fmt.Errorf("%s %s (%s): %w", cmd.Command, cmd.DeviceID, code, err))
		return NewAckError(cmd, code, err.Error())
	}

	b.logInfo("command sent", "command", cmd.Command, "device_id", cmd.DeviceID, "path", path, "source", cmd.Source)
	b.recordCommand(cmd)
	return NewAckMessage(cmd, AckAccepted, path)
}

// recordCommand adds an accepted command to the device history.
func (b *Bridge) recordCommand(cmd CommandMessage) {
	if b.history == nil {
		return
	}
	if _, ok := b.registry.Get(cmd.DeviceID); !ok {
		return
	}
	attrs := device.Attributes{"command": cmd.Command}
	for k, v := range cmd.Parameters {
		if k != "pin" {
			attrs[k] = v
		}
	}
	ctx, cancel := context.WithTimeout(b.ctx, persistTimeout)
	defer cancel()
	if err := b.history.RecordStateChange(ctx, cmd.DeviceID, attrs, device.StateHistorySourceCommand); err != nil {
		b.logError("failed to record command history", err)
	}
}

// ActivateScenario triggers a gateway scenario.
func (b *Bridge) ActivateScenario(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	_, err := b.controller.ActivateScenario(ctx, id)
	if b.metrics != nil {
		b.metrics.Command(CmdActivateScenario, err)
	}
	return err
}

// Health returns the current health report.
func (b *Bridge) Health() HealthMessage {
	return b.health.Current()
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
	b.health.SetLogger(logger)
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
