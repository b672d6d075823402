package tydom

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// defaultHealthInterval is how often health is republished.
const defaultHealthInterval = 30 * time.Second

// HealthReporter manages periodic health status reporting.
// It publishes retained health messages to MQTT at regular intervals.
type HealthReporter struct {
	bridgeID  string
	version   string
	topic     string
	host      string
	mode      string
	startTime time.Time
	interval  time.Duration
	publisher HealthPublisher
	session   SessionMonitor
	devices   func() int
	gateway   func() (GatewayInfo, bool)

	// failure is set once the gateway session stopped for good.
	failure   string
	failureMu sync.RWMutex

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// SessionMonitor reports gateway session state. *Session satisfies it.
type SessionMonitor interface {
	IsConnected() bool
	Stats() SessionStats
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	BridgeID string
	Version  string

	// Topic is the retained health topic.
	Topic string

	// Host and Mode describe the gateway connection in health messages.
	Host string
	Mode string

	// Interval is how often to publish health status.
	// Default: 30 seconds.
	Interval time.Duration

	Publisher HealthPublisher
	Session   SessionMonitor

	// DeviceCount returns the number of devices in the registry.
	DeviceCount func() int

	// GatewayInfo returns the last /info record. Optional.
	GatewayInfo func() (GatewayInfo, bool)
}

// NewHealthReporter creates a new health reporter. Call Start to begin
// reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultHealthInterval
	}
	devices := cfg.DeviceCount
	if devices == nil {
		devices = func() int { return 0 }
	}

	return &HealthReporter{
		bridgeID:  cfg.BridgeID,
		version:   cfg.Version,
		topic:     cfg.Topic,
		host:      cfg.Host,
		mode:      cfg.Mode,
		startTime: time.Now(),
		interval:  interval,
		publisher: cfg.Publisher,
		session:   cfg.Session,
		devices:   devices,
		gateway:   cfg.GatewayInfo,
		done:      make(chan struct{}),
	}
}

// Start begins periodic health reporting until ctx is cancelled or Stop
// is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop stops reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown, nothing we can do if it fails
		h.publishStatus(HealthStopping, "")
	})
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// MarkFailed records that the gateway session ended permanently; later
// reports are unhealthy with reason.
func (h *HealthReporter) MarkFailed(reason string) {
	h.failureMu.Lock()
	h.failure = reason
	h.failureMu.Unlock()
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bridge starting")
}

// PublishNow publishes the current health status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

// Current returns the status that PublishNow would report.
func (h *HealthReporter) Current() HealthMessage {
	status, reason := h.determineStatus()
	msg := h.message(status)
	msg.Reason = reason
	return msg
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logError("failed to publish initial health", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

// determineStatus evaluates the current bridge status.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	h.failureMu.RLock()
	failure := h.failure
	h.failureMu.RUnlock()
	if failure != "" {
		return HealthUnhealthy, failure
	}

	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}

	if h.session == nil || !h.session.IsConnected() {
		return HealthDegraded, "gateway disconnected"
	}

	return HealthHealthy, ""
}

func (h *HealthReporter) message(status HealthStatus) HealthMessage {
	var stats SessionStats
	if h.session != nil {
		stats = h.session.Stats()
	}
	msg := NewHealthMessage(h.bridgeID, h.version, status, stats, h.devices(), h.startTime)
	msg.Connection.Host = h.host
	msg.Connection.Mode = h.mode
	if h.gateway != nil {
		if info, ok := h.gateway(); ok {
			msg.Gateway = &info
		}
	}
	return msg
}

func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.publisher == nil {
		return nil
	}

	msg := h.message(status)
	if reason != "" {
		msg.Reason = reason
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return h.publisher.Publish(h.topic, payload, 1, true)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
