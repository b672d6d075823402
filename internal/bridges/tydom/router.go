package tydom

import (
	"bytes"
	"net/url"
	"strings"
	"sync"

	"github.com/nerrad567/tydom-bridge/internal/device"
)

// MessageKind is the semantic class of a decoded frame.
type MessageKind string

// Message kinds, in classification order.
const (
	MsgPing      MessageKind = "msg_ping"
	MsgConfig    MessageKind = "msg_config"
	MsgCMetadata MessageKind = "msg_cmetadata"
	MsgMetadata  MessageKind = "msg_metadata"
	MsgData      MessageKind = "msg_data"
	MsgCData     MessageKind = "msg_cdata"
	MsgInfo      MessageKind = "msg_info"
	MsgScenarios MessageKind = "msg_scenarios"
	MsgGroups    MessageKind = "msg_groups"
	MsgUnknown   MessageKind = "msg_unknown"
)

// Classify decides what a frame is about. Rules on the resource path are
// checked before rules on the body shape, and the first match wins.
func Classify(resource string, body []byte) MessageKind {
	p := resourcePath(resource)

	switch {
	case strings.Contains(p, "/ping"):
		return MsgPing
	case strings.Contains(p, "/configs/file"):
		return MsgConfig
	case strings.Contains(p, "/devices/cmeta"):
		return MsgCMetadata
	case strings.Contains(p, "/devices/meta"):
		return MsgMetadata
	case strings.HasPrefix(p, "/devices/") && strings.HasSuffix(p, "/data"):
		return MsgData
	case strings.HasSuffix(p, "/cdata"):
		return MsgCData
	case p == "/info":
		return MsgInfo
	case strings.Contains(p, "/scenarios/file"):
		return MsgScenarios
	case strings.Contains(p, "/groups/file"):
		return MsgGroups
	}

	switch {
	case hasLeadingIDKey(body) && !bytes.Contains(body, []byte(`"cdata"`)):
		return MsgData
	case bytes.Contains(body, []byte(`"cdata"`)):
		return MsgCData
	default:
		return MsgUnknown
	}
}

// resourcePath strips the query string from a resource.
func resourcePath(resource string) string {
	if i := strings.IndexByte(resource, '?'); i >= 0 {
		return resource[:i]
	}
	return resource
}

// hasLeadingIDKey reports whether the first object in body starts with an
// "id" key, the shape of a device data report.
func hasLeadingIDKey(body []byte) bool {
	b := bytes.TrimLeft(body, " \t\r\n[")
	b = bytes.TrimLeft(b, " \t\r\n{")
	if len(body) == len(b) {
		return false
	}
	return bytes.HasPrefix(b, []byte(`"id"`))
}

// Router turns decoded frames into device deltas. It owns the writes to
// the catalog and the poll set; only the session consumer loop calls
// Route.
type Router struct {
	catalog    *device.Catalog
	polls      *PollSet
	gatewayMAC string

	loggerMu sync.RWMutex
	logger   Logger

	infoMu sync.RWMutex
	info   *GatewayInfo
}

// NewRouter creates a router that fills catalog and polls. gatewayMAC is
// the fallback identity of the gateway device when /info omits it.
func NewRouter(catalog *device.Catalog, polls *PollSet, gatewayMAC string) *Router {
	if polls == nil {
		polls = NewPollSet()
	}
	return &Router{
		catalog:    catalog,
		polls:      polls,
		gatewayMAC: NormalizeMAC(gatewayMAC),
		logger:     noopLogger{},
	}
}

// SetLogger sets the logger.
func (r *Router) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	defer r.loggerMu.Unlock()
	if logger == nil {
		logger = noopLogger{}
	}
	r.logger = logger
}

func (r *Router) log() Logger {
	r.loggerMu.RLock()
	defer r.loggerMu.RUnlock()
	return r.logger
}

// Catalog returns the catalog the router fills.
func (r *Router) Catalog() *device.Catalog {
	return r.catalog
}

// GatewayInfo returns the last parsed /info record.
func (r *Router) GatewayInfo() (GatewayInfo, bool) {
	r.infoMu.RLock()
	defer r.infoMu.RUnlock()
	if r.info == nil {
		return GatewayInfo{}, false
	}
	return *r.info, true
}

// Route classifies a frame and parses it. Catalog, metadata, scenario,
// group and poll URL updates happen as side effects; device deltas are
// returned for the registry. Parse failures are logged, never returned.
func (r *Router) Route(f *Frame) (MessageKind, []device.Delta) {
	if f == nil {
		return MsgUnknown, nil
	}
	resource := f.Resource()
	kind := Classify(resource, f.Body)
	logger := r.log()

	switch kind {
	case MsgPing:
		logger.Debug("ping acknowledged")
		return kind, nil
	case MsgConfig:
		r.parseConfig(f.Body)
		return kind, nil
	case MsgCMetadata:
		r.parseCMetadata(f.Body)
		return kind, nil
	case MsgMetadata:
		r.parseMetadata(f.Body)
		return kind, nil
	case MsgData:
		return kind, r.parseData(f.Body)
	case MsgCData:
		return kind, r.parseCData(resource, f.Body)
	case MsgInfo:
		return kind, r.parseInfo(f.Body)
	case MsgScenarios:
		r.parseScenarios(f.Body)
		return kind, nil
	case MsgGroups:
		r.parseGroups(f.Body)
		return kind, nil
	}

	if len(bytes.TrimSpace(f.Body)) == 0 {
		logger.Debug("write acknowledged", "resource", resource, "status", f.StatusCode)
	} else {
		logger.Warn("unclassified frame", "resource", resource, "body", truncate(string(f.Body), 120))
	}
	return kind, nil
}

// queryParam returns one query parameter of a resource.
func queryParam(resource, key string) string {
	i := strings.IndexByte(resource, '?')
	if i < 0 {
		return ""
	}
	q, err := url.ParseQuery(resource[i+1:])
	if err != nil {
		return ""
	}
	return q.Get(key)
}
