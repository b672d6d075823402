package tydom

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"github.com/nerrad567/tydom-bridge/internal/device"
)

// Attribute validity that marks a data value as current.
const validityUpToDate = "upToDate"

// alarmDisplayName replaces the vendor name of alarm endpoints.
const alarmDisplayName = "Tyxal Alarm"

// BatteryPercentAttr is the derived attribute holding battLevel mapped
// through its declared range.
const BatteryPercentAttr = "battLevel_percent"

// Cdata request names that cmeta reports expand into poll URLs, with the
// parameter whose enumeration yields one URL per value.
var cdataPollParams = map[string]string{
	"energyIndex":   "dest",
	"energyInstant": "unit",
	"energyDistrib": "src",
}

// wireID is a gateway id that may arrive as a JSON number or string.
type wireID string

func (w *wireID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*w = wireID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id %s: %w", b, err)
	}
	*w = wireID(n.String())
	return nil
}

// deviceReport is the envelope shared by data, cdata, meta and cmeta
// bodies: a device id and its endpoints, each left raw so one bad endpoint
// does not spoil the batch.
type deviceReport struct {
	ID        wireID            `json:"id"`
	Endpoints []json.RawMessage `json:"endpoints"`
}

// decodeReports accepts a list of device reports or a single report.
func decodeReports(body []byte) ([]deviceReport, error) {
	var list []deviceReport
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}
	var one deviceReport
	if err := json.Unmarshal(body, &one); err != nil {
		return nil, fmt.Errorf("%w: device report: %w", ErrProtocolParse, err)
	}
	return []deviceReport{one}, nil
}

// eachEndpoint decodes every endpoint of every report into T and calls fn.
// Decode errors and panics are logged per endpoint.
func eachEndpoint[T any](logger Logger, kind MessageKind, reports []deviceReport, fn func(deviceID string, ep T)) {
	for _, rep := range reports {
		for _, raw := range rep.Endpoints {
			var ep T
			if err := json.Unmarshal(raw, &ep); err != nil {
				logger.Warn("skipping malformed endpoint", "kind", string(kind), "device_id", string(rep.ID), "error", err)
				continue
			}
			func() {
				defer func() {
					if p := recover(); p != nil {
						logger.Warn("endpoint parse failed", "kind", string(kind), "device_id", string(rep.ID), "panic", fmt.Sprint(p))
					}
				}()
				fn(string(rep.ID), ep)
			}()
		}
	}
}

type configFile struct {
	Endpoints []struct {
		IDEndpoint wireID `json:"id_endpoint"`
		IDDevice   wireID `json:"id_device"`
		Name       string `json:"name"`
		LastUsage  string `json:"last_usage"`
	} `json:"endpoints"`
}

func (r *Router) parseConfig(body []byte) {
	logger := r.log()

	var cfg configFile
	if err := json.Unmarshal(body, &cfg); err != nil {
		logger.Warn("malformed configuration file", "error", err)
		return
	}

	entries := make([]device.CatalogEntry, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		usage := device.NormalizeUsage(ep.LastUsage)
		e := device.CatalogEntry{
			UniqueID:   device.UniqueID(string(ep.IDDevice), string(ep.IDEndpoint)),
			DeviceID:   string(ep.IDDevice),
			EndpointID: string(ep.IDEndpoint),
			Name:       ep.Name,
			Usage:      usage,
		}
		if k, ok := device.KindForUsage(usage); ok {
			e.Kind = k
		} else {
			logger.Warn("unsupported device usage", "unique_id", e.UniqueID, "usage", usage)
		}
		if usage == device.UsageAlarm {
			e.Name = alarmDisplayName
		}
		entries = append(entries, e)
	}

	r.catalog.Replace(entries)
	logger.Info("device catalog replaced", "endpoints", len(entries))
}

type cmetaEndpoint struct {
	ID        wireID `json:"id"`
	CMetadata []struct {
		Name       string `json:"name"`
		Parameters []struct {
			Name       string `json:"name"`
			EnumValues []any  `json:"enum_values"`
		} `json:"parameters"`
	} `json:"cmetadata"`
}

func (r *Router) parseCMetadata(body []byte) {
	logger := r.log()

	reports, err := decodeReports(body)
	if err != nil {
		logger.Warn("malformed cmeta report", "error", err)
		return
	}

	before := r.polls.Len()
	eachEndpoint(logger, MsgCMetadata, reports, func(deviceID string, ep cmetaEndpoint) {
		for _, cm := range ep.CMetadata {
			param, ok := cdataPollParams[cm.Name]
			if !ok {
				continue
			}
			for _, p := range cm.Parameters {
				if p.Name != param {
					continue
				}
				for _, v := range p.EnumValues {
					value := fmt.Sprint(v)
					if cm.Name == "energyDistrib" {
						r.polls.Add(device.CdataPath(deviceID, string(ep.ID), cm.Name, "period", "YEAR", "periodOffset", "0", param, value))
						continue
					}
					r.polls.Add(device.CdataPath(deviceID, string(ep.ID), cm.Name, param, value, "reset", "false"))
				}
			}
		}
	})
	if added := r.polls.Len() - before; added > 0 {
		logger.Info("cdata poll urls registered", "added", added, "total", r.polls.Len())
	}
}

type metaEndpoint struct {
	ID       wireID           `json:"id"`
	Metadata []map[string]any `json:"metadata"`
}

func (r *Router) parseMetadata(body []byte) {
	logger := r.log()

	reports, err := decodeReports(body)
	if err != nil {
		logger.Warn("malformed metadata report", "error", err)
		return
	}

	eachEndpoint(logger, MsgMetadata, reports, func(deviceID string, ep metaEndpoint) {
		constraints := make(map[string]device.Constraint, len(ep.Metadata))
		for _, m := range ep.Metadata {
			name, _ := m["name"].(string)
			if name == "" {
				continue
			}
			c := make(device.Constraint, len(m)-1)
			for k, v := range m {
				if k != "name" {
					c[k] = v
				}
			}
			constraints[name] = c
		}
		r.catalog.SetMetadata(device.UniqueID(deviceID, string(ep.ID)), constraints)
	})
}

type dataEndpoint struct {
	ID    wireID `json:"id"`
	Error int    `json:"error"`
	Data  []struct {
		Name     string `json:"name"`
		Value    any    `json:"value"`
		Validity string `json:"validity"`
	} `json:"data"`
}

func (r *Router) parseData(body []byte) []device.Delta {
	logger := r.log()

	reports, err := decodeReports(body)
	if err != nil {
		logger.Warn("malformed data report", "error", err)
		return nil
	}

	var deltas []device.Delta
	eachEndpoint(logger, MsgData, reports, func(deviceID string, ep dataEndpoint) {
		if ep.Error != 0 || len(ep.Data) == 0 {
			return
		}
		attrs := make(device.Attributes, len(ep.Data))
		for _, d := range ep.Data {
			if d.Name == "" || d.Validity != validityUpToDate {
				continue
			}
			attrs[d.Name] = d.Value
		}
		if len(attrs) == 0 {
			return
		}
		if d, ok := r.delta(deviceID, string(ep.ID), attrs); ok {
			deltas = append(deltas, d)
		}
	})
	return deltas
}

// delta resolves an endpoint's kind and name from the catalog. A catalog
// miss yields a provisional generic device; a known usage without a
// variant is dropped.
func (r *Router) delta(deviceID, endpointID string, attrs device.Attributes) (device.Delta, bool) {
	uid := device.UniqueID(deviceID, endpointID)
	d := device.Delta{
		UniqueID:   uid,
		DeviceID:   deviceID,
		EndpointID: endpointID,
		Attributes: attrs,
	}

	entry, ok := r.catalog.Lookup(uid)
	switch {
	case !ok:
		r.log().Warn("device not in catalog", "unique_id", uid)
		d.Kind = device.KindGeneric
		d.Provisional = true
	case entry.Kind == "":
		r.log().Warn("dropping delta for unsupported usage", "unique_id", uid, "usage", entry.Usage)
		return device.Delta{}, false
	default:
		d.Kind = entry.Kind
		d.Name = entry.Name
	}

	if raw, ok := attrs["battLevel"]; ok {
		if n, ok := raw.(float64); ok {
			if pct, ok := r.catalog.ScaleToPercent(uid, "battLevel", n); ok {
				attrs[BatteryPercentAttr] = pct
			}
		}
	}
	return d, true
}

type cdataEndpoint struct {
	ID    wireID `json:"id"`
	Error int    `json:"error"`
	CData []struct {
		Name       string         `json:"name"`
		Parameters map[string]any `json:"parameters"`
		Values     map[string]any `json:"values"`
	} `json:"cdata"`
}

// cdataDistribution is the only cdata reading keyed by source.
const cdataDistribution = "energyDistrib"

func (r *Router) parseCData(resource string, body []byte) []device.Delta {
	logger := r.log()

	reports, err := decodeReports(body)
	if err != nil {
		logger.Warn("malformed cdata report", "error", err)
		return nil
	}

	var deltas []device.Delta
	eachEndpoint(logger, MsgCData, reports, func(deviceID string, ep cdataEndpoint) {
		if ep.Error != 0 {
			return
		}
		attrs := make(device.Attributes)
		for _, cd := range ep.CData {
			name := cd.Name
			if name == "" {
				name = queryParam(resource, "name")
			}
			if name == "" || cd.Values == nil {
				continue
			}
			v, ok := cd.Values["counter"]
			if !ok {
				v, ok = cd.Values["measure"]
			}
			if ok {
				if qualifier := cdataQualifier(cd.Parameters, resource); qualifier != "" {
					attrs[name+"_"+qualifier] = v
				}
				continue
			}
			if name != cdataDistribution {
				continue
			}
			// Distribution breakdowns report one numeric sub-key per source.
			for _, k := range slices.Sorted(maps.Keys(cd.Values)) {
				if _, ok := cd.Values[k].(float64); ok {
					attrs[name+"_"+k] = cd.Values[k]
				}
			}
		}
		if len(attrs) == 0 {
			return
		}
		if d, ok := r.delta(deviceID, string(ep.ID), attrs); ok {
			deltas = append(deltas, d)
		}
	})
	return deltas
}

// cdataQualifier returns the dest, unit or src parameter of a cdata
// reading, from the body first and the request query second.
func cdataQualifier(params map[string]any, resource string) string {
	for _, key := range []string{"dest", "unit", "src"} {
		if v, ok := params[key]; ok {
			if s := fmt.Sprint(v); s != "" {
				return s
			}
		}
	}
	for _, key := range []string{"dest", "unit", "src"} {
		if s := queryParam(resource, key); s != "" {
			return s
		}
	}
	return ""
}

// GatewayInfo is the gateway identity record from /info.
type GatewayInfo struct {
	ProductName     string `mapstructure:"productName" json:"product_name"`
	MAC             string `mapstructure:"mac" json:"mac"`
	MainVersionSW   string `mapstructure:"mainVersionSW" json:"main_version_sw"`
	MainVersionHW   string `mapstructure:"mainVersionHW" json:"main_version_hw"`
	MainReference   string `mapstructure:"mainReference" json:"main_reference"`
	KeyVersionSW    string `mapstructure:"keyVersionSW" json:"key_version_sw"`
	KeyVersionHW    string `mapstructure:"keyVersionHW" json:"key_version_hw"`
	KeyVersionStack string `mapstructure:"keyVersionStack" json:"key_version_stack"`
	BootVersion     string `mapstructure:"bootVersion" json:"boot_version"`
	APIMode         bool   `mapstructure:"apiMode" json:"api_mode"`
	UpdateAvailable bool   `mapstructure:"updateAvailable" json:"update_available"`
}

// gatewayDisplayName names the synthetic gateway device.
const gatewayDisplayName = "Tydom Gateway"

func (r *Router) parseInfo(body []byte) []device.Delta {
	logger := r.log()

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		logger.Warn("malformed gateway info", "error", err)
		return nil
	}

	var info GatewayInfo
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &info,
	})
	if err != nil {
		logger.Error("gateway info decoder", "error", err)
		return nil
	}
	if err := dec.Decode(raw); err != nil {
		logger.Warn("gateway info fields", "error", err)
	}

	mac := NormalizeMAC(info.MAC)
	if mac == "" {
		mac = r.gatewayMAC
	}
	if mac == "" {
		logger.Warn("gateway info without mac")
		return nil
	}
	info.MAC = mac

	r.infoMu.Lock()
	r.info = &info
	r.infoMu.Unlock()

	attrs := make(device.Attributes, len(raw))
	for k, v := range raw {
		switch v.(type) {
		case string, float64, bool:
			attrs[k] = v
		}
	}
	attrs["mac"] = mac

	return []device.Delta{{
		UniqueID:   mac,
		DeviceID:   mac,
		EndpointID: mac,
		Name:       gatewayDisplayName,
		Kind:       device.KindGateway,
		Attributes: attrs,
	}}
}

type scenarioFile struct {
	Scn []struct {
		ID    wireID `json:"id"`
		Name  string `json:"name"`
		Type  string `json:"type"`
		Picto string `json:"picto"`
	} `json:"scn"`
}

func (r *Router) parseScenarios(body []byte) {
	var f scenarioFile
	if err := json.Unmarshal(body, &f); err != nil {
		r.log().Warn("malformed scenario file", "error", err)
		return
	}
	list := make([]device.Scenario, 0, len(f.Scn))
	for _, s := range f.Scn {
		list = append(list, device.Scenario{ID: string(s.ID), Name: s.Name, Type: s.Type, Picto: s.Picto})
	}
	r.catalog.ReplaceScenarios(list)
	r.log().Info("scenarios loaded", "count", len(list))
}

type groupFile struct {
	Groups []struct {
		ID      wireID `json:"id"`
		Devices []struct {
			ID        wireID `json:"id"`
			Endpoints []struct {
				ID wireID `json:"id"`
			} `json:"endpoints"`
		} `json:"devices"`
	} `json:"groups"`
}

func (r *Router) parseGroups(body []byte) {
	var f groupFile
	if err := json.Unmarshal(body, &f); err != nil {
		r.log().Warn("malformed group file", "error", err)
		return
	}
	list := make([]device.Group, 0, len(f.Groups))
	for _, g := range f.Groups {
		grp := device.Group{ID: string(g.ID)}
		for _, d := range g.Devices {
			for _, ep := range d.Endpoints {
				grp.Members = append(grp.Members, device.UniqueID(string(d.ID), string(ep.ID)))
			}
		}
		list = append(list, grp)
	}
	r.catalog.ReplaceGroups(list)
	r.log().Info("groups loaded", "count", len(list))
}

// formatID renders a command parameter id the way the gateway expects.
func formatID(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case string:
		return strings.TrimSpace(n)
	default:
		return fmt.Sprint(v)
	}
}
