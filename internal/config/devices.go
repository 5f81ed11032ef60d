package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// strictUnmarshal decodes raw into out, rejecting unknown keys on any
// struct field it decodes into (spec.md §6: "Unknown keys at any level
// are a validation error"). yaml.Unmarshal alone silently drops them.
func strictUnmarshal(raw []byte, out interface{}) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	return dec.Decode(out)
}

// MappingRule is one command-mapping rule from the devices document,
// grounded on original_source/config.py's MappingRule dataclass.
type MappingRule struct {
	Pattern string                 `yaml:"pattern"`
	Action  string                 `yaml:"action"`
	Params  map[string]interface{} `yaml:"params"`
}

// DeviceDefinition is one logical instrument bound to a backend adapter.
type DeviceDefinition struct {
	Name     string
	Type     string
	Settings map[string]interface{}
	Mappings []MappingRule
}

// Devices is the parsed, canonicalized devices/mappings document.
type Devices struct {
	Devices map[string]*DeviceDefinition
}

// LoadDevices reads and validates the devices/mappings YAML document at
// path, grounded on original_source/config.py's load_config. Each
// device's mapping rules may be supplied either inline (a "mappings" key
// inside the device body) or via the top-level "mappings" section keyed
// by device name, but never both — Open Question 2 resolves that
// ambiguity as a load error rather than picking a side silently.
func LoadDevices(path string) (*Devices, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("configuration file not found: %s: %w", path, err)
	}
	return parseDevicesDocument(raw)
}

// SaveDevices validates payload (the decoded JSON body of a
// POST /api/config request) as a devices document and, if it parses
// cleanly, writes it to path as YAML. Validating before writing means a
// malformed POST /api/config body never corrupts the document a running
// gateway will re-read on the next POST /api/reload.
func SaveDevices(path string, payload map[string]interface{}) error {
	raw, err := yaml.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding devices document: %w", err)
	}
	if _, err := parseDevicesDocument(raw); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing devices document: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing devices document: %w", err)
	}
	return nil
}

// ToMap renders a loaded Devices document back into the generic shape
// GET /api/config serves as JSON, mirroring original_source/config.py's
// config_to_dict.
func (d *Devices) ToMap() map[string]interface{} {
	devices := make(map[string]interface{}, len(d.Devices))
	for name, def := range d.Devices {
		body := make(map[string]interface{}, len(def.Settings)+2)
		for k, v := range def.Settings {
			body[k] = v
		}
		body["type"] = def.Type
		if len(def.Mappings) > 0 {
			body["mappings"] = def.Mappings
		}
		devices[name] = body
	}
	return map[string]interface{}{"devices": devices}
}

func parseDevicesDocument(raw []byte) (*Devices, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("invalid YAML in devices document: %w", err)
	}
	if err := checkDuplicateKeys(&root, "devices"); err != nil {
		return nil, fmt.Errorf("devices section: %w", err)
	}
	if err := checkDuplicateKeys(&root, "mappings"); err != nil {
		return nil, fmt.Errorf("mappings section: %w", err)
	}

	var doc struct {
		Devices  map[string]map[string]interface{} `yaml:"devices"`
		Mappings map[string][]MappingRule          `yaml:"mappings"`
	}
	if err := strictUnmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML in devices document: %w", err)
	}

	result := &Devices{Devices: make(map[string]*DeviceDefinition, len(doc.Devices))}

	for name, body := range doc.Devices {
		typ, ok := body["type"].(string)
		if !ok || typ == "" {
			return nil, fmt.Errorf("device %q must define a string 'type'", name)
		}

		var embedded []MappingRule
		if rawMappings, present := body["mappings"]; present {
			var err error
			embedded, err = decodeMappingRules(rawMappings)
			if err != nil {
				return nil, fmt.Errorf("device %q embedded mappings: %w", name, err)
			}
		}

		topLevel, hasTopLevel := doc.Mappings[name]
		if hasTopLevel && len(embedded) > 0 {
			return nil, fmt.Errorf("device %q defines mapping rules both inline and in the top-level mappings section", name)
		}

		rules := topLevel
		if len(embedded) > 0 {
			rules = embedded
		}
		for idx, rule := range rules {
			if rule.Pattern == "" {
				return nil, fmt.Errorf("mapping rule #%d for device %q must include a non-empty pattern", idx, name)
			}
			if rule.Action == "" {
				return nil, fmt.Errorf("mapping rule #%d for device %q must include a non-empty action", idx, name)
			}
		}

		settings := make(map[string]interface{}, len(body))
		for k, v := range body {
			if k == "type" || k == "mappings" {
				continue
			}
			settings[k] = v
		}

		result.Devices[name] = &DeviceDefinition{
			Name:     name,
			Type:     typ,
			Settings: settings,
			Mappings: rules,
		}
	}

	for name := range doc.Mappings {
		if _, ok := result.Devices[name]; !ok {
			return nil, fmt.Errorf("mappings section references unknown device %q", name)
		}
	}

	return result, nil
}

func decodeMappingRules(raw interface{}) ([]MappingRule, error) {
	buf, err := yaml.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var rules []MappingRule
	if err := strictUnmarshal(buf, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// checkDuplicateKeys walks root through the given mapping-key path and
// reports an error if the mapping it ends on repeats a key. yaml.v3's
// map decoding silently keeps the last occurrence of a duplicate key;
// this catches the configuration mistake explicitly instead.
func checkDuplicateKeys(root *yaml.Node, path ...string) error {
	node := root
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}
	for _, key := range path {
		if node.Kind != yaml.MappingNode {
			return nil
		}
		found := false
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == key {
				node = node.Content[i+1]
				found = true
				break
			}
		}
		if !found {
			return nil
		}
	}
	if node.Kind != yaml.MappingNode {
		return nil
	}
	seen := make(map[string]bool, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		k := node.Content[i].Value
		if seen[k] {
			return fmt.Errorf("duplicate key %q", k)
		}
		seen[k] = true
	}
	return nil
}
