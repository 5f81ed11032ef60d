package engine

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/google/gousb"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/vxi11-gateway/internal/config"
	"github.com/nexus-edge/vxi11-gateway/internal/device"
	"github.com/nexus-edge/vxi11-gateway/internal/mapping"
)

// BuildAdapters turns a parsed devices document into a set of
// AdapterBuilders, one per device, dispatching on DeviceDefinition.Type.
// It is called once at startup and again on every POST /api/reload,
// grounded on original_source/config.py's AdapterFactory.build.
func BuildAdapters(devices *config.Devices, log zerolog.Logger) (map[string]AdapterBuilder, error) {
	builders := make(map[string]AdapterBuilder, len(devices.Devices))
	for name, def := range devices.Devices {
		def := def
		rules, err := toMappingRules(def.Mappings)
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", name, err)
		}

		switch strings.ToLower(def.Type) {
		case "loopback":
			var cfg device.LoopbackConfig
			if err := decodeSettings(def.Settings, &cfg); err != nil {
				return nil, fmt.Errorf("device %q: %w", name, err)
			}
			builders[name] = func() (device.Adapter, error) {
				return device.NewLoopback(cfg), nil
			}

		case "scpi-tcp", "scpi_tcp":
			var cfg device.ScpiTCPConfig
			if err := decodeSettings(def.Settings, &cfg); err != nil {
				return nil, fmt.Errorf("device %q: %w", name, err)
			}
			builders[name] = func() (device.Adapter, error) {
				return device.NewScpiTCP(cfg, log), nil
			}

		case "scpi-serial", "scpi_serial":
			var cfg device.ScpiSerialConfig
			if err := decodeSettings(def.Settings, &cfg); err != nil {
				return nil, fmt.Errorf("device %q: %w", name, err)
			}
			builders[name] = func() (device.Adapter, error) {
				return device.NewScpiSerial(cfg, log), nil
			}

		case "modbus-tcp", "modbus_tcp":
			var cfg device.ModbusTCPConfig
			if err := decodeSettings(def.Settings, &cfg); err != nil {
				return nil, fmt.Errorf("device %q: %w", name, err)
			}
			cfg.Mappings = rules
			builders[name] = func() (device.Adapter, error) {
				return device.NewModbusTCP(cfg, log)
			}

		case "modbus-rtu", "modbus_rtu":
			var cfg device.ModbusSerialConfig
			if err := decodeSettings(def.Settings, &cfg); err != nil {
				return nil, fmt.Errorf("device %q: %w", name, err)
			}
			cfg.Mappings = rules
			builders[name] = func() (device.Adapter, error) {
				return device.NewModbusRTU(cfg, log)
			}

		case "modbus-ascii", "modbus_ascii":
			var cfg device.ModbusSerialConfig
			if err := decodeSettings(def.Settings, &cfg); err != nil {
				return nil, fmt.Errorf("device %q: %w", name, err)
			}
			cfg.Mappings = rules
			builders[name] = func() (device.Adapter, error) {
				return device.NewModbusASCII(cfg, log)
			}

		case "usbtmc":
			var cfg device.UsbtmcConfig
			if err := decodeSettings(def.Settings, &cfg); err != nil {
				return nil, fmt.Errorf("device %q: %w", name, err)
			}
			builders[name] = func() (device.Adapter, error) {
				return device.NewUsbtmc(cfg, log), nil
			}

		case "generic-regex", "generic_regex":
			var cfg device.GenericRegexConfig
			if err := decodeSettings(def.Settings, &cfg); err != nil {
				return nil, fmt.Errorf("device %q: %w", name, err)
			}
			builders[name] = func() (device.Adapter, error) {
				return device.NewGenericRegex(cfg, log)
			}

		default:
			return nil, fmt.Errorf("device %q: unknown adapter type %q", name, def.Type)
		}
	}
	return builders, nil
}

// toMappingRules converts a device document's mapping rules into the
// mapping package's Rule type. The two types carry the same fields; they
// are kept distinct so internal/config has no dependency on
// internal/mapping's regex-compilation machinery.
func toMappingRules(rules []config.MappingRule) ([]mapping.Rule, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	out := make([]mapping.Rule, len(rules))
	for i, r := range rules {
		out[i] = mapping.Rule{
			Pattern: r.Pattern,
			Action:  r.Action,
			Params:  r.Params,
		}
	}
	return out, nil
}

// decodeSettings decodes a device's freeform settings map into a typed
// adapter config struct, handling the value shapes a YAML/JSON document
// can produce that Go's typed fields can't accept directly: duration
// strings, termination-byte strings, and USB vendor/product hex IDs.
func decodeSettings(settings map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			stringToByteSliceHook,
			stringToGousbIDHook,
		),
	})
	if err != nil {
		return fmt.Errorf("building settings decoder: %w", err)
	}
	if err := decoder.Decode(settings); err != nil {
		return fmt.Errorf("decoding settings: %w", err)
	}
	return nil
}

var (
	byteSliceType = reflect.TypeOf([]byte(nil))
	gousbIDType   = reflect.TypeOf(gousb.ID(0))
)

func stringToByteSliceHook(f, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String || t != byteSliceType {
		return data, nil
	}
	return []byte(unescapeTermination(data.(string))), nil
}

func stringToGousbIDHook(f, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String || t != gousbIDType {
		return data, nil
	}
	n, err := strconv.ParseUint(strings.TrimSpace(data.(string)), 0, 16)
	if err != nil {
		return nil, fmt.Errorf("cannot parse %q as a USB ID: %w", data, err)
	}
	return gousb.ID(n), nil
}

// unescapeTermination turns the common escape sequences a YAML/JSON
// document spells out literally (e.g. "\\n") into their raw bytes, so a
// devices document can write write_termination: "\n" and get a single
// newline byte rather than a backslash and an 'n'.
func unescapeTermination(s string) string {
	replacer := strings.NewReplacer(`\r`, "\r", `\n`, "\n", `\t`, "\t")
	return replacer.Replace(s)
}
