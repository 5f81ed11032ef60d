// Package mapping translates SCPI-style ASCII commands into MODBUS
// operations using ordered regex rules, grounded on
// original_source/mapping_engine.py.
package mapping

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Function codes (spec.md §4.5).
const (
	FCReadCoils             = 0x01
	FCReadDiscreteInputs    = 0x02
	FCReadHoldingRegisters  = 0x03
	FCReadInputRegisters    = 0x04
	FCWriteSingleCoil       = 0x05
	FCWriteSingleRegister   = 0x06
	FCWriteMultipleCoils    = 0x0F
	FCWriteMultipleRegisters = 0x10
)

var actionTable = map[string]int{
	"read_coils":               FCReadCoils,
	"read_discrete_inputs":     FCReadDiscreteInputs,
	"read_holding_registers":   FCReadHoldingRegisters,
	"read_input_registers":     FCReadInputRegisters,
	"write_single_coil":        FCWriteSingleCoil,
	"write_single_register":    FCWriteSingleRegister,
	"write_multiple_coils":     FCWriteMultipleCoils,
	"write_holding_registers":  FCWriteMultipleRegisters,
}

// Rule is one entry of a device's mappings list (spec.md §6 YAML schema).
type Rule struct {
	Pattern  string
	Action   string
	Params   map[string]interface{}
	Response string
}

// Action is the MODBUS operation a command translates to.
type Action struct {
	FunctionCode  int
	Address       int
	Count         int
	Values        []uint16
	DataType      DataType
	ResponseScale *float64
}

// compiledRule wraps Rule with its full-match regex. Unlike
// mapping_engine.py's regex.match (prefix match), every pattern is
// anchored at both ends: a command must match the rule in its entirety,
// not just share a prefix with it (spec.md §4.5, deliberate redesign —
// see REDESIGN FLAGS).
type compiledRule struct {
	rule Rule
	re   *regexp.Regexp
}

// Engine evaluates a device's rule list, first match wins.
type Engine struct {
	rules []compiledRule
}

// Error is returned when translation fails.
type Error struct {
	Command string
	Reason  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("command mapping failed for %q: %s", e.Command, e.Reason)
}

// Compile builds an Engine from a device's rule list. Invalid regex
// patterns are rejected up front rather than silently skipped, so
// configuration mistakes surface at load time instead of per-request.
func Compile(rules []Rule) (*Engine, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Pattern == "" {
			continue
		}
		re, err := regexp.Compile("(?i)^(?:" + r.Pattern + ")$")
		if err != nil {
			return nil, fmt.Errorf("mapping: invalid pattern %q: %w", r.Pattern, err)
		}
		if r.Action != "" {
			for k := range r.Params {
				if !knownActionParams[k] {
					return nil, fmt.Errorf("mapping: unknown param %q for pattern %q", k, r.Pattern)
				}
			}
		}
		compiled = append(compiled, compiledRule{rule: r, re: re})
	}
	return &Engine{rules: compiled}, nil
}

// StaticResponse returns a rule's static response (with $N capture
// substitution applied) if command matches a rule carrying a literal
// 'response', bypassing MODBUS I/O entirely. Grounded on
// modbus_serial_base.py's write() static-response short-circuit.
func (e *Engine) StaticResponse(command string) (string, bool) {
	cmd := strings.TrimSpace(command)
	for _, cr := range e.rules {
		if cr.rule.Response == "" {
			continue
		}
		m := cr.re.FindStringSubmatch(cmd)
		if m == nil {
			continue
		}
		return substituteCaptures(cr.rule.Response, m), true
	}
	return "", false
}

// Translate finds the first rule matching command and returns its
// Action.
func (e *Engine) Translate(command string) (Action, error) {
	cmd := strings.TrimSpace(command)
	if len(e.rules) == 0 {
		return Action{}, &Error{Command: cmd, Reason: "no mapping rules configured"}
	}

	for _, cr := range e.rules {
		m := cr.re.FindStringSubmatch(cmd)
		if m == nil {
			continue
		}
		return e.buildAction(cr.rule, m)
	}
	return Action{}, &Error{Command: cmd, Reason: "no mapping rule matched"}
}

// knownActionParams are the only keys buildAction ever reads out of a
// rule's params (spec.md §6: "unknown keys at any level are a
// validation error").
var knownActionParams = map[string]bool{
	"address": true, "count": true, "data_type": true,
	"response_scale": true, "value": true, "scale": true,
}

func (e *Engine) buildAction(rule Rule, captures []string) (Action, error) {
	fc, ok := actionTable[rule.Action]
	if !ok {
		return Action{}, &Error{Reason: fmt.Sprintf("unknown action %q", rule.Action)}
	}

	params := rule.Params
	addrRaw, ok := params["address"]
	if !ok {
		return Action{}, &Error{Reason: fmt.Sprintf("rule missing 'address' for pattern %q", rule.Pattern)}
	}
	address, err := toInt64(addrRaw)
	if err != nil {
		return Action{}, &Error{Reason: "address must be numeric"}
	}

	count := 1
	if c, ok := params["count"]; ok {
		n, err := toInt64(c)
		if err == nil {
			count = int(n)
		}
	}

	dt := Uint16
	if d, ok := params["data_type"].(string); ok && d != "" {
		dt = DataType(d)
	}

	var respScale *float64
	if rs, ok := params["response_scale"]; ok {
		if f, err := toFloat64(rs); err == nil {
			respScale = &f
		}
	}

	action := Action{
		FunctionCode:  fc,
		Address:       int(address),
		Count:         count,
		DataType:      dt,
		ResponseScale: respScale,
	}

	switch fc {
	case FCWriteSingleCoil, FCWriteSingleRegister, FCWriteMultipleRegisters:
		valueTemplate, ok := params["value"]
		if !ok {
			return Action{}, &Error{Reason: "write action missing 'value' in params"}
		}
		valueStr := substituteCaptures(fmt.Sprintf("%v", valueTemplate), captures)

		var value interface{}
		switch strings.ToLower(valueStr) {
		case "true", "on", "1":
			value = true
		case "false", "off", "0":
			value = false
		default:
			if f, err := strconv.ParseFloat(valueStr, 64); err == nil {
				if strings.Contains(valueStr, ".") {
					value = f
				} else {
					value = int64(f)
				}
			} else {
				return Action{}, &Error{Reason: fmt.Sprintf("cannot parse value %q", valueStr)}
			}
		}

		if scale, ok := params["scale"]; ok {
			if sf, err := toFloat64(scale); err == nil {
				if nf, err := toFloat64(value); err == nil {
					value = int64(nf*sf + sign(nf*sf)*0.5)
				}
			}
		}

		values, err := EncodeValue(value, dt)
		if err != nil {
			return Action{}, &Error{Reason: err.Error()}
		}
		action.Values = values
		if fc == FCWriteMultipleRegisters {
			action.Count = len(values)
		}
	}

	return action, nil
}

func sign(f float64) float64 {
	if f < 0 {
		return -1
	}
	return 1
}

var captureTokenRE = regexp.MustCompile(`\$(\d+)|\$\{(\w+)\}`)

// substituteCaptures replaces $1, $2, ... (and ${1}) in template with the
// corresponding regex capture group from a FindStringSubmatch result
// (captures[0] is the whole match).
func substituteCaptures(template string, captures []string) string {
	return captureTokenRE.ReplaceAllStringFunc(template, func(tok string) string {
		m := captureTokenRE.FindStringSubmatch(tok)
		idxStr := m[1]
		if idxStr == "" {
			idxStr = m[2]
		}
		idx, err := strconv.Atoi(idxStr)
		if err != nil || idx < 0 || idx >= len(captures) {
			return ""
		}
		return captures[idx]
	})
}

// formatShortestFloat renders f using the shortest decimal that
// round-trips back to f, always showing a decimal point (25.0, not
// 25) to match spec.md §8 scenario 3's literal "25.0\n".
func formatShortestFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// FormatRegisterResult renders a decoded register value as the ASCII
// response text a VXI-11 client's subsequent DEVICE_READ returns:
// integers in base 10, floats using the shortest round-trip decimal,
// terminated with a trailing newline (spec.md §4.5 step 5).
func FormatRegisterResult(value interface{}, scale *float64) string {
	if scale != nil {
		if f, err := toFloat64(value); err == nil {
			return formatShortestFloat(f * (*scale)) + "\n"
		}
	}
	switch v := value.(type) {
	case bool:
		if v {
			return "1\n"
		}
		return "0\n"
	case float64:
		return formatShortestFloat(v) + "\n"
	case int64:
		return strconv.FormatInt(v, 10) + "\n"
	case uint64:
		return strconv.FormatUint(v, 10) + "\n"
	case string:
		return v + "\n"
	default:
		return fmt.Sprintf("%v\n", v)
	}
}

// FormatBits renders a read_coils/read_discrete_inputs bit sequence as a
// string of "0"/"1" characters terminated with a trailing newline
// (spec.md §4.5 step 5), matching modbus_serial_base.py's str-of-bits
// response format.
func FormatBits(bits []bool) string {
	var sb strings.Builder
	for _, b := range bits {
		if b {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	sb.WriteByte('\n')
	return sb.String()
}
