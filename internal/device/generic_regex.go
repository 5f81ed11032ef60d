package device

import (
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	npserial "github.com/npat-efault/serial"
	"github.com/rs/zerolog"
)

// GenericRegexRule describes one command-matching rule for the
// GenericRegex adapter (spec.md §4.4.8).
type GenericRegexRule struct {
	Pattern         string `mapstructure:"pattern"`
	RequestFormat   string `mapstructure:"request_format"`
	ExpectsResponse bool   `mapstructure:"expects_response"`
	ResponseRegex   string `mapstructure:"response_regex"`
	ResponseFormat  string `mapstructure:"response_format"`
	// Terminator overrides the default "\n" response terminator. A
	// non-nil pointer to "" means no terminator is expected at all,
	// matching the Python original's explicit terminator=None.
	Terminator    *string  `mapstructure:"terminator"`
	Scale         *float64 `mapstructure:"scale"`
	ResponseScale *float64 `mapstructure:"response_scale"`
	PayloadWidth  *int     `mapstructure:"payload_width"`
}

var genericTokenRE = regexp.MustCompile(`\$(\w+)|\$\{(\w+)\}`)
var widthHintRE = regexp.MustCompile(`\(\?P<(\w+)>\\d\{(\d+)\}\)`)
var leadingIntRE = regexp.MustCompile(`-?\d+`)

type compiledGenericRule struct {
	pattern             *regexp.Regexp
	requestTemplate     string
	expectsResponse     bool
	responsePattern     *regexp.Regexp
	responsePatternText string
	responseTemplate    string
	terminator          string
	scale               *float64
	responseScale       *float64
	groupWidths         map[string]int
	payloadWidth        *int
}

func compileGenericRules(rules []GenericRegexRule) ([]*compiledGenericRule, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("generic-regex: requires at least one mapping rule")
	}
	out := make([]*compiledGenericRule, 0, len(rules))
	for i, r := range rules {
		if r.Pattern == "" {
			return nil, fmt.Errorf("generic-regex: rule #%d missing pattern", i)
		}
		if r.RequestFormat == "" {
			return nil, fmt.Errorf("generic-regex: rule #%d missing request_format", i)
		}
		// Anchored at the start only, matching the Python original's
		// re.Pattern.match() semantics (a prefix match, not a full one).
		pat, err := regexp.Compile("^(?:" + r.Pattern + ")")
		if err != nil {
			return nil, fmt.Errorf("generic-regex: rule #%d has invalid pattern: %w", i, err)
		}

		cr := &compiledGenericRule{
			pattern:         pat,
			requestTemplate: r.RequestFormat,
			expectsResponse: r.ExpectsResponse,
			scale:           r.Scale,
			responseScale:   r.ResponseScale,
			groupWidths:     map[string]int{},
			payloadWidth:    r.PayloadWidth,
		}

		if r.ExpectsResponse {
			if r.ResponseRegex == "" || r.ResponseFormat == "" {
				return nil, fmt.Errorf("generic-regex: rule #%d expects a response but missing response_regex/response_format", i)
			}
			respPat, err := regexp.Compile("^(?:" + r.ResponseRegex + ")$")
			if err != nil {
				return nil, fmt.Errorf("generic-regex: rule #%d has invalid response_regex: %w", i, err)
			}
			cr.responsePattern = respPat
			cr.responsePatternText = r.ResponseRegex
			cr.responseTemplate = r.ResponseFormat

			cr.terminator = "\n"
			if r.Terminator != nil {
				cr.terminator = *r.Terminator
			}

			for _, m := range widthHintRE.FindAllStringSubmatch(r.ResponseRegex, -1) {
				w, _ := strconv.Atoi(m[2])
				cr.groupWidths[m[1]] = w
			}
			if cr.payloadWidth == nil {
				if w, ok := cr.groupWidths["payload"]; ok {
					cr.payloadWidth = &w
				}
			}
		}

		if cr.payloadWidth == nil && cr.scale != nil {
			w := 5
			cr.payloadWidth = &w
		}

		out = append(out, cr)
	}
	return out, nil
}

// renderGenericTemplate substitutes $name/$N/${name} tokens in template
// against match (as returned by FindStringSubmatch), applying the scale
// (request side) or response_scale (response side) numeric transforms
// configured on the rule. Grounded on generic_regex.py's _render_template.
func renderGenericTemplate(template string, re *regexp.Regexp, match []string, rule *compiledGenericRule, isRequest bool) (string, error) {
	var renderErr error
	result := genericTokenRE.ReplaceAllStringFunc(template, func(tok string) string {
		if renderErr != nil {
			return ""
		}
		sub := genericTokenRE.FindStringSubmatch(tok)
		key := sub[1]
		if key == "" {
			key = sub[2]
		}

		var value string
		var isNumericKey bool
		if idx, err := strconv.Atoi(key); err == nil {
			isNumericKey = true
			if idx < 0 || idx >= len(match) {
				renderErr = fmt.Errorf("template referenced unknown group $%s", key)
				return ""
			}
			value = match[idx]
		} else {
			gi := re.SubexpIndex(key)
			if gi < 0 || gi >= len(match) {
				renderErr = fmt.Errorf("template referenced unknown group $%s", key)
				return ""
			}
			value = match[gi]
		}

		if isRequest && rule.scale != nil {
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				renderErr = fmt.Errorf("failed to convert template group $%s value %q to float for scaling", key, value)
				return ""
			}
			scaled := int64(math.Round(f * *rule.scale))
			width := 0
			if isNumericKey {
				if rule.payloadWidth != nil {
					width = *rule.payloadWidth
				}
			} else if w, ok := rule.groupWidths[key]; ok {
				width = w
			}
			if width > 0 {
				return fmt.Sprintf("%0*d", width, scaled)
			}
			return strconv.FormatInt(scaled, 10)
		}

		if !isRequest && rule.responseScale != nil {
			numStr := leadingIntRE.FindString(value)
			if numStr == "" {
				return value
			}
			intVal, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return value
			}
			scaledFloat := float64(intVal) / *rule.responseScale
			if *rule.responseScale > 0 {
				log10 := math.Log10(*rule.responseScale)
				if math.Abs(math.Round(log10)-log10) < 1e-9 {
					return strconv.FormatFloat(scaledFloat, 'f', int(math.Round(log10)), 64)
				}
			}
			return strconv.FormatFloat(scaledFloat, 'f', -1, 64)
		}

		return value
	})
	if renderErr != nil {
		return "", renderErr
	}
	return result, nil
}

// GenericRegexConfig configures a GenericRegex adapter (spec.md §4.4.8).
type GenericRegexConfig struct {
	Transport        string        `mapstructure:"transport"`
	IOTimeout        time.Duration `mapstructure:"io_timeout"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	MaxResponseBytes int           `mapstructure:"max_response_bytes"`
	RecvChunkSize    int           `mapstructure:"recv_chunk_size"`
	RequiresLock     *bool         `mapstructure:"requires_lock"`

	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	SerialPort string `mapstructure:"serial_port"`
	Baudrate   int    `mapstructure:"baudrate"`
	DataBits   int    `mapstructure:"data_bits"`
	Parity     string `mapstructure:"parity"`
	StopBits   int    `mapstructure:"stop_bits"`

	Rules []GenericRegexRule `mapstructure:"rules"`
}

// GenericRegex maps SCPI-like ASCII commands onto a bespoke line protocol
// via configurable regex rules, over either a TCP or a dedicated serial
// transport. Grounded on original_source/adapters/generic_regex.py.
type GenericRegex struct {
	cfg          GenericRegexConfig
	rules        []*compiledGenericRule
	requiresLock bool
	log          zerolog.Logger

	mu      sync.Mutex
	conn    net.Conn
	serPort *npserial.Port
	buffer  string
}

// NewGenericRegex constructs and validates a GenericRegex adapter.
func NewGenericRegex(cfg GenericRegexConfig, log zerolog.Logger) (*GenericRegex, error) {
	transport := strings.ToLower(cfg.Transport)
	if transport == "" {
		transport = "tcp"
	}
	if transport != "tcp" && transport != "serial" {
		return nil, fmt.Errorf("generic-regex: transport must be 'tcp' or 'serial'")
	}
	cfg.Transport = transport

	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = time.Second
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 4096
	}
	if cfg.RecvChunkSize <= 0 {
		if transport == "tcp" {
			cfg.RecvChunkSize = 1024
		} else {
			cfg.RecvChunkSize = 16
		}
	}

	if transport == "tcp" {
		if cfg.Host == "" {
			return nil, fmt.Errorf("generic-regex: tcp transport requires 'host'")
		}
		if cfg.Port == 0 {
			return nil, fmt.Errorf("generic-regex: tcp transport requires 'port'")
		}
	} else {
		if cfg.SerialPort == "" {
			return nil, fmt.Errorf("generic-regex: serial transport requires 'serial_port'")
		}
		if cfg.Baudrate == 0 {
			cfg.Baudrate = 9600
		}
		if cfg.DataBits == 0 {
			cfg.DataBits = 8
		}
		if cfg.Parity == "" {
			cfg.Parity = "N"
		}
		if cfg.StopBits == 0 {
			cfg.StopBits = 1
		}
	}

	rules, err := compileGenericRules(cfg.Rules)
	if err != nil {
		return nil, err
	}

	requiresLock := transport == "serial"
	if cfg.RequiresLock != nil {
		requiresLock = *cfg.RequiresLock
	}

	return &GenericRegex{
		cfg:          cfg,
		rules:        rules,
		requiresLock: requiresLock,
		log:          log.With().Str("adapter", "generic-regex").Logger(),
	}, nil
}

func (a *GenericRegex) RequiresLock() bool { return a.requiresLock }

func (a *GenericRegex) Connect(ctx context.Context) error { return nil }

func (a *GenericRegex) Disconnect(ctx context.Context) error {
	a.closeTransport()
	return nil
}

func (a *GenericRegex) Acquire(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ensureConnectedLocked()
}

func (a *GenericRegex) Release() { a.closeTransport() }

func (a *GenericRegex) closeTransport() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
	if a.serPort != nil {
		_ = a.serPort.Close()
		a.serPort = nil
	}
	a.buffer = ""
}

func (a *GenericRegex) ensureConnectedLocked() error {
	if a.cfg.Transport == "tcp" {
		if a.conn != nil {
			return nil
		}
		addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
		conn, err := net.DialTimeout("tcp", addr, a.cfg.ConnectTimeout)
		if err != nil {
			return fmt.Errorf("generic-regex: failed to connect to %s: %w", addr, err)
		}
		a.conn = conn
		return nil
	}

	if a.serPort != nil {
		return nil
	}
	p, err := npserial.Open(a.cfg.SerialPort)
	if err != nil {
		return fmt.Errorf("generic-regex: failed to open serial port %s: %w", a.cfg.SerialPort, err)
	}
	conf := npserial.Conf{
		Baudrate:    a.cfg.Baudrate,
		Size:        a.cfg.DataBits,
		Parity:      parityOf(a.cfg.Parity),
		Stopbits:    a.cfg.StopBits,
		ReadTimeout: a.cfg.IOTimeout,
	}
	if err := p.Conf(conf, npserial.ConfBaudrate, npserial.ConfSize, npserial.ConfParity, npserial.ConfStopbits); err != nil {
		_ = p.Close()
		return fmt.Errorf("generic-regex: failed to configure serial port %s: %w", a.cfg.SerialPort, err)
	}
	a.serPort = p
	return nil
}

func (a *GenericRegex) sendLocked(payload []byte) error {
	if a.cfg.Transport == "tcp" {
		_ = a.conn.SetWriteDeadline(time.Now().Add(a.cfg.IOTimeout))
		if _, err := a.conn.Write(payload); err != nil {
			if isTimeout(err) {
				return fmt.Errorf("generic-regex: timed out while sending request")
			}
			return fmt.Errorf("generic-regex: tcp send failed: %w", err)
		}
		return nil
	}
	if _, err := a.serPort.Write(payload); err != nil {
		return fmt.Errorf("generic-regex: serial write failed: %w", err)
	}
	return nil
}

type ioTimeoutError struct{ msg string }

func (e ioTimeoutError) Error() string { return e.msg }
func (e ioTimeoutError) Timeout() bool { return true }

func (a *GenericRegex) receiveChunkLocked() ([]byte, error) {
	if a.cfg.Transport == "tcp" {
		if a.conn == nil {
			return nil, fmt.Errorf("generic-regex: tcp socket is not connected")
		}
		_ = a.conn.SetReadDeadline(time.Now().Add(a.cfg.IOTimeout))
		buf := make([]byte, a.cfg.RecvChunkSize)
		n, err := a.conn.Read(buf)
		if err != nil {
			if isTimeout(err) {
				return nil, ioTimeoutError{"generic-regex: timed out while waiting for response"}
			}
			if err == io.EOF {
				return nil, fmt.Errorf("generic-regex: tcp connection closed by peer")
			}
			return nil, fmt.Errorf("generic-regex: tcp receive failed: %w", err)
		}
		return buf[:n], nil
	}

	if a.serPort == nil {
		return nil, fmt.Errorf("generic-regex: serial port is not connected")
	}
	buf := make([]byte, a.cfg.RecvChunkSize)
	n, err := a.serPort.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("generic-regex: serial read failed: %w", err)
	}
	if n == 0 {
		return nil, ioTimeoutError{"generic-regex: serial read timeout"}
	}
	return buf[:n], nil
}

// receiveResponseLocked reads until the configured terminator (or, with
// no terminator, every chunk) yields a full match against the rule's
// response pattern, matching generic_regex.py's _receive_response.
func (a *GenericRegex) receiveResponseLocked(rule *compiledGenericRule) (string, []string, error) {
	var buf []byte
	for len(buf) < a.cfg.MaxResponseBytes {
		chunk, err := a.receiveChunkLocked()
		if err != nil {
			if isTimeout(err) {
				if len(buf) > 0 {
					return "", nil, fmt.Errorf("generic-regex: response did not match expected pattern %q after reading %d byte(s)", rule.responsePatternText, len(buf))
				}
				return "", nil, err
			}
			return "", nil, err
		}
		buf = append(buf, chunk...)
		text := string(buf)

		if rule.terminator != "" {
			idx := strings.Index(text, rule.terminator)
			if idx < 0 {
				continue
			}
			candidate := strings.TrimRight(text[:idx], "\r\n")
			if m := rule.responsePattern.FindStringSubmatch(candidate); m != nil {
				return candidate, m, nil
			}
			return "", nil, fmt.Errorf("generic-regex: response did not match expected pattern %q after terminator-terminated read", rule.responsePatternText)
		}

		candidate := strings.TrimRight(text, "\r\n")
		if m := rule.responsePattern.FindStringSubmatch(candidate); m != nil {
			return candidate, m, nil
		}
	}
	return "", nil, fmt.Errorf("generic-regex: response did not match expected pattern %q after reading %d byte(s)", rule.responsePatternText, len(buf))
}

func (a *GenericRegex) matchRule(command string) (*compiledGenericRule, []string, error) {
	for _, r := range a.rules {
		if m := r.pattern.FindStringSubmatch(command); m != nil {
			return r, m, nil
		}
	}
	return nil, nil, fmt.Errorf("generic-regex: no rule matched command %q", command)
}

func (a *GenericRegex) Write(ctx context.Context, data []byte) (int, error) {
	command := strings.TrimSpace(string(data))
	if command == "" {
		return 0, fmt.Errorf("generic-regex: empty command received")
	}

	rule, match, err := a.matchRule(command)
	if err != nil {
		return 0, err
	}

	requestText, err := renderGenericTemplate(rule.requestTemplate, rule.pattern, match, rule, true)
	if err != nil {
		return 0, fmt.Errorf("generic-regex: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensureConnectedLocked(); err != nil {
		return 0, err
	}
	if err := a.sendLocked([]byte(requestText)); err != nil {
		return 0, err
	}

	if rule.expectsResponse {
		_, respMatch, err := a.receiveResponseLocked(rule)
		if err != nil {
			return 0, err
		}
		formatted, err := renderGenericTemplate(rule.responseTemplate, rule.responsePattern, respMatch, rule, false)
		if err != nil {
			return 0, fmt.Errorf("generic-regex: %w", err)
		}
		if !strings.HasSuffix(formatted, "\n") {
			formatted += "\n"
		}
		a.buffer = formatted
	} else {
		a.buffer = ""
	}

	return len(data), nil
}

func (a *GenericRegex) Read(ctx context.Context, maxBytes int) ([]byte, ReadReason, error) {
	a.mu.Lock()
	resp := a.buffer
	a.buffer = ""
	a.mu.Unlock()
	if resp == "" {
		return nil, ReasonEndOfMessage, nil
	}
	if maxBytes > 0 && len(resp) > maxBytes {
		resp = resp[:maxBytes]
	}
	return []byte(resp), ReasonEndOfMessage, nil
}
