package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Auth strategies. BearerToken and DirectToken are aliases, as are
// CustomLogin and MultiStep.
const (
	AuthBearerToken = "BearerToken"
	AuthDirectToken = "DirectToken"
	AuthCustomLogin = "CustomLogin"
	AuthMultiStep   = "MultiStep"
)

const (
	ProviderWebSocket     = "WebSocket"
	ProviderLightstreamer = "Lightstreamer"
)

// BrokerConfig is one broker document. JSON documents match field names
// case-insensitively; YAML documents use the camelCase names below.
type BrokerConfig struct {
	Name           string              `json:"name" yaml:"name"`
	Transport      string              `json:"transport" yaml:"transport"`
	BrokerTemplate string              `json:"brokerTemplate" yaml:"brokerTemplate"`
	Account        string              `json:"account" yaml:"account"`
	LogPrefix      string              `json:"logPrefix" yaml:"logPrefix"`
	HTTP           HTTPConfig          `json:"http" yaml:"http"`
	Vars           map[string]string   `json:"vars" yaml:"vars"`
	Auth           AuthConfig          `json:"auth" yaml:"auth"`
	Operations     []OperationConfig   `json:"operations" yaml:"operations"`
	BasePositions  BasePositionsConfig `json:"basePositions" yaml:"basePositions"`
	Directions     map[string]string   `json:"directions" yaml:"directions"`
	Streaming      StreamingConfig     `json:"streaming" yaml:"streaming"`
}

type HTTPConfig struct {
	BaseURL        string            `json:"baseUrl" yaml:"baseUrl"`
	DefaultHeaders map[string]string `json:"defaultHeaders" yaml:"defaultHeaders"`
	TimeoutSeconds int               `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	RateLimit      RateLimitConfig   `json:"rateLimit" yaml:"rateLimit"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requestsPerSecond" yaml:"requestsPerSecond"`
	Burst             int     `json:"burst" yaml:"burst"`
}

type AuthConfig struct {
	Token  string       `json:"token" yaml:"token"`
	Header string       `json:"header" yaml:"header"`
	Scheme string       `json:"scheme" yaml:"scheme"`
	Steps  []StepConfig `json:"steps" yaml:"steps"`
}

// StepConfig is one HTTP call plus what to capture from its response.
type StepConfig struct {
	Name         string        `json:"name" yaml:"name"`
	Request      RequestConfig `json:"request" yaml:"request"`
	Extract      ExtractConfig `json:"extract" yaml:"extract"`
	BindDefaults BindConfig    `json:"bindDefaults" yaml:"bindDefaults"`
}

type RequestConfig struct {
	Method      string            `json:"method" yaml:"method"`
	Path        string            `json:"path" yaml:"path"`
	AbsoluteURL string            `json:"absoluteUrl" yaml:"absoluteUrl"`
	Headers     map[string]string `json:"headers" yaml:"headers"`
	Query       map[string]string `json:"query" yaml:"query"`
	Body        any               `json:"body" yaml:"body"`
	ContentType string            `json:"contentType" yaml:"contentType"`
}

// ExtractConfig maps variable name -> header name and variable name -> JSON path.
type ExtractConfig struct {
	Headers map[string]string `json:"headers" yaml:"headers"`
	JSON    map[string]string `json:"json" yaml:"json"`
}

// BindConfig maps header name -> templated value promoted to a session default.
type BindConfig struct {
	Headers map[string]string `json:"headers" yaml:"headers"`
}

type OperationConfig struct {
	Name    string            `json:"name" yaml:"name"`
	Method  string            `json:"method" yaml:"method"`
	Path    string            `json:"path" yaml:"path"`
	Headers map[string]string `json:"headers" yaml:"headers"`
	Query   map[string]string `json:"query" yaml:"query"`
	Body    any               `json:"body" yaml:"body"`
}

// Request converts the operation into a step request.
func (o OperationConfig) Request() RequestConfig {
	r := RequestConfig{Method: o.Method, Headers: o.Headers, Query: o.Query, Body: o.Body}
	if isAbsolute(o.Path) {
		r.AbsoluteURL = o.Path
	} else {
		r.Path = o.Path
	}
	return r
}

type BasePositionsConfig struct {
	Operation string            `json:"operation" yaml:"operation"`
	Method    string            `json:"method" yaml:"method"`
	URL       string            `json:"url" yaml:"url"`
	Headers   map[string]string `json:"headers" yaml:"headers"`
	JSONPaths PositionPaths     `json:"jsonPaths" yaml:"jsonPaths"`
}

// PositionPaths are dotted paths into each row of the base-position array.
type PositionPaths struct {
	Array         string `json:"array" yaml:"array"`
	DealID        string `json:"dealId" yaml:"dealId"`
	Epic          string `json:"epic" yaml:"epic"`
	Amount        string `json:"amount" yaml:"amount"`
	OpenLevel     string `json:"openLevel" yaml:"openLevel"`
	Currency      string `json:"currency" yaml:"currency"`
	Uic           string `json:"uic" yaml:"uic"`
	Direction     string `json:"direction" yaml:"direction"`
	Account       string `json:"account" yaml:"account"`
	ValuePerPoint string `json:"valuePerPoint" yaml:"valuePerPoint"`
	ScalingFactor string `json:"scalingFactor" yaml:"scalingFactor"`
}

// Enabled reports whether the broker has a base-position endpoint.
func (b BasePositionsConfig) Enabled() bool {
	return b.URL != "" || b.Operation != ""
}

type StreamingConfig struct {
	Provider      string       `json:"provider" yaml:"provider"`
	PreSteps      []StepConfig `json:"preSteps" yaml:"preSteps"`
	Subscriptions []StepConfig `json:"subscriptions" yaml:"subscriptions"`
	RefreshSteps  []StepConfig `json:"refreshSteps" yaml:"refreshSteps"`
	Ws            WsConfig     `json:"ws" yaml:"ws"`
	Frames        FramesConfig `json:"frames" yaml:"frames"`
}

// Enabled reports whether the broker streams at all.
func (s StreamingConfig) Enabled() bool {
	return s.Ws.URL != ""
}

type WsConfig struct {
	URL      string            `json:"url" yaml:"url"`
	Headers  map[string]string `json:"headers" yaml:"headers"`
	Messages []any             `json:"messages" yaml:"messages"`
}

type FramesConfig struct {
	ReferenceID    string   `json:"referenceId" yaml:"referenceId"`
	DataArrayPath  string   `json:"dataArrayPath" yaml:"dataArrayPath"`
	SnapshotPath   string   `json:"snapshotPath" yaml:"snapshotPath"`
	IdentityFields []string `json:"identityFields" yaml:"identityFields"`
	IngestTemplate any      `json:"ingestTemplate" yaml:"ingestTemplate"`
}

// DefaultIdentityFields are tried in order when a document names none.
var DefaultIdentityFields = []string{"PositionId", "DealId", "NetPositionId"}

// ApplyDefaults fills in every optional field.
func (b *BrokerConfig) ApplyDefaults() {
	b.Name = strings.TrimSpace(b.Name)
	if b.LogPrefix == "" {
		b.LogPrefix = "[" + b.Name + "]"
	}
	if b.Transport == "" {
		b.Transport = "Http"
	}
	if b.BrokerTemplate == "" {
		if len(b.Auth.Steps) > 0 {
			b.BrokerTemplate = AuthCustomLogin
		} else {
			b.BrokerTemplate = AuthBearerToken
		}
	}
	b.HTTP.BaseURL = strings.TrimRight(strings.TrimSpace(b.HTTP.BaseURL), "/")
	if b.HTTP.TimeoutSeconds <= 0 {
		b.HTTP.TimeoutSeconds = 30
	}
	if b.Vars == nil {
		b.Vars = map[string]string{}
	}
	if b.BasePositions.Method == "" {
		b.BasePositions.Method = "GET"
	}
	p := &b.BasePositions.JSONPaths
	setDefault(&p.DealID, "dealId")
	setDefault(&p.Epic, "epic")
	setDefault(&p.Amount, "amount")
	setDefault(&p.OpenLevel, "openLevel")
	setDefault(&p.Currency, "currency")
	setDefault(&p.Uic, "PositionBase.Uic")
	setDefault(&p.Direction, "direction")
	setDefault(&p.ValuePerPoint, "position.contractSize")
	setDefault(&p.ScalingFactor, "scalingFactor")

	s := &b.Streaming
	setDefault(&s.Provider, ProviderWebSocket)
	setDefault(&s.Frames.DataArrayPath, "Data")
	setDefault(&s.Frames.SnapshotPath, "Snapshot.Data")
	if len(s.Frames.IdentityFields) == 0 {
		s.Frames.IdentityFields = append([]string(nil), DefaultIdentityFields...)
	}
	for i := range b.Operations {
		if b.Operations[i].Method == "" {
			b.Operations[i].Method = "GET"
		}
	}
}

// Validate checks what cannot be defaulted.
func (b *BrokerConfig) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch {
	case strings.EqualFold(b.BrokerTemplate, AuthBearerToken), strings.EqualFold(b.BrokerTemplate, AuthDirectToken):
	case strings.EqualFold(b.BrokerTemplate, AuthCustomLogin), strings.EqualFold(b.BrokerTemplate, AuthMultiStep):
		if len(b.Auth.Steps) == 0 {
			return fmt.Errorf("brokerTemplate %s requires auth.steps", b.BrokerTemplate)
		}
	default:
		return fmt.Errorf("unknown brokerTemplate '%s'", b.BrokerTemplate)
	}
	if b.HTTP.BaseURL == "" && needsBaseURL(b) {
		return fmt.Errorf("http.baseUrl is required")
	}
	if op := b.BasePositions.Operation; op != "" {
		if _, ok := b.Operation(op); !ok {
			return fmt.Errorf("basePositions.operation '%s' is not defined", op)
		}
	}
	return nil
}

// Operation finds a named REST operation, case-insensitively.
func (b *BrokerConfig) Operation(name string) (OperationConfig, bool) {
	for _, op := range b.Operations {
		if strings.EqualFold(op.Name, name) {
			return op, true
		}
	}
	return OperationConfig{}, false
}

// IsMultiStep reports whether authentication runs HTTP steps.
func (b *BrokerConfig) IsMultiStep() bool {
	return strings.EqualFold(b.BrokerTemplate, AuthCustomLogin) || strings.EqualFold(b.BrokerTemplate, AuthMultiStep)
}

func needsBaseURL(b *BrokerConfig) bool {
	steps := append(append(append([]StepConfig{}, b.Auth.Steps...), b.Streaming.PreSteps...), b.Streaming.Subscriptions...)
	for _, s := range steps {
		if s.Request.AbsoluteURL == "" && !isAbsolute(s.Request.Path) {
			return true
		}
	}
	return b.BasePositions.URL != "" && !isAbsolute(b.BasePositions.URL)
}

func isAbsolute(u string) bool {
	u = strings.ToLower(strings.TrimSpace(u))
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

func setDefault(field *string, value string) {
	if strings.TrimSpace(*field) == "" {
		*field = value
	}
}

// LoadBroker reads one .json, .yaml or .yml broker document.
func LoadBroker(path string) (BrokerConfig, error) {
	var cfg BrokerConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read broker file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported broker file extension '%s'", filepath.Ext(path))
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to parse broker file %s: %w", filepath.Base(path), err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid broker file %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// LoadBrokers scans dir (not recursively) for broker documents. Invalid
// documents are skipped and reported through the joined error, so one bad
// file never hides the others.
func LoadBrokers(dir string) ([]BrokerConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read brokers dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var (
		out  []BrokerConfig
		errs []error
		seen = map[string]string{}
	)
	for _, name := range names {
		cfg, err := LoadBroker(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		key := strings.ToLower(cfg.Name)
		if prev, ok := seen[key]; ok {
			errs = append(errs, fmt.Errorf("broker '%s' in %s already defined in %s", cfg.Name, name, prev))
			continue
		}
		seen[key] = name
		out = append(out, cfg)
	}
	return out, errors.Join(errs...)
}
