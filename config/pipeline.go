// config/pipeline.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	relay_errors "github.com/campusops/relay/errors"
)

// PipelineConfig is the declarative pipeline configuration: filter rules,
// routing rules, consumers and grants, and authorizer settings. Loaded once
// at startup, validated fatally, and never mutated afterwards.
type PipelineConfig struct {
	Authorizer AuthorizerConfig `mapstructure:"authorizer"`
	Ingress    IngressConfig    `mapstructure:"ingress"`
	Filter     FilterConfig     `mapstructure:"filter"`
	Bus        BusConfig        `mapstructure:"bus"`
	Consumers  []ConsumerConfig `mapstructure:"consumers"`
	Audit      AuditConfig      `mapstructure:"audit"`
}

type AuthorizerConfig struct {
	ResultTTL           time.Duration     `mapstructure:"result_ttl"`
	TokenHeader         string            `mapstructure:"token_header"`
	JWTSecret           string            `mapstructure:"jwt_secret"`
	Issuer              string            `mapstructure:"issuer"`
	RequiredAttributes  []string          `mapstructure:"required_attributes"`
	SignaturePrincipals map[string]string `mapstructure:"signature_principals"`
}

type IngressConfig struct {
	Bus   BusSurfaceConfig   `mapstructure:"bus"`
	Proxy ProxySurfaceConfig `mapstructure:"proxy"`
}

// BusSurfaceConfig configures the direct bus entry surface. DetailType
// derivation is a configuration parameter: either the static value below, or
// the request body's DetailType field when DetailTypeFromBody is set.
type BusSurfaceConfig struct {
	Account            string `mapstructure:"account"`
	Source             string `mapstructure:"source"`
	DetailType         string `mapstructure:"detail_type"`
	DetailTypeFromBody bool   `mapstructure:"detail_type_from_body"`
	Auth               string `mapstructure:"auth"`
}

type ProxySurfaceConfig struct {
	Routes []ProxyRouteConfig `mapstructure:"routes"`
}

type ProxyRouteConfig struct {
	Resource string `mapstructure:"resource"`
	Consumer string `mapstructure:"consumer"`
}

// FilterConfig is the ordered access-filter rule set. DefaultAction is
// mandatory and explicit; load fails without it.
type FilterConfig struct {
	DefaultAction string             `mapstructure:"default_action"`
	Rules         []FilterRuleConfig `mapstructure:"rules"`
}

type FilterRuleConfig struct {
	Name       string            `mapstructure:"name"`
	Priority   int               `mapstructure:"priority"`
	Action     string            `mapstructure:"action"`
	Predicate  *PredicateConfig  `mapstructure:"predicate"`
	Group      []SubCheckConfig  `mapstructure:"group"`
	Overrides  map[string]string `mapstructure:"overrides"`
	ScopeDown  *PredicateConfig  `mapstructure:"scope_down"`
	Visibility bool              `mapstructure:"visibility"`
}

type SubCheckConfig struct {
	Name      string           `mapstructure:"name"`
	Action    string           `mapstructure:"action"`
	Predicate *PredicateConfig `mapstructure:"predicate"`
}

// PredicateConfig describes one request predicate. Exactly one field group
// must be set.
type PredicateConfig struct {
	PathPrefix   string        `mapstructure:"path_prefix"`
	PathExact    string        `mapstructure:"path_exact"`
	Header       string        `mapstructure:"header"`
	HeaderValue  string        `mapstructure:"header_value"`
	SourceCIDRs  []string      `mapstructure:"source_cidrs"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	Countries    []string      `mapstructure:"countries"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RatePer      time.Duration `mapstructure:"rate_per"`
}

type BusConfig struct {
	Rules []BusRuleConfig `mapstructure:"rules"`
}

type BusRuleConfig struct {
	Name    string           `mapstructure:"name"`
	Pattern BusPatternConfig `mapstructure:"pattern"`
	Targets []string         `mapstructure:"targets"`
}

// BusPatternConfig uses list semantics per field: absent means wildcard, one
// value means exact match, several values mean value-in-set.
type BusPatternConfig struct {
	Account    []string `mapstructure:"account"`
	Source     []string `mapstructure:"source"`
	DetailType []string `mapstructure:"detail_type"`
}

type ConsumerConfig struct {
	ID       string        `mapstructure:"id"`
	Endpoint string        `mapstructure:"endpoint"`
	Grants   []GrantConfig `mapstructure:"grants"`
}

type GrantConfig struct {
	Rule   string `mapstructure:"rule"`
	Source string `mapstructure:"source"`
}

type AuditConfig struct {
	RetentionDays int `mapstructure:"retention_days"`
}

// LoadPipeline unmarshals and validates the pipeline configuration. Any
// malformed rule, predicate, or grant fails here, never at request time.
func LoadPipeline() (*PipelineConfig, error) {
	var cfg PipelineConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", relay_errors.ErrConfigurationInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the structural invariants of the pipeline configuration.
func (c *PipelineConfig) Validate() error {
	if err := c.Filter.validate(); err != nil {
		return err
	}

	consumers := make(map[string]bool, len(c.Consumers))
	for _, consumer := range c.Consumers {
		if consumer.ID == "" {
			return invalid("consumer with empty id")
		}
		if consumers[consumer.ID] {
			return invalid("duplicate consumer id %q", consumer.ID)
		}
		consumers[consumer.ID] = true
		if consumer.Endpoint == "" {
			return invalid("consumer %q has no endpoint", consumer.ID)
		}
		for _, grant := range consumer.Grants {
			if grant.Rule == "" && grant.Source == "" {
				return invalid("consumer %q has an empty permission grant", consumer.ID)
			}
		}
	}

	ruleNames := make(map[string]bool, len(c.Bus.Rules))
	for _, rule := range c.Bus.Rules {
		if rule.Name == "" {
			return invalid("bus rule with empty name")
		}
		if ruleNames[rule.Name] {
			return invalid("duplicate bus rule %q", rule.Name)
		}
		ruleNames[rule.Name] = true
		if len(rule.Targets) == 0 {
			return invalid("bus rule %q has no targets", rule.Name)
		}
		for _, target := range rule.Targets {
			if !consumers[target] {
				return invalid("bus rule %q targets unknown consumer %q", rule.Name, target)
			}
		}
	}

	switch c.Ingress.Bus.Auth {
	case "token", "signature":
	case "":
		return invalid("ingress.bus.auth must be set to token or signature")
	default:
		return invalid("unknown ingress.bus.auth %q", c.Ingress.Bus.Auth)
	}
	if c.Ingress.Bus.Source == "" {
		return invalid("ingress.bus.source must be set")
	}
	if c.Ingress.Bus.Account == "" {
		return invalid("ingress.bus.account must be set")
	}
	if c.Ingress.Bus.DetailType == "" && !c.Ingress.Bus.DetailTypeFromBody {
		return invalid("ingress.bus.detail_type must be set when not derived from the body")
	}

	seen := make(map[string]bool, len(c.Ingress.Proxy.Routes))
	for _, route := range c.Ingress.Proxy.Routes {
		if route.Resource == "" {
			return invalid("proxy route with empty resource")
		}
		if seen[route.Resource] {
			return invalid("duplicate proxy route %q", route.Resource)
		}
		seen[route.Resource] = true
		if !consumers[route.Consumer] {
			return invalid("proxy route %q bound to unknown consumer %q", route.Resource, route.Consumer)
		}
	}

	if c.Authorizer.ResultTTL <= 0 {
		return invalid("authorizer.result_ttl must be positive")
	}
	if c.Audit.RetentionDays <= 0 {
		return invalid("audit.retention_days must be positive")
	}

	return nil
}

func (f *FilterConfig) validate() error {
	switch f.DefaultAction {
	case "allow", "block":
	case "":
		return invalid("filter.default_action must be set explicitly")
	default:
		return invalid("unknown filter.default_action %q", f.DefaultAction)
	}

	names := make(map[string]bool, len(f.Rules))
	for _, rule := range f.Rules {
		if rule.Name == "" {
			return invalid("filter rule with empty name")
		}
		if names[rule.Name] {
			return invalid("duplicate filter rule %q", rule.Name)
		}
		names[rule.Name] = true

		if len(rule.Group) > 0 {
			if rule.Predicate != nil {
				return invalid("filter rule %q sets both predicate and group", rule.Name)
			}
			subNames := make(map[string]bool, len(rule.Group))
			for _, sub := range rule.Group {
				if sub.Name == "" {
					return invalid("filter rule %q has a sub-check with no name", rule.Name)
				}
				if subNames[sub.Name] {
					return invalid("filter rule %q has duplicate sub-check %q", rule.Name, sub.Name)
				}
				subNames[sub.Name] = true
				if !validAction(sub.Action) {
					return invalid("filter rule %q sub-check %q has unknown action %q", rule.Name, sub.Name, sub.Action)
				}
				if err := validatePredicate(sub.Predicate); err != nil {
					return invalid("filter rule %q sub-check %q: %v", rule.Name, sub.Name, err)
				}
			}
			for name, action := range rule.Overrides {
				if !subNames[name] {
					return invalid("filter rule %q overrides unknown sub-check %q", rule.Name, name)
				}
				if !validAction(action) {
					return invalid("filter rule %q override for %q has unknown action %q", rule.Name, name, action)
				}
			}
		} else {
			if !validAction(rule.Action) {
				return invalid("filter rule %q has unknown action %q", rule.Name, rule.Action)
			}
			if err := validatePredicate(rule.Predicate); err != nil {
				return invalid("filter rule %q: %v", rule.Name, err)
			}
			if len(rule.Overrides) > 0 {
				return invalid("filter rule %q has overrides but no group", rule.Name)
			}
		}

		if rule.ScopeDown != nil {
			if err := validatePredicate(rule.ScopeDown); err != nil {
				return invalid("filter rule %q scope-down: %v", rule.Name, err)
			}
		}
	}
	return nil
}

func validatePredicate(p *PredicateConfig) error {
	if p == nil {
		return fmt.Errorf("predicate missing")
	}
	set := 0
	if p.PathPrefix != "" {
		set++
	}
	if p.PathExact != "" {
		set++
	}
	if p.Header != "" {
		set++
	}
	if len(p.SourceCIDRs) > 0 {
		set++
	}
	if p.MaxBodyBytes > 0 {
		set++
	}
	if len(p.Countries) > 0 {
		set++
	}
	if p.RateLimit > 0 {
		set++
	}
	if set == 0 {
		return fmt.Errorf("predicate is empty")
	}
	if set > 1 {
		return fmt.Errorf("predicate sets more than one condition")
	}
	if p.Header != "" && p.HeaderValue == "" {
		return fmt.Errorf("header predicate requires header_value")
	}
	if p.RateLimit > 0 && p.RatePer <= 0 {
		return fmt.Errorf("rate predicate requires rate_per")
	}
	return nil
}

func validAction(action string) bool {
	switch action {
	case "allow", "block", "count":
		return true
	}
	return false
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{relay_errors.ErrConfigurationInvalid}, args...)...)
}
