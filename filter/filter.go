// filter/filter.go
package filter

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/campusops/relay/config"
	relay_errors "github.com/campusops/relay/errors"
	logger "github.com/campusops/relay/logging"
	"github.com/campusops/relay/model"
)

// Action is a filter rule's effect.
type Action int

const (
	ActionAllow Action = iota
	ActionBlock
	ActionCount
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionBlock:
		return "block"
	case ActionCount:
		return "count"
	}
	return "unknown"
}

func parseAction(s string) (Action, error) {
	switch s {
	case "allow":
		return ActionAllow, nil
	case "block":
		return ActionBlock, nil
	case "count":
		return ActionCount, nil
	}
	return ActionAllow, fmt.Errorf("unknown action %q", s)
}

type subCheck struct {
	name      string
	action    Action
	predicate Predicate
}

type compiledRule struct {
	name       string
	priority   int
	action     Action
	predicate  Predicate
	group      []subCheck
	overrides  map[string]Action
	scopeDown  Predicate
	visibility bool
}

// Outcome is the filter verdict for one request. Counted lists the rule and
// sub-check names whose COUNT action fired on the way to the decision.
type Outcome struct {
	Allowed bool
	Rule    string
	Counted []string
}

// Engine evaluates the ordered filter rule set. Immutable after NewEngine;
// safe for concurrent use.
type Engine struct {
	rules        []compiledRule
	defaultAllow bool
}

// NewEngine compiles the filter configuration. Malformed configuration fails
// here, never at request time.
func NewEngine(cfg config.FilterConfig, limiter RateLimitFunc) (*Engine, error) {
	switch cfg.DefaultAction {
	case "allow", "block":
	case "":
		return nil, invalid("default_action must be set explicitly")
	default:
		return nil, invalid("unknown default_action %q", cfg.DefaultAction)
	}

	rules := make([]compiledRule, 0, len(cfg.Rules))
	for _, rc := range cfg.Rules {
		if rc.Name == "" {
			return nil, invalid("rule with empty name")
		}
		if len(rc.Group) > 0 && rc.Predicate != nil {
			return nil, invalid("rule %q sets both predicate and group", rc.Name)
		}
		rule := compiledRule{
			name:       rc.Name,
			priority:   rc.Priority,
			visibility: rc.Visibility,
		}

		if len(rc.Group) > 0 {
			for _, sc := range rc.Group {
				action, err := parseAction(sc.Action)
				if err != nil {
					return nil, invalid("rule %q sub-check %q: %v", rc.Name, sc.Name, err)
				}
				pred, err := compilePredicate(rc.Name+"/"+sc.Name, sc.Predicate, limiter)
				if err != nil {
					return nil, invalid("rule %q sub-check %q: %v", rc.Name, sc.Name, err)
				}
				rule.group = append(rule.group, subCheck{name: sc.Name, action: action, predicate: pred})
			}
			if len(rc.Overrides) > 0 {
				subNames := make(map[string]bool, len(rule.group))
				for _, sc := range rule.group {
					subNames[sc.name] = true
				}
				rule.overrides = make(map[string]Action, len(rc.Overrides))
				for name, actionStr := range rc.Overrides {
					if !subNames[name] {
						return nil, invalid("rule %q overrides unknown sub-check %q", rc.Name, name)
					}
					action, err := parseAction(actionStr)
					if err != nil {
						return nil, invalid("rule %q override %q: %v", rc.Name, name, err)
					}
					rule.overrides[name] = action
				}
			}
		} else {
			action, err := parseAction(rc.Action)
			if err != nil {
				return nil, invalid("rule %q: %v", rc.Name, err)
			}
			rule.action = action
			pred, err := compilePredicate(rc.Name, rc.Predicate, limiter)
			if err != nil {
				return nil, invalid("rule %q: %v", rc.Name, err)
			}
			rule.predicate = pred
		}

		if rc.ScopeDown != nil {
			pred, err := compilePredicate(rc.Name+"/scope-down", rc.ScopeDown, limiter)
			if err != nil {
				return nil, invalid("rule %q scope-down: %v", rc.Name, err)
			}
			rule.scopeDown = pred
		}

		rules = append(rules, rule)
	}

	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].priority < rules[j].priority
	})

	return &Engine{
		rules:        rules,
		defaultAllow: cfg.DefaultAction == "allow",
	}, nil
}

// Evaluate walks the rules in ascending priority; the first decisive
// ALLOW/BLOCK wins. COUNT actions are recorded and evaluation continues.
func (e *Engine) Evaluate(ctx context.Context, req *model.Request) Outcome {
	var counted []string

	for i := range e.rules {
		rule := &e.rules[i]

		// A scope-down predicate gates the whole rule: outside the
		// scope the rule is skipped even if its primary predicate
		// would match.
		if rule.scopeDown != nil && !rule.scopeDown.Match(ctx, req) {
			continue
		}

		if len(rule.group) > 0 {
			decided, allowed := e.evaluateGroup(ctx, rule, req, &counted)
			if decided {
				return Outcome{Allowed: allowed, Rule: rule.name, Counted: counted}
			}
			continue
		}

		if !rule.predicate.Match(ctx, req) {
			continue
		}
		e.visible(rule, req, rule.action)
		switch rule.action {
		case ActionCount:
			counted = append(counted, rule.name)
		case ActionBlock:
			return Outcome{Allowed: false, Rule: rule.name, Counted: counted}
		case ActionAllow:
			return Outcome{Allowed: true, Rule: rule.name, Counted: counted}
		}
	}

	return Outcome{Allowed: e.defaultAllow, Counted: counted}
}

// evaluateGroup applies a managed rule group. Each matching sub-check uses
// its native action unless overridden; an overridden COUNT lets the request
// continue past a sub-check that would natively BLOCK.
func (e *Engine) evaluateGroup(ctx context.Context, rule *compiledRule, req *model.Request, counted *[]string) (decided, allowed bool) {
	for _, sc := range rule.group {
		if !sc.predicate.Match(ctx, req) {
			continue
		}
		action := sc.action
		if override, ok := rule.overrides[sc.name]; ok {
			action = override
		}
		e.visible(rule, req, action)
		switch action {
		case ActionCount:
			*counted = append(*counted, rule.name+"/"+sc.name)
		case ActionBlock:
			return true, false
		case ActionAllow:
			return true, true
		}
	}
	return false, false
}

func (e *Engine) visible(rule *compiledRule, req *model.Request, action Action) {
	if !rule.visibility {
		return
	}
	logger.Info("Filter rule matched",
		zap.String("rule", rule.name),
		zap.String("action", action.String()),
		zap.String("requestID", req.ID),
		zap.String("path", req.Path),
		zap.String("ip", req.SourceIP))
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{relay_errors.ErrConfigurationInvalid}, args...)...)
}
