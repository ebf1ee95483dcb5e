// bus/router.go
package bus

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/campusops/relay/config"
	relay_errors "github.com/campusops/relay/errors"
	logger "github.com/campusops/relay/logging"
	"github.com/campusops/relay/model"
)

// Router matches events against the static rule set. The rule set is
// immutable after NewRouter, so Route is a pure function safe for concurrent
// use without locking.
type Router struct {
	rules []model.Rule
}

// NewRouter compiles the routing rules. An empty or malformed pattern fails
// here; at runtime such a rule can therefore never match.
func NewRouter(cfg config.BusConfig) (*Router, error) {
	rules := make([]model.Rule, 0, len(cfg.Rules))
	for _, rc := range cfg.Rules {
		if rc.Name == "" {
			return nil, invalid("rule with empty name")
		}
		if len(rc.Targets) == 0 {
			return nil, invalid("rule %q has no targets", rc.Name)
		}
		if len(rc.Pattern.Account) == 0 && len(rc.Pattern.Source) == 0 && len(rc.Pattern.DetailType) == 0 {
			return nil, invalid("rule %q has an empty pattern", rc.Name)
		}

		rules = append(rules, model.Rule{
			Name: rc.Name,
			Pattern: model.Pattern{
				Account:    compileField(rc.Pattern.Account),
				Source:     compileField(rc.Pattern.Source),
				DetailType: compileField(rc.Pattern.DetailType),
			},
			Targets: rc.Targets,
		})
	}
	return &Router{rules: rules}, nil
}

// compileField maps list semantics onto the tagged predicate variant: absent
// means don't care, one value means exact, several mean value-in-set.
func compileField(values []string) model.FieldMatch {
	switch len(values) {
	case 0:
		return model.FieldMatch{Kind: model.MatchAny}
	case 1:
		return model.FieldMatch{Kind: model.MatchExact, Value: values[0]}
	default:
		return model.FieldMatch{Kind: model.MatchOneOf, Values: values}
	}
}

// Route returns the union of every matching rule's targets, as rule/consumer
// pairs. Every matching rule fires; there is no precedence. An empty result
// is logged, not an error.
func (r *Router) Route(evt model.Event) []model.Match {
	var matches []model.Match
	seen := make(map[model.Match]bool)

	for _, rule := range r.rules {
		if !rule.Pattern.Matches(evt) {
			continue
		}
		for _, target := range rule.Targets {
			match := model.Match{Rule: rule.Name, ConsumerID: target}
			if seen[match] {
				continue
			}
			seen[match] = true
			matches = append(matches, match)
		}
	}

	if len(matches) == 0 {
		logger.Info("No routing rule matched",
			zap.String("eventID", evt.ID),
			zap.String("source", evt.Source),
			zap.String("detailType", evt.DetailType))
	}
	return matches
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{relay_errors.ErrConfigurationInvalid}, args...)...)
}
