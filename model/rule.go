// model/rule.go
package model

// MatchKind is the tag of a field-level match predicate. Patterns are
// evaluated by explicit dispatch over this tag.
type MatchKind int

const (
	// MatchAny matches every value (field absent from the pattern).
	MatchAny MatchKind = iota
	// MatchExact matches a single value.
	MatchExact
	// MatchOneOf matches any value in a set.
	MatchOneOf
)

// FieldMatch is a tagged-variant predicate over one event field.
type FieldMatch struct {
	Kind   MatchKind
	Value  string
	Values []string
}

// Matches reports whether the field value satisfies the predicate.
func (f FieldMatch) Matches(value string) bool {
	switch f.Kind {
	case MatchAny:
		return true
	case MatchExact:
		return f.Value == value
	case MatchOneOf:
		for _, v := range f.Values {
			if v == value {
				return true
			}
		}
		return false
	default:
		// Unknown kinds fail closed.
		return false
	}
}

// Pattern is a routing predicate over the event match keys. A rule matches
// only when every field predicate matches.
type Pattern struct {
	Account    FieldMatch
	Source     FieldMatch
	DetailType FieldMatch
}

// Matches reports whether every field predicate matches the event.
func (p Pattern) Matches(evt Event) bool {
	return p.Account.Matches(evt.Account) &&
		p.Source.Matches(evt.Source) &&
		p.DetailType.Matches(evt.DetailType)
}

// Rule is a declarative routing predicate mapping event attributes to a set
// of consumers. Rules are static configuration, loaded at startup.
type Rule struct {
	Name    string
	Pattern Pattern
	Targets []string
}

// Match records which rule selected which consumer for an event. The rule
// name is carried through to the dispatcher's permission check.
type Match struct {
	Rule       string
	ConsumerID string
}
