// filter/predicate.go
package filter

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/campusops/relay/config"
	logger "github.com/campusops/relay/logging"
	"github.com/campusops/relay/model"
)

// RateLimitFunc checks a sliding-window rate limit for a key. db.RateLimit
// satisfies this signature.
type RateLimitFunc func(ctx context.Context, key string, limit int, per time.Duration) (bool, error)

// Predicate is a compiled request predicate. Compilation happens at load
// time; Match never fails at request time.
type Predicate interface {
	Match(ctx context.Context, req *model.Request) bool
}

type pathPrefixPredicate struct {
	prefix string
}

func (p pathPrefixPredicate) Match(_ context.Context, req *model.Request) bool {
	return strings.HasPrefix(req.Path, p.prefix)
}

type pathExactPredicate struct {
	path string
}

func (p pathExactPredicate) Match(_ context.Context, req *model.Request) bool {
	return req.Path == p.path
}

type headerPredicate struct {
	name  string
	value string
}

func (p headerPredicate) Match(_ context.Context, req *model.Request) bool {
	return req.Header(p.name) == p.value
}

type cidrPredicate struct {
	nets []*net.IPNet
}

func (p cidrPredicate) Match(_ context.Context, req *model.Request) bool {
	ip := net.ParseIP(req.SourceIP)
	if ip == nil {
		return false
	}
	for _, n := range p.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// bodySizePredicate matches when the body exceeds the limit, so the owning
// rule's action applies to oversized requests.
type bodySizePredicate struct {
	maxBytes int64
}

func (p bodySizePredicate) Match(_ context.Context, req *model.Request) bool {
	return int64(len(req.Body)) > p.maxBytes
}

type countryPredicate struct {
	countries map[string]bool
}

func (p countryPredicate) Match(_ context.Context, req *model.Request) bool {
	return p.countries[strings.ToUpper(req.Country)]
}

// ratePredicate matches when the caller exceeds the configured request rate.
// Limiter errors are logged and treated as no-match so a rate-store outage
// never blocks admission on its own.
type ratePredicate struct {
	name    string
	limit   int
	per     time.Duration
	limiter RateLimitFunc
}

func (p ratePredicate) Match(ctx context.Context, req *model.Request) bool {
	allowed, err := p.limiter(ctx, fmt.Sprintf("%s:%s", p.name, req.SourceIP), p.limit, p.per)
	if err != nil {
		logger.Error("Rate predicate check failed",
			zap.Error(err),
			zap.String("rule", p.name),
			zap.String("ip", req.SourceIP))
		return false
	}
	return !allowed
}

func compilePredicate(name string, cfg *config.PredicateConfig, limiter RateLimitFunc) (Predicate, error) {
	if cfg == nil {
		return nil, fmt.Errorf("predicate missing")
	}
	switch {
	case cfg.PathPrefix != "":
		return pathPrefixPredicate{prefix: cfg.PathPrefix}, nil
	case cfg.PathExact != "":
		return pathExactPredicate{path: cfg.PathExact}, nil
	case cfg.Header != "":
		return headerPredicate{name: cfg.Header, value: cfg.HeaderValue}, nil
	case len(cfg.SourceCIDRs) > 0:
		nets := make([]*net.IPNet, 0, len(cfg.SourceCIDRs))
		for _, cidr := range cfg.SourceCIDRs {
			_, n, err := net.ParseCIDR(cidr)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %v", cidr, err)
			}
			nets = append(nets, n)
		}
		return cidrPredicate{nets: nets}, nil
	case cfg.MaxBodyBytes > 0:
		return bodySizePredicate{maxBytes: cfg.MaxBodyBytes}, nil
	case len(cfg.Countries) > 0:
		countries := make(map[string]bool, len(cfg.Countries))
		for _, c := range cfg.Countries {
			countries[strings.ToUpper(c)] = true
		}
		return countryPredicate{countries: countries}, nil
	case cfg.RateLimit > 0:
		if limiter == nil {
			return nil, fmt.Errorf("rate predicate requires a rate limiter")
		}
		return ratePredicate{name: name, limit: cfg.RateLimit, per: cfg.RatePer, limiter: limiter}, nil
	default:
		return nil, fmt.Errorf("predicate is empty")
	}
}
