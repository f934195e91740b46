package notify

import (
	"fmt"
	"time"

	"github.com/diamory/diamory-backend/internal/config"
)

// FromConfig builds a dispatcher over the enabled providers. sesAPI may be
// nil when no ses provider is enabled.
func FromConfig(mc config.MailConfig, sesAPI SESAPI) (*Dispatcher, error) {
	provs := make([]Provider, 0, len(mc.Providers))
	for _, pc := range mc.Providers {
		if !pc.Enabled {
			continue
		}
		bo := BreakerOpts{
			FailThreshold: pc.Breaker.FailThreshold,
			OpenFor:       time.Duration(pc.Breaker.OpenForMs) * time.Millisecond,
		}
		timeout := time.Duration(pc.TimeoutMs) * time.Millisecond
		switch pc.Kind {
		case "ses":
			if sesAPI == nil {
				return nil, fmt.Errorf("mail provider %q: ses client not configured", pc.Name)
			}
			provs = append(provs, NewSESProvider(pc.Name, sesAPI, timeout, bo))
		case "http":
			if pc.BaseURL == "" {
				return nil, fmt.Errorf("mail provider %q: base_url is empty", pc.Name)
			}
			provs = append(provs, NewHTTPProvider(pc.Name, pc.BaseURL, pc.Path, timeout, bo))
		default:
			return nil, fmt.Errorf("mail provider %q: unknown kind %q", pc.Name, pc.Kind)
		}
	}
	if len(provs) == 0 {
		return nil, fmt.Errorf("no mail providers enabled")
	}
	if mc.From == "" {
		return nil, fmt.Errorf("mail.from is empty")
	}
	return NewDispatcher(mc.From, provs, mc.MaxAttempts), nil
}
