package health

import (
	"context"
	"fmt"
	"net/http"

	"github.com/MrWong99/voicedesk/internal/resilience"
)

// Backend reports whether the decision backend answers HTTP at baseURL. Any
// response below 500 counts as reachable; the probe is a HEAD on the base.
func Backend(client *http.Client, baseURL string) Checker {
	if client == nil {
		client = http.DefaultClient
	}
	return Checker{
		Name: "backend",
		Check: func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodHead, baseURL, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()
			if resp.StatusCode >= http.StatusInternalServerError {
				return fmt.Errorf("status %d", resp.StatusCode)
			}
			return nil
		},
	}
}

// Breaker fails while cb is open.
func Breaker(name string, cb *resilience.CircuitBreaker) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if s := cb.State(); s == resilience.StateOpen {
				return fmt.Errorf("circuit %s", s)
			}
			return nil
		},
	}
}

// Pinger is satisfied by database handles such as the transcript archive.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping wraps p as a checker.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}
