package observability

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/render"
)

const (
	componentUp       = "up"
	componentDownPref = "down: "
)

// readinessReport is the JSON body of the readiness probe.
type readinessReport struct {
	Status   map[string]string `json:"status"`
	Draining bool              `json:"draining,omitempty"`
	Duration string            `json:"duration"`
}

// liveness only proves the process can still serve HTTP.
func (s *Server) liveness(w http.ResponseWriter, r *http.Request) {
	render.PlainText(w, r, "ok")
}

// readiness reports 503 while any dependency is down or the instance is draining.
func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Timeout)
	defer cancel()

	states := s.probeAll(ctx)

	report := readinessReport{
		Status:   make(map[string]string, len(states)),
		Draining: s.draining.Load(),
	}
	ready := !report.Draining
	for _, st := range states {
		if st.err != nil {
			report.Status[st.name] = componentDownPref + st.err.Error()
			ready = false
			continue
		}
		report.Status[st.name] = componentUp
	}
	report.Duration = time.Since(start).String()

	if ready {
		render.Status(r, http.StatusOK)
	} else {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, report)
}

type componentState struct {
	name string
	err  error
}

// probeAll runs every checker concurrently. Results keep checker order.
func (s *Server) probeAll(ctx context.Context) []componentState {
	states := make([]componentState, len(s.checkers))

	var wg sync.WaitGroup
	for i, c := range s.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			states[i] = componentState{name: c.Name(), err: c.Check(ctx)}
		}()
	}
	wg.Wait()

	for _, st := range states {
		if st.err != nil {
			s.logger.Warn("dependency not ready",
				slog.String("component", st.name),
				slog.String("error", st.err.Error()),
			)
		}
	}
	return states
}
