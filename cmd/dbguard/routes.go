package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonwraymond/dbguard/alerting"
	"github.com/jonwraymond/dbguard/client"
	"github.com/jonwraymond/dbguard/health"
	"github.com/jonwraymond/dbguard/resilience"
)

func (a *app) routes() *http.ServeMux {
	mux := http.NewServeMux()
	health.RegisterHandlers(mux, a.agg)
	mux.Handle("/metrics", promhttp.Handler())

	monitors := make([]*health.Monitor, 0, len(a.clients))
	for _, c := range a.clients {
		monitors = append(monitors, c.Monitor())
	}
	mux.HandleFunc("/debug/monitor", health.SnapshotHandler(monitors...))
	mux.HandleFunc("/debug/breaker", breakerHandler(a.clients))
	mux.HandleFunc("/debug/retry", retryHandler(a.clients))
	mux.HandleFunc("/debug/alerts", alertsHandler(a.engine))
	mux.HandleFunc("/debug/rules", rulesHandler(a.engine))
	return mux
}

func breakerHandler(clients []*client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]resilience.CircuitBreakerMetrics, len(clients))
		for _, c := range clients {
			out[c.Name()] = c.BreakerMetrics()
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func retryHandler(clients []*client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]resilience.RetryMetrics, len(clients))
		for _, c := range clients {
			out[c.Name()] = c.RetryMetrics()
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// alertsHandler lists alerts, newest first. ?active=true limits the list to
// unresolved alerts; ?limit=N bounds it.
func alertsHandler(engine *alerting.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if engine == nil {
			writeJSON(w, http.StatusOK, []alerting.Alert{})
			return
		}
		q := r.URL.Query()
		if q.Get("active") == "true" {
			writeJSON(w, http.StatusOK, nonNil(engine.ActiveAlerts()))
			return
		}
		limit := 0
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
				return
			}
			limit = n
		}
		writeJSON(w, http.StatusOK, nonNil(engine.Alerts(limit)))
	}
}

type ruleResponse struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Severity  string   `json:"severity"`
	Metric    string   `json:"metric"`
	Schema    string   `json:"schema,omitempty"`
	Operator  string   `json:"operator"`
	Threshold string   `json:"threshold"`
	For       string   `json:"for,omitempty"`
	Cooldown  string   `json:"cooldown"`
	Enabled   bool     `json:"enabled"`
	Channels  []string `json:"channels,omitempty"`
}

func rulesHandler(engine *alerting.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := []ruleResponse{}
		if engine != nil {
			for _, rule := range engine.Rules() {
				c := rule.Condition
				rr := ruleResponse{
					ID:        rule.ID,
					Name:      rule.Name,
					Severity:  string(rule.Severity),
					Metric:    string(c.Metric),
					Schema:    c.Schema,
					Operator:  string(c.Operator),
					Threshold: strconv.FormatFloat(c.Threshold, 'f', -1, 64),
					Cooldown:  rule.Cooldown.String(),
					Enabled:   rule.Enabled,
					Channels:  rule.Channels,
				}
				if c.Text != "" {
					rr.Threshold = c.Text
				}
				if c.For > 0 {
					rr.For = c.For.String()
				}
				out = append(out, rr)
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func nonNil(alerts []alerting.Alert) []alerting.Alert {
	if alerts == nil {
		return []alerting.Alert{}
	}
	return alerts
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
