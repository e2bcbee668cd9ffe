package handlers

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shellport/shellport/internal/logutil"
)

// GetMetrics samples one metric family over the monitor transport of a
// session. The family is one of cpu, memory, disks, network or os.
func GetMetrics(w http.ResponseWriter, r *http.Request) {
	if Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "Session registry not initialized")
		return
	}
	id := chi.URLParam(r, "id")
	family := chi.URLParam(r, "family")

	runner, err := Sessions.Monitor(id)
	if err != nil {
		writeErr(w, err)
		return
	}

	sampler := Sessions.Sampler()
	ctx := r.Context()

	var result interface{}
	switch family {
	case "cpu":
		result, err = sampler.CPU(ctx, id, runner)
	case "memory":
		result, err = sampler.Memory(ctx, runner)
	case "disks":
		result, err = sampler.Disks(ctx, id, runner)
	case "network":
		result, err = sampler.Network(ctx, id, runner)
	case "os":
		result, err = sampler.OSInfo(ctx, runner)
	default:
		writeError(w, http.StatusNotFound, "Unknown metric family")
		return
	}
	if err != nil {
		log.Printf("[metrics] %s for session=%s: %v", family, logutil.SanitizeForLog(id), err)
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
