package handlers

import (
	"net/http"

	"github.com/shellport/shellport/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	vaultStatus := "unavailable"
	if Vault != nil {
		if st, err := Vault.Status(); err == nil {
			switch {
			case !st.Initialized:
				vaultStatus = "uninitialized"
			case st.Locked:
				vaultStatus = "locked"
			default:
				vaultStatus = "unlocked"
			}
		}
	}

	sessions := 0
	if Sessions != nil {
		sessions = len(Sessions.List())
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"database": dbStatus,
		"vault":    vaultStatus,
		"sessions": sessions,
	})
}
