package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"nexus-backend/internal/voice"
)

// IceServers hands the caller its STUN endpoints plus short-lived TURN
// credentials. Credentials are derived per request, never stored.
func IceServers(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value(AccountIDKeyType{}).(int64)
	if !ok {
		http.Error(w, "", http.StatusUnauthorized)
		return
	}

	servers := voice.ICEServers(cfg, accountID, time.Now())

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(servers); err != nil {
		sugar.Error(err)
	}
}
