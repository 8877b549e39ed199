package gateway

import (
	"encoding/json"
	"net/http"
)

// Ping answers liveness checks with the JSON string "pong".
func Ping(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode("pong")
}
