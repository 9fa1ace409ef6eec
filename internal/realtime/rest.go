package realtime

import (
	"encoding/json"
	"io"
	"net/http"

	"tabbridge/internal/conn"
	"tabbridge/internal/mux"
	"tabbridge/internal/protocol"
)

const maxBodyBytes = 1 << 20 // 1 MB

// handleRPC serves a single request/response exchange. The caller is
// registered as a throwaway multiplexer client so its id gets the same
// isolation as a long-lived socket.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, `{"error":"request body too large or unreadable"}`, http.StatusBadRequest)
		return
	}

	var resp protocol.Response
	req, err := protocol.ValidateRequest(body)
	if err != nil {
		var id json.RawMessage
		if req != nil {
			id = req.ID
		}
		resp = protocol.ErrorResponseFrom(id, err)
	} else {
		clientID := s.broker.Register()
		defer s.broker.Unregister(clientID)
		resp = s.broker.Execute(clientID, *req)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type healthResponse struct {
	State string    `json:"state"`
	Mux   mux.Stats `json:"mux"`
}

// handleHealthz reports connection state and multiplexer counters.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		State: string(s.health.State()),
		Mux:   s.broker.Stats(),
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.State != string(conn.StateConnected) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}
