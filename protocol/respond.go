package protocol

import (
	"context"
	"encoding/json"
	"net/http"

	"goa.design/clue/log"
)

// WriteJSON writes v as the complete JSON response body.
func WriteJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf(ctx, err, "write response")
	}
}

// WriteError writes the error body shape shared by the protocol endpoints.
func WriteError(ctx context.Context, w http.ResponseWriter, status int, message, typ string) {
	WriteJSON(ctx, w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    typ,
		},
	})
}
