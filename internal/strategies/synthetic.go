package strategies

import (
	"encoding/json"
	"net/http"

	"github.com/taskhive/cachegw/internal/cachestore"
)

// Synthetic response bodies returned when neither cache nor network can
// answer. Shapes are part of the agent's external interface and must stay
// stable.

// offlineMessage is the user-facing string carried in synthetic 503 bodies.
const offlineMessage = "You appear to be offline and this data has not been cached yet."

// syntheticOffline builds the 503 JSON body returned for API requests that
// fail with no cached fallback.
func syntheticOffline() *cachestore.StoredResponse {
	body, _ := json.Marshal(map[string]string{
		"error":   "Offline",
		"message": offlineMessage,
	})
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return cachestore.NewStoredResponse(http.StatusServiceUnavailable, h, body)
}

// syntheticNotFound builds the empty 404 returned for missing static assets.
func syntheticNotFound() *cachestore.StoredResponse {
	return cachestore.NewStoredResponse(http.StatusNotFound, http.Header{}, nil)
}

// syntheticEmptyObject builds the `{}` fallback used by the version probe,
// where the absence of a definitive answer must not break the update loop.
func syntheticEmptyObject() *cachestore.StoredResponse {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return cachestore.NewStoredResponse(http.StatusOK, h, []byte("{}"))
}
