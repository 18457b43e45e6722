package debrid

import (
	"fmt"
	"net/http"
	"time"
)

// Item is a single download entity (torrent or usenet job) owned by an
// account, as reported by the external API.
type Item struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Hash          string    `json:"hash,omitempty"`
	Kind          string    `json:"kind"`
	State         string    `json:"state"`
	Progress      float64   `json:"progress"`
	Size          int64     `json:"size"`
	Downloaded    int64     `json:"downloaded"`
	Uploaded      int64     `json:"uploaded"`
	DownloadSpeed int64     `json:"downloadSpeed"`
	UploadSpeed   int64     `json:"uploadSpeed"`
	Seeds         int       `json:"seeds"`
	Peers         int       `json:"peers"`
	Ratio         float64   `json:"ratio"`
	AddedAt       time.Time `json:"addedAt"`
}

const (
	KindTorrent = "torrent"
	KindUsenet  = "usenet"
)

const (
	StateQueued      = "queued"
	StateDownloading = "downloading"
	StateUploading   = "uploading"
	StatePaused      = "paused"
	StateCompleted   = "completed"
	StateError       = "error"
	StateDead        = "dead"
)

// ActiveState reports whether items in the given state are still moving
// bytes. Speed samples are recorded only for active items.
func ActiveState(state string) bool {
	switch state {
	case StateQueued, StateDownloading, StateUploading:
		return true
	}
	return false
}

// Control operations accepted by the external API.
const (
	OpDelete = "delete"
	OpPause  = "pause"
	OpResume = "resume"
)

// APIError is a non-2xx response from the external API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error %d", e.StatusCode)
}

// Retryable reports whether the failure is transient (rate limiting or
// upstream trouble) and worth a shortened reschedule.
func (e *APIError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsAuth reports whether the failure is an authorization rejection. The
// account stays active and is retried on the short schedule; deactivation
// is a product decision made elsewhere.
func (e *APIError) IsAuth() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}
