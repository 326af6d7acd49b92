package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/malwarebo/reelpipe/middleware"
	"github.com/malwarebo/reelpipe/services"
	"github.com/malwarebo/reelpipe/utils"
)

type DownloadHandler struct {
	delivery *services.DeliveryAgent
}

func CreateDownloadHandler(delivery *services.DeliveryAgent) *DownloadHandler {
	return &DownloadHandler{
		delivery: delivery,
	}
}

var downloadStatus = map[services.DownloadOutcome]int{
	services.DownloadExpired:       http.StatusGone,
	services.DownloadRevoked:       http.StatusForbidden,
	services.DownloadExceededLimit: http.StatusTooManyRequests,
	services.DownloadNotFound:      http.StatusNotFound,
}

var downloadMessage = map[services.DownloadOutcome]string{
	services.DownloadExpired:       "This download link has expired",
	services.DownloadRevoked:       "This download link has been revoked",
	services.DownloadExceededLimit: "This download link has no downloads left",
	services.DownloadNotFound:      "Download link not found",
}

func downloadRequest(r *http.Request) services.DownloadRequest {
	return services.DownloadRequest{
		IPAddress: middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// HandleDownload consumes one download and redirects to the asset.
func (h *DownloadHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	result, err := h.delivery.ValidateAndConsume(r.Context(), mux.Vars(r)["token"], downloadRequest(r))
	if err != nil {
		writeServiceError(w, r, err, "download")
		return
	}
	utils.RecordDownloadMetrics(string(result.Outcome))

	if !result.Authorized() {
		status, ok := downloadStatus[result.Outcome]
		if !ok {
			status = http.StatusNotFound
		}
		writeError(w, status, string(result.Outcome), downloadMessage[result.Outcome])
		return
	}

	w.Header().Set("X-Downloads-Remaining", strconv.Itoa(result.Remaining))
	http.Redirect(w, r, result.AssetURL, http.StatusFound)
}

// RecordRateLimited is the rate limiter's hook for refused download requests.
func (h *DownloadHandler) RecordRateLimited(r *http.Request) {
	utils.RecordDownloadMetrics("rate_limited")
	if err := h.delivery.RecordRateLimited(r.Context(), downloadRequest(r)); err != nil {
		utils.LogError(r.Context(), err, "record rate limited download", nil)
	}
}
