package handlers

import (
	"net/http"
	"sync"

	apperrors "github.com/3leaps/kioskbench/internal/errors"
	"github.com/3leaps/kioskbench/pkg/orchestrator"
)

// ProgressSource reports the live state of a campaign.
type ProgressSource interface {
	Progress() orchestrator.Progress
}

var (
	campaignMu     sync.RWMutex
	campaignSource ProgressSource
)

// SetCampaignSource installs the campaign /v1/campaign reports on. Nil
// removes it.
func SetCampaignSource(src ProgressSource) {
	campaignMu.Lock()
	defer campaignMu.Unlock()
	campaignSource = src
}

// CampaignHandler serves the campaign progress as JSON, or 404 when no
// campaign is attached.
func CampaignHandler(w http.ResponseWriter, r *http.Request) {
	campaignMu.RLock()
	src := campaignSource
	campaignMu.RUnlock()
	if src == nil {
		respondWithError(w, r, apperrors.New(apperrors.CodeNotFound, "no campaign is running"))
		return
	}
	writeJSON(w, http.StatusOK, src.Progress())
}

