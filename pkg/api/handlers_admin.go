package api

import (
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/log"
	"github.com/cuemby/paddock/pkg/types"
)

// maskSentinel replaces secret values in settings responses. A PUT carrying
// the sentinel (or an empty value) keeps the stored secret.
const maskSentinel = "********"

func (s *Server) handleListCandidates(w http.ResponseWriter, r *http.Request) {
	candidates, err := s.store.ListCandidates()
	if err != nil {
		respondError(w, err)
		return
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Email < candidates[j].Email
	})
	respondJSON(w, http.StatusOK, map[string]interface{}{"candidates": candidates})
}

type addCandidateRequest struct {
	Email        string `json:"email"`
	Name         string `json:"name"`
	QuotaDollars int    `json:"quotaDollars"`
	Role         string `json:"role"`
}

// handleAddCandidate adds a candidate to the allow-list. Re-adding a
// deactivated candidate reactivates them with spend reset to zero; their
// old VM records stay but no longer count (launchedAt < spentResetAt).
func (s *Server) handleAddCandidate(w http.ResponseWriter, r *http.Request) {
	admin := candidateFrom(r)

	var req addCandidateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		respondError(w, errdefs.Validationf("a valid email is required"))
		return
	}
	if req.QuotaDollars < 0 {
		respondError(w, errdefs.Validationf("quotaDollars must not be negative"))
		return
	}
	role := types.RoleCandidate
	if req.Role != "" {
		role = types.Role(req.Role)
		if role != types.RoleCandidate && role != types.RoleAdmin {
			respondError(w, errdefs.Validationf("unknown role %q", req.Role))
			return
		}
	}

	now := s.now().UTC()
	existing, err := s.store.GetCandidate(email)
	switch {
	case err == nil && existing.Active():
		respondError(w, errdefs.Conflictf("candidate %s already exists", email))
		return
	case err == nil:
		// Reactivation: keep the record, zero the spend
		existing.Name = req.Name
		existing.Role = role
		existing.QuotaDollars = req.QuotaDollars
		existing.SpentCents = 0
		existing.SpentResetAt = &now
		existing.DeactivatedAt = nil
		existing.AddedAt = now
		existing.AddedBy = admin.Email
		if err := s.store.PutCandidate(existing); err != nil {
			respondError(w, err)
			return
		}
		logger := log.WithCandidate(email)
		logger.Info().Str("by", admin.Email).Msg("Candidate reactivated")
		respondJSON(w, http.StatusCreated, existing)
		return
	case !errdefs.IsNotFound(err):
		respondError(w, err)
		return
	}

	candidate := &types.Candidate{
		Email:        email,
		Name:         req.Name,
		Role:         role,
		QuotaDollars: req.QuotaDollars,
		AddedAt:      now,
		AddedBy:      admin.Email,
	}
	if err := s.store.PutCandidate(candidate); err != nil {
		respondError(w, err)
		return
	}
	logger := log.WithCandidate(email)
	logger.Info().Str("by", admin.Email).Msg("Candidate added")
	respondJSON(w, http.StatusCreated, candidate)
}

// handleRemoveCandidate deactivates a candidate. Their VMs are terminated
// by the next reconcile tick with reason account_removed.
func (s *Server) handleRemoveCandidate(w http.ResponseWriter, r *http.Request) {
	email := strings.ToLower(r.URL.Query().Get("email"))
	if email == "" {
		respondError(w, errdefs.Validationf("email query parameter is required"))
		return
	}

	candidate, err := s.store.GetCandidate(email)
	if err != nil {
		respondError(w, err)
		return
	}
	if candidate.Active() {
		now := s.now().UTC()
		candidate.DeactivatedAt = &now
		if err := s.store.PutCandidate(candidate); err != nil {
			respondError(w, err)
			return
		}
		logger := log.WithCandidate(email)
		logger.Info().Msg("Candidate deactivated")
	}
	respondJSON(w, http.StatusOK, candidate)
}

type setQuotaRequest struct {
	Email        string `json:"email"`
	QuotaDollars int    `json:"quotaDollars"`
}

func (s *Server) handleSetQuota(w http.ResponseWriter, r *http.Request) {
	var req setQuotaRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.QuotaDollars < 0 {
		respondError(w, errdefs.Validationf("quotaDollars must not be negative"))
		return
	}

	candidate, err := s.store.GetCandidate(strings.ToLower(req.Email))
	if err != nil {
		respondError(w, err)
		return
	}
	candidate.QuotaDollars = req.QuotaDollars
	if err := s.store.PutCandidate(candidate); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, candidate)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetSettings()
	if errdefs.IsNotFound(err) {
		settings = &types.Settings{}
	} else if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, maskSettings(settings))
}

// handlePutSettings replaces the settings document. Masked or empty secret
// fields keep their stored values so the UI can round-trip the masked GET
// response without wiping secrets.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var incoming types.Settings
	if err := decodeBody(r, &incoming); err != nil {
		respondError(w, err)
		return
	}
	if incoming.MaxVMHours < 0 {
		respondError(w, errdefs.Validationf("maxVmHours must not be negative"))
		return
	}
	for _, fs := range incoming.DefaultFilesystems {
		if fs.Name == "" {
			respondError(w, errdefs.Validationf("default filesystem name is required"))
			return
		}
		if fs.SourceType != types.FetcherS3 && fs.SourceType != types.FetcherGCS {
			respondError(w, errdefs.Validationf("unknown source type %q for filesystem %s", fs.SourceType, fs.Name))
			return
		}
	}

	current, err := s.store.GetSettings()
	if errdefs.IsNotFound(err) {
		current = &types.Settings{}
	} else if err != nil {
		respondError(w, err)
		return
	}

	unmaskSettings(&incoming, current)
	// First settings write: mint the loader callback secret
	if incoming.SeedCompleteSecret == "" {
		incoming.SeedCompleteSecret = uuid.New().String()
	}
	if err := s.store.PutSettings(&incoming); err != nil {
		respondError(w, err)
		return
	}
	logger := log.WithComponent("api")
	logger.Info().Msg("Settings updated")
	respondJSON(w, http.StatusOK, maskSettings(&incoming))
}

func maskSettings(settings *types.Settings) *types.Settings {
	masked := *settings
	if masked.LambdaAPIKey != "" {
		masked.LambdaAPIKey = maskSentinel
	}
	if masked.SeedCompleteSecret != "" {
		masked.SeedCompleteSecret = maskSentinel
	}
	masked.DefaultFilesystems = make([]types.DefaultFilesystem, len(settings.DefaultFilesystems))
	for i, fs := range settings.DefaultFilesystems {
		if fs.Credentials.SecretAccessKey != "" {
			fs.Credentials.SecretAccessKey = maskSentinel
		}
		if fs.Credentials.ServiceAccountJSON != "" {
			fs.Credentials.ServiceAccountJSON = maskSentinel
		}
		masked.DefaultFilesystems[i] = fs
	}
	return &masked
}

// unmaskSettings restores stored secrets wherever incoming carries the mask
// sentinel or nothing
func unmaskSettings(incoming, current *types.Settings) {
	if incoming.LambdaAPIKey == maskSentinel || incoming.LambdaAPIKey == "" {
		incoming.LambdaAPIKey = current.LambdaAPIKey
	}
	if incoming.SeedCompleteSecret == maskSentinel || incoming.SeedCompleteSecret == "" {
		incoming.SeedCompleteSecret = current.SeedCompleteSecret
	}

	currentFS := make(map[string]types.DefaultFilesystem, len(current.DefaultFilesystems))
	for _, fs := range current.DefaultFilesystems {
		currentFS[fs.Name] = fs
	}
	for i, fs := range incoming.DefaultFilesystems {
		stored, ok := currentFS[fs.Name]
		if !ok {
			continue
		}
		if fs.Credentials.SecretAccessKey == maskSentinel || fs.Credentials.SecretAccessKey == "" {
			incoming.DefaultFilesystems[i].Credentials.SecretAccessKey = stored.Credentials.SecretAccessKey
		}
		if fs.Credentials.ServiceAccountJSON == maskSentinel || fs.Credentials.ServiceAccountJSON == "" {
			incoming.DefaultFilesystems[i].Credentials.ServiceAccountJSON = stored.Credentials.ServiceAccountJSON
		}
	}
}

// handleDeleteFilesystem deletes an upstream filesystem by id
func (s *Server) handleDeleteFilesystem(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		respondError(w, errdefs.Validationf("id query parameter is required"))
		return
	}
	if err := s.provider.DeleteFilesystem(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"deleted": id})
}
