package api

import (
	"net/http"
	"sort"
	"strings"

	"github.com/cuemby/paddock/pkg/cost"
	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/fsresolver"
	"github.com/cuemby/paddock/pkg/provider"
	"github.com/cuemby/paddock/pkg/types"
)

// handleMe returns the caller's candidate profile with live spend
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	candidate := candidateFrom(r)

	vms, err := s.store.ListVMsByCandidate(candidate.Email)
	if err != nil {
		respondError(w, err)
		return
	}
	candidate.SpentCents = cost.ComputeSpent(vms, candidate.SpentResetAt, s.now().UTC())
	respondJSON(w, http.StatusOK, candidate)
}

type gpuTypeView struct {
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	PriceCentsPerHour int64    `json:"priceCentsPerHour"`
	Regions           []string `json:"regions"`
}

type gpuTypesResponse struct {
	Types      []gpuTypeView `json:"types"`
	AllRegions []string      `json:"allRegions"`
}

func (s *Server) handleGPUTypes(w http.ResponseWriter, r *http.Request) {
	instanceTypes, err := s.provider.ListInstanceTypes(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}

	resp := gpuTypesResponse{Types: []gpuTypeView{}, AllRegions: []string{}}
	regionSet := make(map[string]bool)
	for _, t := range instanceTypes {
		resp.Types = append(resp.Types, gpuTypeView{
			Name:              t.Name,
			Description:       t.Description,
			PriceCentsPerHour: t.PriceCentsPerHour,
			Regions:           t.RegionsWithCapacity,
		})
		for _, region := range t.RegionsWithCapacity {
			regionSet[region] = true
		}
	}
	for region := range regionSet {
		resp.AllRegions = append(resp.AllRegions, region)
	}
	sort.Strings(resp.AllRegions)
	respondJSON(w, http.StatusOK, resp)
}

// handleListFilesystems lists upstream filesystems: candidates see their own
// personal filesystems, admins see everything
func (s *Server) handleListFilesystems(w http.ResponseWriter, r *http.Request) {
	candidate := candidateFrom(r)

	filesystems, err := s.provider.ListFilesystems(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}

	if !candidate.IsAdmin() {
		prefix := "fs-" + fsresolver.SanitizeEmail(candidate.Email) + "-"
		var own []*provider.Filesystem
		for _, fs := range filesystems {
			if strings.HasPrefix(fs.Name, prefix) {
				own = append(own, fs)
			}
		}
		filesystems = own
	}
	if filesystems == nil {
		filesystems = []*provider.Filesystem{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"filesystems": filesystems})
}

type seedCompleteRequest struct {
	FilesystemName string `json:"filesystemName"`
	Region         string `json:"region"`
}

// handleSeedComplete is the loader-VM callback. It authenticates with the
// seed-complete secret rather than a user JWT and is idempotent.
func (s *Server) handleSeedComplete(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetSettings()
	if err != nil || settings.SeedCompleteSecret == "" {
		respondError(w, errdefs.ErrUnauthenticated)
		return
	}
	if bearerToken(r) != settings.SeedCompleteSecret {
		respondError(w, errdefs.ErrUnauthenticated)
		return
	}

	var req seedCompleteRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.FilesystemName == "" || req.Region == "" {
		respondError(w, errdefs.Validationf("filesystemName and region are required"))
		return
	}

	if err := s.resolver.CompleteSeed(req.FilesystemName, req.Region); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"filesystemName": req.FilesystemName,
		"region":         req.Region,
		"status":         string(types.SeedStateReady),
	})
}
