package api

import (
	"net/http"
	"sort"

	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/scheduler"
	"github.com/cuemby/paddock/pkg/types"
)

func (s *Server) handleListLaunchRequests(w http.ResponseWriter, r *http.Request) {
	candidate := candidateFrom(r)

	var requests []*types.LaunchRequest
	var err error
	if candidate.IsAdmin() {
		requests, err = s.store.ListLaunchRequests()
	} else {
		requests, err = s.store.ListLaunchRequestsByCandidate(candidate.Email)
	}
	if err != nil {
		respondError(w, err)
		return
	}

	sort.Slice(requests, func(i, j int) bool {
		return requests[i].CreatedAt.After(requests[j].CreatedAt)
	})
	if requests == nil {
		requests = []*types.LaunchRequest{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"launchRequests": requests})
}

type submitLaunchRequest struct {
	InstanceTypes    []string `json:"instanceTypes"`
	Regions          []string `json:"regions"`
	SSHPublicKey     string   `json:"sshPublicKey"`
	AttachFilesystem bool     `json:"attachFilesystem"`
}

// handleSubmitLaunchRequest submits a launch request: 201 when capacity was
// available and the VM launched immediately, 202 when queued
func (s *Server) handleSubmitLaunchRequest(w http.ResponseWriter, r *http.Request) {
	candidate := candidateFrom(r)

	var req submitLaunchRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}

	lr, err := s.scheduler.Submit(r.Context(), candidate, scheduler.SubmitSpec{
		InstanceTypes:    req.InstanceTypes,
		Regions:          req.Regions,
		SSHPublicKey:     req.SSHPublicKey,
		AttachFilesystem: req.AttachFilesystem,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	status := http.StatusAccepted
	if lr.Status == types.LaunchRequestFulfilled {
		status = http.StatusCreated
	}
	respondJSON(w, status, lr)
}

type cancelLaunchRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleCancelLaunchRequest(w http.ResponseWriter, r *http.Request) {
	candidate := candidateFrom(r)

	var req cancelLaunchRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.ID == "" {
		respondError(w, errdefs.Validationf("id is required"))
		return
	}

	lr, err := s.store.GetLaunchRequest(req.ID)
	if err != nil {
		respondError(w, err)
		return
	}
	if !candidate.IsAdmin() && lr.CandidateEmail != candidate.Email {
		respondError(w, errdefs.NotFoundf("launch request %s not found", req.ID))
		return
	}

	cancelled, err := s.scheduler.Cancel(req.ID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cancelled)
}
