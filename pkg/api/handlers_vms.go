package api

import (
	"net/http"
	"sort"

	"github.com/cuemby/paddock/pkg/cost"
	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/log"
	"github.com/cuemby/paddock/pkg/metrics"
	"github.com/cuemby/paddock/pkg/provider"
	"github.com/cuemby/paddock/pkg/types"
)

// handleListVMs lists the caller's VMs (all VMs for admins) after an
// opportunistic refresh from upstream. Refresh failures fall back to the
// stored records; the reconciler converges within a tick anyway.
func (s *Server) handleListVMs(w http.ResponseWriter, r *http.Request) {
	candidate := candidateFrom(r)

	var vms []*types.VM
	var err error
	if candidate.IsAdmin() {
		vms, err = s.store.ListVMs()
	} else {
		vms, err = s.store.ListVMsByCandidate(candidate.Email)
	}
	if err != nil {
		respondError(w, err)
		return
	}

	s.refreshVMs(r, vms)

	sort.Slice(vms, func(i, j int) bool {
		return vms[i].LaunchedAt.After(vms[j].LaunchedAt)
	})
	if vms == nil {
		vms = []*types.VM{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"vms": vms})
}

func (s *Server) refreshVMs(r *http.Request, vms []*types.VM) {
	active := 0
	for _, vm := range vms {
		if vm.Active() {
			active++
		}
	}
	if active == 0 {
		return
	}

	instances, err := s.provider.ListInstances(r.Context())
	if err != nil {
		return
	}
	upstream := make(map[string]*provider.Instance, len(instances))
	for _, inst := range instances {
		upstream[inst.ID] = inst
	}

	now := s.now().UTC()
	for _, vm := range vms {
		if !vm.Active() {
			continue
		}
		up, ok := upstream[vm.InstanceID]
		if !ok || up.Terminated() {
			// Leave termination bookkeeping to the reconciler
			continue
		}
		vm.Status = types.VMStatus(up.Status)
		vm.IPAddress = up.IP
		vm.AccruedCents = cost.AccruedCents(vm.LaunchedAt, now, vm.PriceCentsPerHour)
		vm.LastCheckedAt = now
		_ = s.store.PutVM(vm)
	}
}

type launchVMRequest struct {
	InstanceType     string `json:"instanceType"`
	Region           string `json:"region"`
	SSHPublicKey     string `json:"sshPublicKey"`
	AttachFilesystem bool   `json:"attachFilesystem"`
}

func (s *Server) handleLaunchVM(w http.ResponseWriter, r *http.Request) {
	candidate := candidateFrom(r)

	var req launchVMRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}

	vm, err := s.scheduler.LaunchNow(r.Context(), candidate, req.InstanceType, req.Region, req.SSHPublicKey, req.AttachFilesystem)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, vm)
}

type instanceIDRequest struct {
	InstanceID string `json:"instanceId"`
}

func (s *Server) handleTerminateVM(w http.ResponseWriter, r *http.Request) {
	candidate := candidateFrom(r)

	var req instanceIDRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}

	vm, err := s.ownedVM(candidate, req.InstanceID)
	if err != nil {
		respondError(w, err)
		return
	}
	if !vm.Active() {
		respondError(w, errdefs.Validationf("VM is already terminated"))
		return
	}

	if err := s.provider.Terminate(r.Context(), []string{vm.InstanceID}); err != nil {
		respondError(w, err)
		return
	}

	now := s.now().UTC()
	vm.Status = types.VMStatusTerminated
	vm.TerminatedAt = &now
	vm.TerminationReason = types.TerminationUserRequested
	vm.AccruedCents = cost.AccruedCents(vm.LaunchedAt, now, vm.PriceCentsPerHour)
	vm.LastCheckedAt = now
	if err := s.store.PutVM(vm); err != nil {
		respondError(w, err)
		return
	}
	metrics.TerminationsTotal.WithLabelValues(string(types.TerminationUserRequested)).Inc()

	s.cleanupSSHKeyIfIdle(r, vm.CandidateEmail)

	logger := log.WithInstanceID(vm.InstanceID)
	logger.Info().Str("candidate", candidate.Email).Msg("VM terminated by user")
	respondJSON(w, http.StatusOK, vm)
}

// cleanupSSHKeyIfIdle deletes the owner's SSH keys when their last VM is
// gone. Errors are swallowed; the reconciler repeats this cleanup.
func (s *Server) cleanupSSHKeyIfIdle(r *http.Request, email string) {
	vms, err := s.store.ListVMsByCandidate(email)
	if err != nil {
		return
	}
	for _, vm := range vms {
		if vm.Active() {
			return
		}
	}

	keys, err := s.store.ListSSHKeysByCandidate(email)
	if err != nil || len(keys) == 0 {
		return
	}
	upstream, err := s.provider.ListSSHKeys(r.Context())
	if err != nil {
		return
	}
	for _, key := range keys {
		for _, up := range upstream {
			if up.Name == key.Name {
				_ = s.provider.DeleteSSHKey(r.Context(), up.ID)
				break
			}
		}
		_ = s.store.DeleteSSHKey(email, key.Name)
	}
}

func (s *Server) handleRestartVM(w http.ResponseWriter, r *http.Request) {
	candidate := candidateFrom(r)

	var req instanceIDRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}

	vm, err := s.ownedVM(candidate, req.InstanceID)
	if err != nil {
		respondError(w, err)
		return
	}
	if !vm.Active() {
		respondError(w, errdefs.Validationf("VM is terminated"))
		return
	}

	if err := s.provider.Restart(r.Context(), vm.InstanceID); err != nil {
		respondError(w, err)
		return
	}

	vm.Status = types.VMStatusRestarting
	vm.LastCheckedAt = s.now().UTC()
	if err := s.store.PutVM(vm); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, vm)
}

// ownedVM loads a VM and checks the caller may act on it. Candidates only
// see their own VMs; the not-found answer for foreign ids avoids leaking
// instance existence.
func (s *Server) ownedVM(candidate *types.Candidate, instanceID string) (*types.VM, error) {
	if instanceID == "" {
		return nil, errdefs.Validationf("instanceId is required")
	}
	vm, err := s.store.GetVM(instanceID)
	if err != nil {
		return nil, err
	}
	if !candidate.IsAdmin() && vm.CandidateEmail != candidate.Email {
		return nil, errdefs.NotFoundf("VM %s not found", instanceID)
	}
	return vm, nil
}
