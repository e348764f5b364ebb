package api

import (
	"net/http"

	"copytrade-engine/internal/registry"
	"copytrade-engine/pkg/models"

	"github.com/gin-gonic/gin"
)

type connectRequest struct {
	MasterWallet string `json:"master_wallet"`
	registry.ConnectRequest
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

type memberStatusRequest struct {
	Status string `json:"status" binding:"required"`
	registry.ConnectRequest
}

type addMembersRequest struct {
	MemberIDs []uint `json:"member_ids"`
}

// RequestConnect asks to copy the master behind master_wallet
func (h *Handlers) RequestConnect(c *gin.Context) {
	var req connectRequest
	if !bindJSON(c, &req) {
		return
	}
	v := NewValidator()
	v.ValidateWallet("master_wallet", req.MasterWallet)
	if v.HasErrors() {
		SendValidationErrors(c, v.GetErrors())
		return
	}

	conn, err := h.Connections.RequestConnect(c.Request.Context(), caller(c), req.MasterWallet, req.ConnectRequest)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, conn)
}

// GetConnectionStatus reports whether a master/member pair is connected.
// Only the two parties may ask.
func (h *Handlers) GetConnectionStatus(c *gin.Context) {
	v := NewValidator()
	masterID := v.ValidateID("master_id", c.Query("master_id"))
	memberID := v.ValidateID("member_id", c.Query("member_id"))
	if v.HasErrors() {
		SendValidationErrors(c, v.GetErrors())
		return
	}
	if id := caller(c); id != masterID && id != memberID {
		respondError(c, registry.ErrPermissionDenied)
		return
	}

	status, err := h.Connections.Status(c.Request.Context(), masterID, memberID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, status)
}

// SetConnectionByMaster lets the master approve, pause or block a connection
func (h *Handlers) SetConnectionByMaster(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req statusRequest
	if !bindJSON(c, &req) {
		return
	}

	conn, err := h.Connections.SetByMaster(c.Request.Context(), caller(c), id, models.ConnectionStatus(req.Status))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, conn)
}

// SetConnectionByMember lets the member pause, disconnect or delete their
// connection to a master
func (h *Handlers) SetConnectionByMember(c *gin.Context) {
	masterID, ok := paramID(c, "master_id")
	if !ok {
		return
	}
	var req memberStatusRequest
	if !bindJSON(c, &req) {
		return
	}

	conn, err := h.Connections.SetByMember(c.Request.Context(), caller(c), masterID, models.ConnectionStatus(req.Status), req.ConnectRequest)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, conn)
}

// ListGroups returns the caller's visible groups
func (h *Handlers) ListGroups(c *gin.Context) {
	groups, err := h.Groups.ListGroups(c.Request.Context(), caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if groups == nil {
		groups = []models.Group{}
	}
	respondOK(c, http.StatusOK, groups)
}

// CreateGroup creates a copy group owned by the caller
func (h *Handlers) CreateGroup(c *gin.Context) {
	var in registry.GroupInput
	if !bindJSON(c, &in) {
		return
	}
	group, err := h.Groups.CreateGroup(c.Request.Context(), caller(c), in)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, group)
}

// UpdateGroup edits a group's name or sizing policy
func (h *Handlers) UpdateGroup(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var in registry.GroupInput
	if !bindJSON(c, &in) {
		return
	}
	group, err := h.Groups.UpdateGroup(c.Request.Context(), caller(c), id, in)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, group)
}

// SetGroupStatus turns a group on, off or deletes it
func (h *Handlers) SetGroupStatus(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req statusRequest
	if !bindJSON(c, &req) {
		return
	}
	group, err := h.Groups.SetGroupStatus(c.Request.Context(), caller(c), id, models.GroupStatus(req.Status))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, group)
}

// AddGroupMembers adds connected members to a group. Per-member failures
// are reported in the body; the request itself succeeds.
func (h *Handlers) AddGroupMembers(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req addMembersRequest
	if !bindJSON(c, &req) {
		return
	}
	v := NewValidator()
	v.ValidateIDs("member_ids", req.MemberIDs)
	if v.HasErrors() {
		SendValidationErrors(c, v.GetErrors())
		return
	}

	result, err := h.Groups.AddMembers(c.Request.Context(), caller(c), id, req.MemberIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, result)
}

// SetMembershipStatus pauses or resumes one member across the caller's groups
func (h *Handlers) SetMembershipStatus(c *gin.Context) {
	memberID, ok := paramID(c, "member_id")
	if !ok {
		return
	}
	var req statusRequest
	if !bindJSON(c, &req) {
		return
	}
	m, err := h.Groups.SetMembershipStatus(c.Request.Context(), caller(c), memberID, models.MembershipStatus(req.Status))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, m)
}
