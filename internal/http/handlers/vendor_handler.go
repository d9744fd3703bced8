// Package handlers – vendor endpoints
//
// This file serves the vendor onboarding queue: listing, invitations and
// status changes.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/ops-console-sync/internal/domain"
)

// InviteVendorRequest invites a vendor to onboarding.
type InviteVendorRequest struct {
	Name  string `json:"name" binding:"required,max=200" example:"Corner Bakery"`
	Email string `json:"email" binding:"required,max=254" example:"owner@cornerbakery.example"`
}

// VendorStatusRequest moves a vendor through onboarding.
type VendorStatusRequest struct {
	Status string `json:"status" binding:"required" example:"approved"`
}

// ListVendors godoc
// @Summary     Vendor onboarding queue
// @Tags        vendors
// @Produce     json
// @Success     200 {array} domain.Vendor
// @Router      /vendors [get]
func (h *Handlers) ListVendors(c *gin.Context) {
	ok(c, http.StatusOK, h.vendors.List())
}

// InviteVendor godoc
// @Summary     Invite a vendor
// @Description Shown in every console session sharing the store once persisted.
// @Tags        vendors
// @Accept      json
// @Produce     json
// @Param       body body InviteVendorRequest true "Vendor"
// @Success     201 {object} domain.Vendor
// @Failure     400 {object} ErrorResponse
// @Failure     409 {object} ErrorResponse
// @Router      /vendors [post]
func (h *Handlers) InviteVendor(c *gin.Context) {
	var req InviteVendorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "name and email are required")
		return
	}
	v, err := h.vendors.Invite(c.Request.Context(), req.Name, req.Email)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, v)
}

// UpdateVendorStatus godoc
// @Summary     Change a vendor's onboarding status
// @Tags        vendors
// @Accept      json
// @Produce     json
// @Param       id   path string              true "Vendor ID"
// @Param       body body VendorStatusRequest true "invited | pending | approved | rejected"
// @Success     200 {object} domain.Vendor
// @Failure     400 {object} ErrorResponse
// @Failure     404 {object} ErrorResponse
// @Router      /vendors/{id}/status [put]
func (h *Handlers) UpdateVendorStatus(c *gin.Context) {
	var req VendorStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "status is required")
		return
	}
	status := domain.VendorStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	v, err := h.vendors.UpdateStatus(c.Request.Context(), c.Param("id"), status)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, v)
}
