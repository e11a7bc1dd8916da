package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"voh_site_echo/internal/models"
	"voh_site_echo/internal/services"
)

// AdminHandler serves the signed-in donation overview
type AdminHandler struct {
	donations DonationAPI
}

func NewAdminHandler(donations DonationAPI) *AdminHandler {
	return &AdminHandler{donations: donations}
}

type donationPage struct {
	Data       []models.Donation `json:"data"`
	Page       int               `json:"page"`
	PageSize   int               `json:"page_size"`
	TotalCount int64             `json:"total_count"`
	TotalPages int               `json:"total_pages"`
}

// ListDonations handles GET /api/admin/donations
func (h *AdminHandler) ListDonations(c echo.Context) error {
	page := 1
	if p, err := strconv.Atoi(c.QueryParam("page")); err == nil && p > 0 {
		page = p
	}
	pageSize := 20
	if ps, err := strconv.Atoi(c.QueryParam("page_size")); err == nil && ps > 0 && ps <= 100 {
		pageSize = ps
	}

	status := strings.ToLower(strings.TrimSpace(c.QueryParam("status")))
	switch models.DonationStatus(status) {
	case "", models.DonationStatusPending, models.DonationStatusCompleted, models.DonationStatusFailed:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid status filter")
	}
	rail := strings.ToLower(strings.TrimSpace(c.QueryParam("rail")))
	switch models.PaymentRail(rail) {
	case "", models.PaymentRailCard, models.PaymentRailMpesa:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid rail filter")
	}

	donations, total, err := h.donations.ListDonations(c.Request().Context(), services.DonationFilter{
		Status:   status,
		Rail:     rail,
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		return err
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	if totalPages == 0 {
		totalPages = 1
	}

	return c.JSON(http.StatusOK, donationPage{
		Data:       donations,
		Page:       page,
		PageSize:   pageSize,
		TotalCount: total,
		TotalPages: totalPages,
	})
}

// ShowDonation handles GET /api/admin/donations/:id with donor details
func (h *AdminHandler) ShowDonation(c echo.Context) error {
	donation, err := h.donations.GetDonation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, donation)
}

// RefreshDonation handles POST /api/admin/donations/:id/refresh, a manual reconciliation
// against the provider for one pending donation.
func (h *AdminHandler) RefreshDonation(c echo.Context) error {
	ctx := c.Request().Context()
	donation, err := h.donations.GetDonation(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	if donation.CorrelationID() == "" {
		return echo.NewHTTPError(http.StatusConflict, "Donation was never accepted by a provider")
	}

	result, err := h.donations.QueryStatus(ctx, donation.CorrelationID())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}
