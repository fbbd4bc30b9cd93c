package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/contazen/efactura-api/internal/application/dto"
	"github.com/contazen/efactura-api/internal/application/efactura"
	"github.com/contazen/efactura-api/internal/domain"
	"github.com/contazen/efactura-api/internal/domain/entity"
)

// EfacturaHandler exposes the submission pipeline over HTTP.
type EfacturaHandler struct {
	svc *efactura.Service
}

// NewEfacturaHandler builds the handler.
func NewEfacturaHandler(svc *efactura.Service) *EfacturaHandler {
	return &EfacturaHandler{svc: svc}
}

// Submit starts the e-Factura submission for an invoice.
// POST /api/v1/invoices/:id/efactura
func (h *EfacturaHandler) Submit(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "VALIDATION", Message: "invoice id required"})
	}
	proj, err := h.svc.Submit(c.Context(), id)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(dto.FromProjection(proj))
}

// Status returns the current submission state of an invoice.
// GET /api/v1/invoices/:id/efactura
func (h *EfacturaHandler) Status(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "VALIDATION", Message: "invoice id required"})
	}
	proj, err := h.svc.Status(c.Context(), id)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(dto.FromProjection(proj))
}

// Supersede retires a terminal submission and starts a fresh chain.
// POST /api/v1/invoices/:id/efactura/supersede
func (h *EfacturaHandler) Supersede(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "VALIDATION", Message: "invoice id required"})
	}
	proj, err := h.svc.Supersede(c.Context(), id)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(dto.FromProjection(proj))
}

// Cancel withdraws the active submission (immediately before upload,
// deferred after).
// POST /api/v1/invoices/:id/efactura/cancel
func (h *EfacturaHandler) Cancel(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "VALIDATION", Message: "invoice id required"})
	}
	proj, err := h.svc.Cancel(c.Context(), id)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(dto.FromProjection(proj))
}

func (h *EfacturaHandler) mapError(c *fiber.Ctx, err error) error {
	var pe *entity.PipelineError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Code: "NOT_FOUND", Message: "invoice not found"})
	case errors.Is(err, domain.ErrNoActiveSubmission):
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Code: "NO_SUBMISSION", Message: "invoice has no submission"})
	case errors.Is(err, domain.ErrConflict):
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Code: "CONFLICT", Message: err.Error()})
	case errors.Is(err, domain.ErrNotSupersedable):
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Code: "NOT_SUPERSEDABLE", Message: err.Error()})
	case errors.Is(err, domain.ErrInvalidInput):
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "VALIDATION", Message: err.Error()})
	case errors.As(err, &pe) && (pe.Kind == entity.ErrKindValidation || pe.Kind == entity.ErrKindEncoding):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(dto.ErrorResponse{Code: string(pe.Kind), Message: pe.Error()})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Code: "INTERNAL", Message: err.Error()})
	}
}
