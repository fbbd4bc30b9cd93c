package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/contazen/efactura-api/internal/application/efactura"
)

// RouterDeps carries the router's dependencies.
type RouterDeps struct {
	Efactura *efactura.Service
}

// Router registers the API routes.
func Router(app *fiber.App, deps RouterDeps) {
	api := app.Group("/api/v1")

	invoices := api.Group("/invoices")
	efacturaHandler := NewEfacturaHandler(deps.Efactura)
	invoices.Post("/:id/efactura", efacturaHandler.Submit)
	invoices.Get("/:id/efactura", efacturaHandler.Status)
	invoices.Post("/:id/efactura/supersede", efacturaHandler.Supersede)
	invoices.Post("/:id/efactura/cancel", efacturaHandler.Cancel)
}
