package app

import (
	healthcheck "github.com/vladislavdragonenkov/opc/internal/health"
)

// newTestHealthHandler создаёт health handler с одной всегда-здоровой проверкой.
func newTestHealthHandler() *healthcheck.Handler {
	handler := healthcheck.NewHandler("test")
	handler.RegisterChecker("self", healthcheck.NewSimpleChecker("self", func() error {
		return nil
	}))
	return handler
}
