package handlers

import (
	"net/http"

	"github.com/akaverin/sessionguard/internal/handlers/render"
	"github.com/akaverin/sessionguard/internal/logger"
)

func handleBreakerStates(registry breakerRegistry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, registry.States())
	})
}

func handleBreakerReset(registry breakerRegistry, logger logger.Logger) http.Handler {
	type response struct {
		Message string `json:"message"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		registry.ResetAll()
		logger.Info("all circuit breakers reset")
		render.JSON(w, response{Message: "All breakers reset"})
	})
}
