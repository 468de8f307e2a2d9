package controller

import (
	"context"
	"net/http"
)

// AccessTokenSource hands out the current provider access token.
type AccessTokenSource interface {
	GetAccessToken(ctx context.Context) (string, error)
}

type TokenController struct {
	tokens AccessTokenSource
}

func NewTokenController(tokens AccessTokenSource) *TokenController {
	return &TokenController{tokens: tokens}
}

// GetToken handles GET /api/v1/airtel/token
func (h *TokenController) GetToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.tokens.GetAccessToken(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{Token: token})
}
