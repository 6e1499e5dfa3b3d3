package api

import (
	"errors"
	"net/http"

	"github.com/Domenick1991/hostelpay/internal/domain"
	"github.com/Domenick1991/hostelpay/internal/service/checkout"
	"github.com/gin-gonic/gin"
)

func statusOf(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindUnauthenticated:
		return http.StatusUnauthorized
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindVerificationTimeout:
		return http.StatusConflict
	}
	return http.StatusBadGateway
}

func actionsOf(kind domain.ErrorKind) []string {
	switch kind {
	case domain.KindUnauthenticated:
		return []string{checkout.ActionLogin}
	case domain.KindVerificationTimeout:
		return []string{checkout.ActionCheckAgain, checkout.ActionTryAgain}
	case domain.KindValidation, domain.KindNotFound:
		return []string{checkout.ActionDismiss}
	}
	return []string{checkout.ActionRetry, checkout.ActionDismiss}
}

// respondError writes the error body every failing endpoint shares. The body
// always carries at least one action.
func respondError(c *gin.Context, err error) {
	kind := domain.KindOf(err)
	body := gin.H{
		"success": false,
		"kind":    kind,
		"message": domain.MessageOf(err),
		"actions": actionsOf(kind),
	}

	var flowErr *checkout.FlowError
	if errors.As(err, &flowErr) {
		body["step"] = flowErr.Step
		body["actions"] = flowErr.Actions()
	}

	c.AbortWithStatusJSON(statusOf(kind), body)
}

func respondBindError(c *gin.Context, err error) {
	respondError(c, domain.Wrap(domain.KindValidation, "invalid request", err))
}

func respondOK(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{"success": true, "data": data})
}
