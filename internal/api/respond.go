package api

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/gin-gonic/gin"

	"partner-portal/internal/common/errors"
	"partner-portal/internal/common/validation"
)

const maxBodyBytes = 1 << 20

func writeError(c *gin.Context, err error) {
	std := errors.Normalize(err)
	c.JSON(errors.HTTPStatus(std.Code), gin.H{"error": std})
}

func abortWithError(c *gin.Context, err error) {
	writeError(c, err)
	c.Abort()
}

// bindValidated reads the body, checks it against the named schema and
// decodes it into dst.
func (s *Server) bindValidated(c *gin.Context, schema string, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		return errors.NewInvalidPayloadError("failed to read request body")
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
	}

	result, err := s.validator.Validate(schema, body)
	if err != nil {
		return errors.NewInternalError(err)
	}
	if !result.Valid {
		details := strings.Join(result.GetErrorMessages(), "; ")
		var std *errors.StandardError
		if schema == validation.SchemaTransition {
			std = errors.NewInvalidTransitionPayloadError(details)
		} else {
			std = errors.NewInvalidPayloadError(details)
		}
		std.Metadata = map[string]interface{}{"errors": result.Errors}
		return std
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return errors.NewInvalidPayloadError(err.Error())
	}
	return nil
}

// orEmpty keeps list responses as JSON arrays.
func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
