package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "not_found")
}

func writeError(c *echo.Context, status int, errType, msg, code string) error {
	return c.JSON(status, map[string]any{
		"error": ErrorBody{
			Message: msg,
			Type:    errType,
			Code:    code,
		},
	})
}

// writeRunError writes err with the status errorStatus assigns to it.
func writeRunError(c *echo.Context, err error) error {
	status, errType, code := errorStatus(err)
	return writeError(c, status, errType, err.Error(), code)
}

func decodeJSON[T any](r io.Reader, into T) (T, error) {
	dec := json.NewDecoder(r)
	if err := dec.Decode(&into); err != nil {
		if err == io.EOF {
			return into, newInvalidRequest("request body is empty")
		}
		return into, newInvalidRequest(fmt.Sprintf("decode request: %v", err))
	}
	return into, nil
}
