package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// decodeOptional decodes a JSON body into v. An empty body leaves v
// untouched so callers can pre-fill defaults.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
