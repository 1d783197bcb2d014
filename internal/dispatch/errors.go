package dispatch

import (
	"errors"
	"fmt"

	"notihub/internal/models"
)

var ErrNoSender = errors.New("no sender registered for provider")

// ForbiddenContentTypeError rejects content a provider does not accept.
// It is raised before any network call.
type ForbiddenContentTypeError struct {
	Provider models.Provider
	Content  ContentType
}

func (e *ForbiddenContentTypeError) Error() string {
	return fmt.Sprintf("content type %s is not allowed for provider %s", e.Content, e.Provider)
}
