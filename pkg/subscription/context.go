package subscription

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type userIDCtxKey struct{}

func SetUserIDToContext(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDCtxKey{}, userID)
}

func GetUserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(userIDCtxKey{}).(uuid.UUID)
	return userID, ok
}

// UserIDContextResolver is the default resolver that retrieves the
// authenticated user ID from the request context. Authentication middleware
// is expected to put it there.
func UserIDContextResolver(r *http.Request) (uuid.UUID, error) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok || userID == uuid.Nil {
		return uuid.Nil, ErrUserIDNotInContext
	}
	return userID, nil
}
