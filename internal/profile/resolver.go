package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"messaging-service/internal/models"
)

// Profile is the normalized identity shape the messaging core consumes. The
// user service may answer with richer or joined data; it is flattened to this
// at the boundary.
type Profile struct {
	UserID      int64       `json:"id"`
	DisplayName string      `json:"display_name"`
	AvatarURL   string      `json:"avatar_url"`
	Role        models.Role `json:"role"`
}

// Resolver looks up display identities. Failures degrade to placeholders at
// call sites; they never abort a messaging operation.
type Resolver interface {
	Resolve(ctx context.Context, userID int64) (Profile, error)
	BulkResolve(ctx context.Context, userIDs []int64) (map[int64]Profile, error)
}

// Placeholder is the identity used when the resolver is unavailable.
func Placeholder(userID int64) Profile {
	return Profile{UserID: userID, DisplayName: fmt.Sprintf("User %d", userID)}
}

// HTTPResolver resolves profiles against the user service's internal API.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
}

// NewHTTPResolver constructs the resolver.
func NewHTTPResolver(baseURL string, timeout time.Duration) *HTTPResolver {
	return &HTTPResolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Resolve fetches a single profile.
func (r *HTTPResolver) Resolve(ctx context.Context, userID int64) (Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/internal/users/%d", r.baseURL, userID), nil)
	if err != nil {
		return Profile{}, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Profile{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("user service returned %d", resp.StatusCode)
	}

	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// BulkResolve fetches multiple profiles in one call. Users the service does
// not know are simply absent from the result.
func (r *HTTPResolver) BulkResolve(ctx context.Context, userIDs []int64) (map[int64]Profile, error) {
	if len(userIDs) == 0 {
		return map[int64]Profile{}, nil
	}

	ids := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		ids = append(ids, strconv.FormatInt(id, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/internal/users?ids=%s", r.baseURL, strings.Join(ids, ",")), nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user service returned %d", resp.StatusCode)
	}

	var body struct {
		Users []Profile `json:"users"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}

	profiles := make(map[int64]Profile, len(body.Users))
	for _, p := range body.Users {
		profiles[p.UserID] = p
	}
	return profiles, nil
}
