package client

import (
	"context"
	"fmt"
	"net/url"
)

// IdentityClient resolves role membership from the platform identity service.
// Used to notify the approvers qualified at a level and to size the required
// sign-off count for all-approver levels.
type IdentityClient struct {
	client *HTTPClient
}

// NewIdentityClient creates a new identity service client.
func NewIdentityClient(baseURL string) *IdentityClient {
	return &IdentityClient{client: NewHTTPClient(baseURL)}
}

type usersWithRoleResponse struct {
	UserIDs []string `json:"user_ids"`
}

// GetUsersWithRole returns the user ids holding the given role.
func (c *IdentityClient) GetUsersWithRole(ctx context.Context, role string) ([]string, error) {
	path := fmt.Sprintf("/api/v1/users/by-role?role=%s", url.QueryEscape(role))

	var resp usersWithRoleResponse
	if err := c.client.Get(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("failed to get users with role: %w", err)
	}
	return resp.UserIDs, nil
}

type userRolesResponse struct {
	Roles []string `json:"roles"`
}

// GetUserRoles returns the role names a user holds.
func (c *IdentityClient) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	path := fmt.Sprintf("/api/v1/users/roles?user_id=%s", url.QueryEscape(userID))

	var resp userRolesResponse
	if err := c.client.Get(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("failed to get user roles: %w", err)
	}
	return resp.Roles, nil
}
