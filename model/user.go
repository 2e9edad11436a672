package model

type OrganizationUserRole string

const (
	OrganizationUserRoleNone   OrganizationUserRole = "None"
	OrganizationUserRoleMember OrganizationUserRole = "Member"
	OrganizationUserRoleAdmin  OrganizationUserRole = "Admin"
	OrganizationUserRoleOwner  OrganizationUserRole = "Owner"
)

type ProjectUserRole string

const (
	ProjectUserRoleNone   ProjectUserRole = "None"
	ProjectUserRoleMember ProjectUserRole = "Member"
	ProjectUserRoleAdmin  ProjectUserRole = "Admin"
	ProjectUserRoleOwner  ProjectUserRole = "Owner"
)

// ProjectMembership links a user to a project with a role.
type ProjectMembership struct {
	ProjectID string          `json:"projectId" validate:"required"`
	Role      ProjectUserRole `json:"role"`
}

// User is an organization member, also acting as the command actor.
type User struct {
	Meta
	ID                 string               `json:"id" validate:"required"`
	Organization       string               `json:"organization"`
	DisplayName        string               `json:"displayName,omitempty"`
	Email              string               `json:"email,omitempty" validate:"omitempty,email"`
	Role               OrganizationUserRole `json:"role,omitempty"`
	ProjectMemberships []ProjectMembership  `json:"projectMemberships,omitempty" validate:"dive"`
}

func (u *User) Kind() string            { return KindUser }
func (u *User) GetID() string           { return u.ID }
func (u *User) GetPartitionKey() string { return u.Organization }

// MembershipFor returns the user's membership in a project, if any.
func (u *User) MembershipFor(projectID string) (ProjectMembership, bool) {
	for _, m := range u.ProjectMemberships {
		if m.ProjectID == projectID {
			return m, true
		}
	}
	return ProjectMembership{}, false
}

// DeploymentScope describes where components of an organization are deployed.
type DeploymentScope struct {
	Meta
	ID                string   `json:"id" validate:"required"`
	Organization      string   `json:"organization" validate:"required"`
	DisplayName       string   `json:"displayName"`
	Type              string   `json:"type"`
	ManagementGroupID string   `json:"managementGroupId,omitempty"`
	SubscriptionIDs   []string `json:"subscriptionIds,omitempty"`
	IsDefault         bool     `json:"isDefault"`
}

func (d *DeploymentScope) Kind() string            { return KindDeploymentScope }
func (d *DeploymentScope) GetID() string           { return d.ID }
func (d *DeploymentScope) GetPartitionKey() string { return d.Organization }

// Notification is the payload of a NotificationSend command.
type Notification struct {
	Organization string   `json:"organization"`
	ProjectID    string   `json:"projectId,omitempty"`
	Recipients   []string `json:"recipients" validate:"required,min=1"`
	Subject      string   `json:"subject" validate:"required"`
	Body         string   `json:"body"`
}
