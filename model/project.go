package model

// Project groups components inside an organization.
type Project struct {
	Meta
	ID            string            `json:"id" validate:"required"`
	Organization  string            `json:"organization" validate:"required"`
	Slug          string            `json:"slug"`
	DisplayName   string            `json:"displayName" validate:"required"`
	Template      string            `json:"template"`
	TemplateInput string            `json:"templateInput,omitempty"`
	ResourceID    string            `json:"resourceId,omitempty"`
	ResourceState ResourceState     `json:"resourceState"`
	Tags          map[string]string `json:"tags,omitempty"`
}

func (p *Project) Kind() string            { return KindProject }
func (p *Project) GetID() string           { return p.ID }
func (p *Project) GetPartitionKey() string { return p.Organization }

func (p *Project) GetResourceState() ResourceState      { return p.ResourceState }
func (p *Project) SetResourceState(state ResourceState) { p.ResourceState = state }

func (p *Project) UniqueKeys() []string {
	if p.Slug == "" {
		return nil
	}
	return []string{"slug:" + p.Slug}
}

// ProjectIdentity is the service principal a project deploys with.
type ProjectIdentity struct {
	Meta
	ID                string `json:"id" validate:"required"`
	Organization      string `json:"organization"`
	ProjectID         string `json:"projectId" validate:"required"`
	DeploymentScopeID string `json:"deploymentScopeId"`
	DisplayName       string `json:"displayName"`
	TenantID          string `json:"tenantId,omitempty"`
	ClientID          string `json:"clientId,omitempty"`
	ClientSecret      string `json:"clientSecret,omitempty"`
	PrincipalID       string `json:"principalId,omitempty"`
	ObjectID          string `json:"objectId,omitempty"`
}

func (p *ProjectIdentity) Kind() string            { return KindProjectIdentity }
func (p *ProjectIdentity) GetID() string           { return p.ID }
func (p *ProjectIdentity) GetPartitionKey() string { return p.ProjectID }
