package model

// Organization is the tenant level container for projects.
type Organization struct {
	Meta
	ID             string            `json:"id" validate:"required"`
	Tenant         string            `json:"tenant" validate:"required"`
	Slug           string            `json:"slug"`
	DisplayName    string            `json:"displayName" validate:"required"`
	SubscriptionID string            `json:"subscriptionId"`
	Location       string            `json:"location"`
	ResourceID     string            `json:"resourceId,omitempty"`
	ResourceState  ResourceState     `json:"resourceState"`
	Tags           map[string]string `json:"tags,omitempty"`
}

func (o *Organization) Kind() string            { return KindOrganization }
func (o *Organization) GetID() string           { return o.ID }
func (o *Organization) GetPartitionKey() string { return o.Tenant }

func (o *Organization) GetResourceState() ResourceState      { return o.ResourceState }
func (o *Organization) SetResourceState(state ResourceState) { o.ResourceState = state }

func (o *Organization) UniqueKeys() []string {
	if o.Slug == "" {
		return nil
	}
	return []string{"slug:" + o.Slug}
}
