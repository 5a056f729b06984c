package models

// InfraResourceType is the workload kind controlling a pod.
type InfraResourceType = string

const (
	ResourcePod         InfraResourceType = "Pod"
	ResourceDeployment  InfraResourceType = "Deployment"
	ResourceStatefulSet InfraResourceType = "StatefulSet"
	ResourceDaemonSet   InfraResourceType = "DaemonSet"
	ResourceReplicaSet  InfraResourceType = "ReplicaSet"
)

// InfraServiceType classifies what the pod serves.
type InfraServiceType = string

const (
	ServiceTypeServer   InfraServiceType = "SERVER"
	ServiceTypeDatabase InfraServiceType = "DATABASE"
)

// ServerInfra is one observed pod in the inventory. group_name is the
// Service that selects it; spec_id binds SERVER pods to their discovered
// OpenAPI spec and stays null for databases.
type ServerInfra struct {
	ID           int64   `db:"id" json:"id"`
	SpecID       *int64  `db:"spec_id" json:"spec_id,omitempty"`
	Namespace    string  `db:"namespace" json:"namespace"`
	Name         string  `db:"name" json:"name"`
	GroupName    string  `db:"group_name" json:"group_name"`
	ResourceType string  `db:"resource_type" json:"resource_type"`
	Environment  *string `db:"environment" json:"environment,omitempty"`
	ServiceType  string  `db:"service_type" json:"service_type"`
	Labels       *string `db:"labels" json:"labels,omitempty"`
}
