// Package domain holds the wire-level record types shared by every
// component: Module, Deployment, Claim, SanitizedResourceChange and
// ReconcileState, as named in the data model.
package domain

import "github.com/infraweave-io/infraweave/internal/value"

// ModuleType distinguishes a plain Module from one synthesised by the Stack
// Composer.
type ModuleType string

const (
	ModuleTypeModule ModuleType = "module"
	ModuleTypeStack  ModuleType = "stack"
)

// LockProvider is one resolved entry of Module.TFLockProviders.
type LockProvider struct {
	Source  string `json:"source"`
	Version string `json:"version"`
}

// VersionDiff records the HCL blocks added/changed/removed relative to the
// previous published version of a (module, track).
type VersionDiff struct {
	PreviousVersion string   `json:"previous_version"`
	Added           []string `json:"added"`
	Changed         []string `json:"changed"`
	Removed         []string `json:"removed"`
}

// StackData is present on a Module iff it was synthesised from a Stack.
type StackData struct {
	Modules []StackMemberModule `json:"modules"`
}

// StackMemberModule is one claim's contribution to a synthesised Stack.
type StackMemberModule struct {
	ClaimName string `json:"claim_name"`
	Module    string `json:"module"`
	Track     string `json:"track"`
	Version   string `json:"version"`
}

// Module is the primary published artifact: a Terraform module or a
// synthesised Stack.
type Module struct {
	Module                     string            `json:"module"`
	ModuleName                 string            `json:"module_name"`
	ModuleType                 ModuleType        `json:"module_type"`
	Version                    string            `json:"version"`
	Track                      string            `json:"track"`
	Timestamp                  string            `json:"timestamp"`
	Description                string            `json:"description"`
	Reference                  string            `json:"reference"`
	Manifest                   value.Value       `json:"manifest"`
	TFVariables                []TFVariable      `json:"tf_variables"`
	TFOutputs                  []TFOutput        `json:"tf_outputs"`
	TFRequiredProviders        []RequiredProvider `json:"tf_required_providers"`
	TFLockProviders            []LockProvider    `json:"tf_lock_providers"`
	TFExtraEnvironmentVariables []string         `json:"tf_extra_environment_variables"`
	S3Key                      string            `json:"s3_key"`
	StackData                  *StackData        `json:"stack_data,omitempty"`
	VersionDiff                *VersionDiff      `json:"version_diff,omitempty"`
	CPU                        string            `json:"cpu,omitempty"`
	Memory                     string            `json:"memory,omitempty"`
	Deprecated                 bool              `json:"deprecated"`
	DeprecatedMessage          string            `json:"deprecated_message,omitempty"`
}

// TFVariable is one `variable` block surfaced by a Module.
type TFVariable struct {
	Name        string      `json:"name"`
	Type        string      `json:"type,omitempty"`
	Description string      `json:"description,omitempty"`
	Default     *value.Value `json:"default,omitempty"`
	Nullable    bool        `json:"nullable,omitempty"`
	Required    bool        `json:"required"`
}

// TFOutput is one `output` block surfaced by a Module.
type TFOutput struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// RequiredProvider is one entry of `terraform.required_providers`.
type RequiredProvider struct {
	Name    string `json:"name"`
	Source  string `json:"source"`
	Version string `json:"version"`
}

// DriftDetection mirrors the claim-level drift detection config.
type DriftDetection struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"`
}

// Deployment is an instance of a Module in a namespace/environment.
type Deployment struct {
	DeploymentID   string            `json:"deployment_id"`
	ProjectID      string            `json:"project_id"`
	Region         string            `json:"region"`
	Environment    string            `json:"environment"`
	Module         string            `json:"module"`
	ModuleVersion  string            `json:"module_version"`
	ModuleTrack    string            `json:"module_track"`
	ModuleType     ModuleType        `json:"module_type"`
	Variables      value.Value       `json:"variables"`
	Status         string            `json:"status"`
	JobID          string            `json:"job_id"`
	Epoch          int64             `json:"epoch"`
	Reference      string            `json:"reference,omitempty"`
	InitiatedBy    string            `json:"initiated_by"`
	DriftDetection DriftDetection    `json:"drift_detection"`
	HasDrifted     bool              `json:"has_drifted"`
	ErrorText      string            `json:"error_text,omitempty"`
	Deleted        bool              `json:"deleted"`
	Dependencies   []string          `json:"dependencies,omitempty"`
	Output         value.Value       `json:"output"`
	PolicyResults  value.Value       `json:"policy_results"`
	TFResources    value.Value       `json:"tf_resources"`
}

// Deployment status values (§4.F closed set).
const (
	StatusSuccessful  = "successful"
	StatusFailed      = "failed"
	StatusError       = "error"
	StatusInitiated   = "initiated"
	StatusInProgress  = "in progress"
)

// ClaimMetadata is `metadata` on a Claim document.
type ClaimMetadata struct {
	Name      string `yaml:"name" json:"name"`
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty"`
}

// ClaimSpec is `spec` on a Claim document.
type ClaimSpec struct {
	ModuleVersion    string         `yaml:"moduleVersion,omitempty" json:"moduleVersion,omitempty"`
	StackVersion     string         `yaml:"stackVersion,omitempty" json:"stackVersion,omitempty"`
	Region           string         `yaml:"region" json:"region"`
	Variables        map[string]any `yaml:"variables" json:"variables"`
	Dependencies     []string       `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	DriftDetection   *DriftDetection `yaml:"driftDetection,omitempty" json:"driftDetection,omitempty"`
	Reference        string         `yaml:"reference,omitempty" json:"reference,omitempty"`
}

// Claim is a YAML document requesting an instance of a Module.
type Claim struct {
	APIVersion string        `yaml:"apiVersion" json:"apiVersion"`
	Kind       string        `yaml:"kind" json:"kind"`
	Metadata   ClaimMetadata `yaml:"metadata" json:"metadata"`
	Spec       ClaimSpec     `yaml:"spec" json:"spec"`
}

// DependsOnChange records the added/removed/unchanged split of a resource's
// depends_on list between plan states.
type DependsOnChange struct {
	Added     []string `json:"added,omitempty"`
	Removed   []string `json:"removed,omitempty"`
	Unchanged []string `json:"unchanged,omitempty"`
}

// AttributeChange is one leaf of a SanitizedResourceChange.Changes map.
type AttributeChange struct {
	Before       value.Value `json:"before"`
	After        value.Value `json:"after"`
	AfterUnknown bool        `json:"after_unknown"`
}

// ResourceAction is the classified action of a SanitizedResourceChange.
type ResourceAction string

const (
	ActionCreate  ResourceAction = "create"
	ActionUpdate  ResourceAction = "update"
	ActionDelete  ResourceAction = "delete"
	ActionReplace ResourceAction = "replace"
	ActionNoOp    ResourceAction = "no-op"
)

// ResourceMode distinguishes managed resources from data sources.
type ResourceMode string

const (
	ModeManaged ResourceMode = "managed"
	ModeData    ResourceMode = "data"
)

// SanitizedResourceChange is the audit-ready record the Sanitiser emits for
// one Terraform resource change.
type SanitizedResourceChange struct {
	Address      string             `json:"address"`
	ResourceType string             `json:"resource_type"`
	Name         string             `json:"name"`
	Mode         ResourceMode       `json:"mode"`
	Provider     string             `json:"provider,omitempty"`
	Action       ResourceAction     `json:"action"`
	ActionReason string             `json:"action_reason,omitempty"`
	Index        *value.Value       `json:"index,omitempty"`
	DependsOn    *DependsOnChange   `json:"depends_on,omitempty"`
	Before       *value.Value       `json:"before,omitempty"`
	After        *value.Value       `json:"after,omitempty"`
	Changes      map[string]AttributeChange `json:"changes,omitempty"`
}

// ReconcileState is the complete contents of a CustomResource's `.status`,
// as named in the data model; no controller state exists outside it.
type ReconcileState struct {
	ResourceStatus      string `json:"resourceStatus"`
	JobID               string `json:"jobId"`
	DeploymentID        string `json:"deploymentId"`
	LastCheck           string `json:"lastCheck"`
	LastDeploymentEvent string `json:"lastDeploymentEvent"`
	LastGeneration      int64  `json:"lastGeneration"`
	RetryCount          int    `json:"retryCount"`
	LastFailureEpoch    int64  `json:"lastFailureEpoch,omitempty"`
	Logs                string `json:"logs"`
}
