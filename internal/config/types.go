// Package config holds the declarative configuration types loaded from
// .dl/config.yml, dl-tasks.yml, and dl-executors.yml, plus the loader that
// walks the filesystem to find the project root.
package config

// ProvideConf describes a provided version of a tool an executor exposes,
// matched against a task's execution_needs.
type ProvideConf struct {
	Name    string  `yaml:"name"`
	Version *string `yaml:"version,omitempty"`
}

// GetVersion returns the provided version, or "" if unset.
func (p ProvideConf) GetVersion() string {
	if p.Version == nil {
		return ""
	}
	return *p.Version
}

// ExecutorType names the supported executor backends.
type ExecutorType string

const (
	ExecutorTypeHost   ExecutorType = "host"
	ExecutorTypeDocker ExecutorType = "docker"
)

// ExecutorConf describes the configuration for an executor. It may not
// describe a valid executor; validity is checked at instantiation time.
type ExecutorConf struct {
	Type     ExecutorType      `yaml:"type"`
	Params   map[string]string `yaml:"params,omitempty"`
	Provides []ProvideConf     `yaml:"provides,omitempty"`
}

// GetParameters returns the params map, defaulting to empty rather than nil.
func (e ExecutorConf) GetParameters() map[string]string {
	if e.Params == nil {
		return map[string]string{}
	}
	return e.Params
}

// LocationType names the supported fetch sources.
type LocationType string

const (
	LocationTypePath LocationType = "path"
	LocationTypeHTTP LocationType = "http"
)

// LocationConf describes a place to fetch dl-tasks.yml, dl-executors.yml, or
// helper scripts from.
type LocationConf struct {
	Type    LocationType `yaml:"type"`
	At      string       `yaml:"at"`
	Recurse *bool        `yaml:"recurse,omitempty"`
}

// GetRecurse reports whether filesystem traversal should recurse into
// subdirectories; meaningless for HTTP locations.
func (l LocationConf) GetRecurse() bool {
	return l.Recurse != nil && *l.Recurse
}

// PresetConf names a predefined set of tags runnable via `run <preset>`.
type PresetConf struct {
	Name        string   `yaml:"name"`
	Description *string  `yaml:"description,omitempty"`
	Tags        []string `yaml:"tags"`
}

// TopLevelConf is the parsed contents of .dl/config.yml.
type TopLevelConf struct {
	DefaultExecutor   *ExecutorConf  `yaml:"default_executor,omitempty"`
	EnsureDirectories []string       `yaml:"ensure_directories,omitempty"`
	ExecutorLocations []LocationConf `yaml:"executor_locations,omitempty"`
	HelperLocations   []LocationConf `yaml:"helper_locations,omitempty"`
	Presets           []PresetConf   `yaml:"presets,omitempty"`
	TaskLocations     []LocationConf `yaml:"task_locations,omitempty"`
}

// NeedsRequirement describes one entry of a task's execution_needs list.
type NeedsRequirement struct {
	Name           string  `yaml:"name"`
	VersionMatcher *string `yaml:"version_matcher,omitempty"`
}

// GetVersionMatcher returns the semver matching string, or "" if unset.
func (n NeedsRequirement) GetVersionMatcher() string {
	if n.VersionMatcher == nil {
		return ""
	}
	return *n.VersionMatcher
}

// PipelineStep describes one step of a sequential pipeline task.
type PipelineStep struct {
	Name        string   `yaml:"name"`
	Description *string  `yaml:"description,omitempty"`
	Task        string   `yaml:"task"`
	Args        []string `yaml:"args,omitempty"`
}

// OneofOption describes one selectable branch of a oneof task.
type OneofOption struct {
	Name        string   `yaml:"name"`
	Args        []string `yaml:"args,omitempty"`
	Description *string  `yaml:"description,omitempty"`
	Task        string   `yaml:"task"`
	Tags        []string `yaml:"tags,omitempty"`
}

// TaskType names the closed set of task kinds.
type TaskType string

const (
	TaskTypeCommand          TaskType = "command"
	TaskTypeOneof            TaskType = "oneof"
	TaskTypePipeline         TaskType = "pipeline"
	TaskTypeParallelPipeline TaskType = "parallel-pipeline"
)

// TaskConf is the declarative configuration for a single task.
type TaskConf struct {
	Name            string             `yaml:"name"`
	Type            *TaskType          `yaml:"type,omitempty"`
	Description     *string            `yaml:"description,omitempty"`
	Location        *LocationConf      `yaml:"location,omitempty"`
	ExecutionNeeds  []NeedsRequirement `yaml:"execution_needs,omitempty"`
	CustomExecutor  *ExecutorConf      `yaml:"custom_executor,omitempty"`
	Steps           []PipelineStep     `yaml:"steps,omitempty"`
	Options         []OneofOption      `yaml:"options,omitempty"`
	Tags            []string           `yaml:"tags,omitempty"`
	Internal        *bool              `yaml:"internal,omitempty"`
	StopIsFailure   *bool              `yaml:"ctrlc_is_failure,omitempty"`
	SourcePath      string             `yaml:"-"`
}

// GetType returns the task's type, defaulting to command when unset.
func (t TaskConf) GetType() TaskType {
	if t.Type == nil {
		return TaskTypeCommand
	}
	return *t.Type
}

// IsInternal reports whether the task is hidden from `list`.
func (t TaskConf) IsInternal() bool {
	return t.Internal != nil && *t.Internal
}

// CtrlcIsFailure reports whether a cancellation of this task should be
// treated as a failure (exit 10) rather than a clean stop (exit 0).
// Defaults to true, matching the original implementation.
func (t TaskConf) CtrlcIsFailure() bool {
	if t.StopIsFailure == nil {
		return true
	}
	return *t.StopIsFailure
}

// TaskConfFile is the top-level shape of a dl-tasks.yml file.
type TaskConfFile struct {
	Tasks []TaskConf `yaml:"tasks"`
}

// ExecutorConfFile is the top-level shape of a dl-executors.yml file.
type ExecutorConfFile struct {
	Executors []ExecutorConf `yaml:"executors"`
}
