// Package role defines worker roles: a named bundle of default model,
// thinking effort and instructions that the orchestrator binds to sessions.
package role

// Role describes how a worker should behave.
type Role struct {
	ID    string `json:"id" koanf:"id" toml:"id"`
	Name  string `json:"name" koanf:"name" toml:"name"`
	Model string `json:"model,omitempty" koanf:"model" toml:"model"`

	// Thinking is the default reasoning effort (e.g. "low", "medium", "high").
	Thinking string `json:"thinking,omitempty" koanf:"thinking" toml:"thinking"`

	// Instructions is static instruction text. PromptFile, when set, takes
	// precedence and is read through a PromptCache.
	Instructions string `json:"instructions,omitempty" koanf:"instructions" toml:"instructions"`
	PromptFile   string `json:"prompt_file,omitempty" koanf:"prompt_file" toml:"prompt_file"`

	Builtin bool `json:"builtin" koanf:"-" toml:"-"`
}

// Clone returns a copy of r.
func (r *Role) Clone() *Role {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// Builtin role ids.
const (
	ReviewerID = "reviewer"
	WorkerID   = "worker"
)

// BuiltinRoles returns the roles every store starts with.
func BuiltinRoles() []*Role {
	return []*Role{
		{
			ID:       WorkerID,
			Name:     "Worker",
			Thinking: "medium",
			Instructions: "Complete the task described in the work item. " +
				"Respond with a JSON object holding your result.",
			Builtin: true,
		},
		{
			ID:       ReviewerID,
			Name:     "Reviewer",
			Thinking: "high",
			Instructions: "Review the candidate output against the task. " +
				`Respond with a JSON object {"score": <0..1>, "feedback": "<what to improve>"}.`,
			Builtin: true,
		},
	}
}
