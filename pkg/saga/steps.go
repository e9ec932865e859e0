package saga

// StepDef is one forward step in a saga's fixed sequence. Service names the
// downstream owner the step command is routed to; EventType is the command
// event emitted to trigger it.
type StepDef struct {
	Name      string
	Service   string
	EventType string
}

// Step sequences are fixed per saga type. They are not user-programmable:
// adding a step means adding it here together with its compensation action.
var stepSequences = map[Type][]StepDef{
	TypeUserRegistration: {
		{Name: "provision_cart", Service: "cart", EventType: "cart.provision"},
		{Name: "grant_signup_points", Service: "points", EventType: "points.grant_signup"},
		{Name: "issue_welcome_coupon", Service: "coupon", EventType: "coupon.issue_welcome"},
	},
	TypeUserDeletion: {
		{Name: "clear_cart", Service: "cart", EventType: "cart.clear"},
		{Name: "expire_points", Service: "points", EventType: "points.expire"},
		{Name: "revoke_coupons", Service: "coupon", EventType: "coupon.revoke"},
	},
}

// StepsFor returns the ordered step sequence for a saga type.
func StepsFor(t Type) []StepDef {
	steps := stepSequences[t]
	out := make([]StepDef, len(steps))
	copy(out, steps)
	return out
}

// FirstStep returns the opening step of a saga type.
func FirstStep(t Type) (StepDef, bool) {
	steps := stepSequences[t]
	if len(steps) == 0 {
		return StepDef{}, false
	}
	return steps[0], true
}

// NextStep returns the first step not yet completed, or ok=false when the
// sequence is exhausted. Completed steps are skipped wherever they appear,
// so a resumed saga never re-runs an idempotent side effect.
func NextStep(t Type, completed []string) (StepDef, bool) {
	done := make(map[string]struct{}, len(completed))
	for _, step := range completed {
		done[step] = struct{}{}
	}
	for _, step := range stepSequences[t] {
		if _, ok := done[step.Name]; !ok {
			return step, true
		}
	}
	return StepDef{}, false
}

// StepByName looks a step up in a saga type's sequence.
func StepByName(t Type, name string) (StepDef, bool) {
	for _, step := range stepSequences[t] {
		if step.Name == name {
			return step, true
		}
	}
	return StepDef{}, false
}

// StepCommand is the payload of an outbound step command event.
type StepCommand struct {
	SagaID  string            `json:"saga_id"`
	UserID  string            `json:"user_id"`
	Step    string            `json:"step"`
	Attempt int               `json:"attempt"`
	Context map[string]string `json:"context,omitempty"`
}

// StepFeedback is the payload downstream services send back after a step.
type StepFeedback struct {
	Step         string `json:"step"`
	Success      bool   `json:"success"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// LifecyclePayload is the payload of inbound user lifecycle events.
type LifecyclePayload struct {
	UserID string `json:"user_id"`
}

// StatusPayload is the payload of outbound saga status events.
type StatusPayload struct {
	SagaID       string `json:"saga_id"`
	SagaType     Type   `json:"saga_type"`
	UserID       string `json:"user_id"`
	Status       Status `json:"status"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}
