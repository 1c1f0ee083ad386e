package conversation

// Stage is the pipeline position of a conversation.
type Stage string

const (
	StageBootstrapping     Stage = "bootstrapping"
	StageIdle              Stage = "idle"
	StageRouting           Stage = "routing"
	StageRetrievingContext Stage = "retrieving_context"
	StageGenerating        Stage = "generating"
	StageUpdatingProfile   Stage = "updating_profile"
)

func (s Stage) String() string {
	return string(s)
}

// Busy reports whether a turn is in flight.
func (s Stage) Busy() bool {
	switch s {
	case StageRouting, StageRetrievingContext, StageGenerating, StageUpdatingProfile:
		return true
	default:
		return false
	}
}

// State is the per-conversation data owned by the orchestrator.
type State struct {
	History       []Message
	Profile       string
	Stage         Stage
	SessionReady  bool
	ModuleContext string
	AgentName     string
}

// NewState returns a state that has not completed bootstrap yet.
func NewState() *State {
	return &State{Stage: StageBootstrapping}
}

// Reset clears conversation content but keeps session bookkeeping.
func (s *State) Reset() {
	s.History = nil
	s.Profile = ""
	s.AgentName = ""
	s.Stage = StageIdle
}
