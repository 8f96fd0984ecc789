package domain

// ResponsePath names which branch of the synthesis state machine produced the
// final answer for a turn.
type ResponsePath string

const (
	PathTwoStage   ResponsePath = "two_stage"
	PathStage1Only ResponsePath = "stage1_only"
	PathKBOnly     ResponsePath = "kb_only"
	PathPlain      ResponsePath = "plain"
)

// StageMessage is a prompt ready for one model call plus its token estimate.
type StageMessage struct {
	Text            string
	EstimatedTokens int
}

// TurnInput carries everything the synthesis controller needs for one turn.
type TurnInput struct {
	ThreadID      string
	Text          string
	RAGEnabled    bool
	ForceResearch *bool
}

// TurnResult reports the single response produced for a turn together with
// the degrade notices emitted along the way. Notices are user-visible and
// tests assert on them.
type TurnResult struct {
	Path          ResponsePath
	Answer        string
	Queries       []string
	References    []string
	Notices       []string
	Stage1Tokens  int
	Stage2Tokens  int
	ResearchTaken bool
}
