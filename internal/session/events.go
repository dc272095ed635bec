package session

// ProgressEvent describes pipeline state for the subscribed client. Transient,
// never persisted.
type ProgressEvent struct {
	Stage   Status
	Done    int // sub-progress within a stage (segments finished)
	Total   int
	Detail  string
	Err     string // set only when Stage is StatusError
	ErrCode string
}

// ChunkEvent carries one incremental fragment of notes/quiz generation.
type ChunkEvent struct {
	Stage   Status
	Content string
}

// QAEvent carries one step of a question/answer exchange: the opening marker,
// streamed answer fragments, and the done marker.
type QAEvent struct {
	TurnIndex int
	Question  string // set on the opening event only
	Fragment  string
	Done      bool
	Err       string
}
