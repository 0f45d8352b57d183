// Package action defines the closed set of effects the agent may
// propose, and the parser that extracts them from raw reasoning output.
// Actions are immutable once parsed; each is consumed exactly once by
// the policy engine and then the executor.
package action

import "time"

// Kind discriminates the action variants.
type Kind string

const (
	KindWrite       Kind = "write"
	KindServe       Kind = "serve"
	KindThink       Kind = "think"
	KindCheckpoint  Kind = "checkpoint"
	KindMessage     Kind = "message"
	KindFetch       Kind = "fetch"
	KindExecute     Kind = "execute"
	KindImage       Kind = "image"
	KindDelegate    Kind = "delegate"
	KindSetSchedule Kind = "set_schedule"
)

// WriteMode selects how a write action lands on an existing file.
type WriteMode string

const (
	ModeOverwrite WriteMode = "overwrite"
	ModeAppend    WriteMode = "append"
)

// Action is the closed variant interface. Only the types in this
// package implement it.
type Action interface {
	Kind() Kind
	sealed()
}

// Write creates or modifies a file inside the allowed zones.
type Write struct {
	Path    string
	Content string
	Mode    WriteMode
}

// Serve publishes content under the public zone.
type Serve struct {
	Path    string
	Content string
}

// Think records private reasoning to the journal. No external effect.
type Think struct {
	Content string
}

// Checkpoint requests a best-effort external snapshot.
type Checkpoint struct {
	Label string
}

// Message queues outbound text for a recipient.
type Message struct {
	Recipient string
	Content   string
}

// Fetch retrieves a URL through the allow-listed network collaborator.
type Fetch struct {
	URL string
}

// Execute runs a shell command in a sandboxed subprocess.
type Execute struct {
	Command    string
	Timeout    time.Duration // zero means the configured default
	WorkingDir string        // logical path; empty means the project zone
}

// Image requests image generation. Recognized and policed, but its
// execution reports not-supported in this build.
type Image struct {
	Prompt string
	Path   string
}

// Delegate fans a sub-task out to a secondary reasoning worker. The
// worker's finished content is written to Path through the normal
// executor pipeline.
type Delegate struct {
	TaskType string
	Path     string
	Brief    string
}

// SetSchedule updates the supervisor's wake schedule.
type SetSchedule struct {
	Cron string
}

func (Write) Kind() Kind       { return KindWrite }
func (Serve) Kind() Kind       { return KindServe }
func (Think) Kind() Kind       { return KindThink }
func (Checkpoint) Kind() Kind  { return KindCheckpoint }
func (Message) Kind() Kind     { return KindMessage }
func (Fetch) Kind() Kind       { return KindFetch }
func (Execute) Kind() Kind     { return KindExecute }
func (Image) Kind() Kind       { return KindImage }
func (Delegate) Kind() Kind    { return KindDelegate }
func (SetSchedule) Kind() Kind { return KindSetSchedule }

func (Write) sealed()       {}
func (Serve) sealed()       {}
func (Think) sealed()       {}
func (Checkpoint) sealed()  {}
func (Message) sealed()     {}
func (Fetch) sealed()       {}
func (Execute) sealed()     {}
func (Image) sealed()       {}
func (Delegate) sealed()    {}
func (SetSchedule) sealed() {}

// External reports whether the kind produces an externally visible
// effect. External kinds always get a persisted decision record.
func External(k Kind) bool {
	switch k {
	case KindServe, KindMessage, KindFetch, KindExecute, KindImage, KindDelegate:
		return true
	}
	return false
}
