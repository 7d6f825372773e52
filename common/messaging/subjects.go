// Package messaging defines standard subject names for the triage message bus.
package messaging

// Subject constants for the triage message bus.
// Follow the pattern: {domain}.{kind}.{resource}
const (
	// SubjectFileTasksPrefix is the root for per-file processing tasks. The
	// operation mode is appended (triage.tasks.file.reindex).
	SubjectFileTasksPrefix = "triage.tasks.file"

	// SubjectFileTasksAll matches every file task regardless of mode.
	SubjectFileTasksAll = SubjectFileTasksPrefix + ".>"

	// SubjectDLQFileTasks receives tasks that ended with the file Failed.
	SubjectDLQFileTasks = "triage.dlq.tasks"

	// SubjectDLQAll matches every dead-lettered message.
	SubjectDLQAll = "triage.dlq.>"
)

// Header names attached to task messages.
const (
	HeaderTaskID = "Triage-Task-Id"
	HeaderFileID = "Triage-File-Id"
	HeaderMode   = "Triage-Mode"
)

// Durable consumer names.
const (
	ConsumerFileWorkers = "file-workers" // Pool of file processing workers
)

// FileTaskSubject returns the subject for a task of the given mode.
// Example: triage.tasks.file.full
func FileTaskSubject(mode string) string {
	return SubjectFileTasksPrefix + "." + mode
}
