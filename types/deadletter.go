package types

import "time"

// DeadLetterEntry is one line of the dead-letter log: an upload that failed and still needs
// delivering.
type DeadLetterEntry struct {
	LocalPath  string     `json:"localPath"`
	RemotePath string     `json:"remotePath"`
	Error      string     `json:"error"`
	Timestamp  time.Time  `json:"timestamp"`
	LastRetry  *time.Time `json:"lastRetry,omitempty"`
	RetryError string     `json:"retryError,omitempty"`
	SpoolPath  string     `json:"spoolPath,omitempty"`
	RetryCount int        `json:"retryCount,omitempty"`

	// What the file holds, carried so a later recovery can be catalogued.
	RecordKind  RecordKind `json:"recordKind,omitempty"`
	FileKind    JobKind    `json:"fileKind,omitempty"`
	RecordCount int        `json:"recordCount,omitempty"`
}

// BackingFile is the local file a retry uploads from.
func (e DeadLetterEntry) BackingFile() string {
	if e.SpoolPath != "" {
		return e.SpoolPath
	}
	return e.LocalPath
}
