// internal/types/models.go
package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SessionType distinguishes the two kinds of attendance activity.
type SessionType string

const (
	SessionScanner   SessionType = "scanner"
	SessionChecklist SessionType = "checklist"
)

// SessionTypes lists every valid session type.
var SessionTypes = []SessionType{SessionScanner, SessionChecklist}

// ParseSessionType accepts the current type names and the tags older
// app versions stored.
func ParseSessionType(s string) (SessionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "scanner", "scan", "qr", "qrscanner":
		return SessionScanner, nil
	case "checklist", "list":
		return SessionChecklist, nil
	}
	return "", &ValidationError{Field: "session_type", Reason: fmt.Sprintf("unknown type %q", s)}
}

func (t SessionType) Valid() bool {
	return t == SessionScanner || t == SessionChecklist
}

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusInProgress       Status = "in_progress"
	StatusClosedNormally   Status = "closed_normally"
	StatusDeclinedRecovery Status = "declined_recovery"
)

func (s Status) Valid() bool {
	return s == StatusInProgress || s == StatusClosedNormally || s == StatusDeclinedRecovery
}

type Entry struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	IsManual  bool      `json:"is_manual"`
}

type Session struct {
	ID          SessionID   `json:"id"`
	SessionType SessionType `json:"session_type"`
	Location    string      `json:"location"`
	CreatedAt   time.Time   `json:"created_at"`
	Entries     []Entry     `json:"entries"`
	Status      Status      `json:"status"`
	BackedUp    bool        `json:"backed_up"`
}

// NewSession creates an IN_PROGRESS session. It does not validate; callers
// run Validate before persisting.
func NewSession(typ SessionType, location string, now time.Time) *Session {
	return &Session{
		ID:          NewSessionID(),
		SessionType: typ,
		Location:    strings.TrimSpace(location),
		CreatedAt:   now,
		Entries:     []Entry{},
		Status:      StatusInProgress,
	}
}

// Validate reports whether the session may be persisted.
func (s *Session) Validate() error {
	if s == nil {
		return &ValidationError{Field: "session", Reason: "missing"}
	}
	if strings.TrimSpace(s.Location) == "" {
		return &ValidationError{Field: "location", Reason: "must not be empty"}
	}
	if !s.SessionType.Valid() {
		return &ValidationError{Field: "session_type", Reason: fmt.Sprintf("unknown type %q", s.SessionType)}
	}
	return nil
}

func (s *Session) InProgress() bool {
	return s.Status == StatusInProgress
}

// Find returns the entry with the given content, if recorded.
func (s *Session) Find(content string) (Entry, bool) {
	for _, e := range s.Entries {
		if e.Content == content {
			return e, true
		}
	}
	return Entry{}, false
}

// AddEntry appends content to the session. A duplicate content is not an
// error: the existing entry is returned with added=false.
func (s *Session) AddEntry(content string, manual bool, at time.Time) (Entry, bool, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Entry{}, false, &ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if existing, ok := s.Find(content); ok {
		return existing, false, nil
	}

	entry := Entry{
		ID:        s.nextEntryID(content, at),
		Content:   content,
		Timestamp: at,
		IsManual:  manual,
	}
	s.Entries = append(s.Entries, entry)
	return entry, true, nil
}

// nextEntryID uses the selected identifier for checklist sessions and the
// scan's millisecond timestamp for scanner sessions.
func (s *Session) nextEntryID(content string, at time.Time) string {
	if s.SessionType == SessionChecklist {
		return content
	}
	ms := at.UnixMilli()
	for {
		id := strconv.FormatInt(ms, 10)
		if !s.hasEntryID(id) {
			return id
		}
		ms++
	}
}

func (s *Session) hasEntryID(id string) bool {
	for _, e := range s.Entries {
		if e.ID == id {
			return true
		}
	}
	return false
}

// RemoveEntry deletes the entry with the given id or content.
func (s *Session) RemoveEntry(idOrContent string) bool {
	for i, e := range s.Entries {
		if e.ID == idOrContent || e.Content == idOrContent {
			s.Entries = append(s.Entries[:i], s.Entries[i+1:]...)
			return true
		}
	}
	return false
}

// Clone returns a deep copy; later mutations of s do not affect it.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Entries = make([]Entry, len(s.Entries))
	copy(c.Entries, s.Entries)
	return &c
}

// sessionWire accepts both the current encoding and the boolean-flag shape
// written by older app versions.
type sessionWire struct {
	ID          SessionID `json:"id"`
	SessionType string    `json:"session_type"`
	Location    string    `json:"location"`
	CreatedAt   time.Time `json:"created_at"`
	Entries     []Entry   `json:"entries"`
	Status      Status    `json:"status"`
	BackedUp    bool      `json:"backed_up"`

	LegacyType       string       `json:"sessionType"`
	LegacyDateTime   string       `json:"dateTime"`
	LegacyScans      []legacyScan `json:"scans"`
	LegacyInProgress *bool        `json:"inProgress"`
	LegacyBackedUp   *bool        `json:"backedUp"`
	LegacyChecklist  bool         `json:"isChecklist"`
	LegacyRecovery   string       `json:"recoveryStatus"`
}

type legacyScan struct {
	ID        json.RawMessage `json:"id"`
	Content   string          `json:"content"`
	Timestamp string          `json:"timestamp"`
	Time      string          `json:"time"`
	IsManual  json.RawMessage `json:"isManual"`
}

// UnmarshalJSON maps legacy boolean combinations onto Status exactly once,
// at load time. MarshalJSON is the default and only writes the new shape.
func (s *Session) UnmarshalJSON(data []byte) error {
	var w sessionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	out := Session{
		ID:        w.ID,
		Location:  w.Location,
		CreatedAt: w.CreatedAt,
		Entries:   w.Entries,
		Status:    w.Status,
		BackedUp:  w.BackedUp,
	}

	switch {
	case w.SessionType != "":
		t, err := ParseSessionType(w.SessionType)
		if err != nil {
			return err
		}
		out.SessionType = t
	case w.LegacyType != "":
		t, err := ParseSessionType(w.LegacyType)
		if err != nil {
			return err
		}
		out.SessionType = t
	case w.LegacyChecklist:
		out.SessionType = SessionChecklist
	default:
		out.SessionType = SessionScanner
	}

	if out.CreatedAt.IsZero() && w.LegacyDateTime != "" {
		if t, err := time.Parse(time.RFC3339Nano, w.LegacyDateTime); err == nil {
			out.CreatedAt = t
		}
	}

	if out.Entries == nil && w.LegacyScans != nil {
		out.Entries = make([]Entry, 0, len(w.LegacyScans))
		for _, scan := range w.LegacyScans {
			out.Entries = append(out.Entries, scan.entry())
		}
	}
	if out.Entries == nil {
		out.Entries = []Entry{}
	}

	if w.LegacyBackedUp != nil && !out.BackedUp {
		out.BackedUp = *w.LegacyBackedUp
	}

	if !out.Status.Valid() {
		out.Status = legacyStatus(w.LegacyInProgress, w.LegacyRecovery)
	}

	*s = out
	return nil
}

func legacyStatus(inProgress *bool, recovery string) Status {
	r := strings.ToLower(recovery)
	switch {
	case strings.Contains(r, "declined"):
		return StatusDeclinedRecovery
	case inProgress != nil && *inProgress:
		return StatusInProgress
	default:
		return StatusClosedNormally
	}
}

func (l legacyScan) entry() Entry {
	e := Entry{Content: strings.TrimSpace(l.Content)}

	// ids were written both as strings and as sqlite row numbers
	var sid string
	if err := json.Unmarshal(l.ID, &sid); err == nil {
		e.ID = sid
	} else {
		e.ID = strings.Trim(string(l.ID), `"`)
	}

	ts := l.Timestamp
	if ts == "" {
		ts = l.Time
	}
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		e.Timestamp = t
	}

	// isManual was stored as a bool or as 0/1
	switch strings.TrimSpace(string(l.IsManual)) {
	case "true", "1":
		e.IsManual = true
	}
	return e
}

// BackupJob is a queued export awaiting remote delivery. Session is a
// snapshot taken at enqueue time.
type BackupJob struct {
	ID         JobID     `json:"id"`
	Session    Session   `json:"session"`
	FileName   string    `json:"file_name"`
	QueuedAt   time.Time `json:"queued_at"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
}

// Export is the deliverable representation of a session.
type Export struct {
	FileName string
	Data     []byte
}

// ObjectInfo describes an object listed from the remote store.
type ObjectInfo struct {
	Path    string `json:"path"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Size    int64  `json:"size"`
}

type backupJobWire struct {
	ID         JobID     `json:"id"`
	Session    Session   `json:"session"`
	FileName   string    `json:"file_name"`
	QueuedAt   time.Time `json:"queued_at"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error"`

	LegacyFileName   string `json:"fileName"`
	LegacyTimestamp  string `json:"timestamp"`
	LegacyRetryCount int    `json:"retryCount"`
	LegacyError      string `json:"error"`
}

// legacyJobID derives a stable id for a queue entry stored without one, so
// reloading the queue yields the same id.
func legacyJobID(session SessionID) JobID {
	if session == "" {
		return NewJobID()
	}
	return JobID("legacy-" + string(session))
}

// UnmarshalJSON also accepts queue entries written by older app versions,
// which had no job id and used camelCase keys.
func (j *BackupJob) UnmarshalJSON(data []byte) error {
	var w backupJobWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out := BackupJob{
		ID:         w.ID,
		Session:    w.Session,
		FileName:   w.FileName,
		QueuedAt:   w.QueuedAt,
		RetryCount: w.RetryCount,
		LastError:  w.LastError,
	}
	if out.ID == "" {
		out.ID = legacyJobID(w.Session.ID)
	}
	if out.FileName == "" {
		out.FileName = w.LegacyFileName
	}
	if out.QueuedAt.IsZero() && w.LegacyTimestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, w.LegacyTimestamp); err == nil {
			out.QueuedAt = t
		}
	}
	if out.RetryCount == 0 {
		out.RetryCount = w.LegacyRetryCount
	}
	if out.LastError == "" {
		out.LastError = w.LegacyError
	}
	*j = out
	return nil
}
