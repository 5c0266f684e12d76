// Package wizard holds the in-process registry of multi-step
// configuration sessions. A session walks an ordered field schema one
// continue_config_session call at a time; nothing here is persisted,
// the materialized config goes to the store only on completion.
package wizard

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"remote-terminal-go/internal/config"
)

// Field is one step of the schema. When returns false the field is
// skipped entirely and does not count toward the step total.
type Field struct {
	Name     string
	Prompt   string
	Default  string
	Validate func(string) (string, error)
	When     func(completed map[string]string) bool
}

func always(map[string]string) bool { return true }

func whenTrue(gate string) func(map[string]string) bool {
	return func(completed map[string]string) bool {
		return completed[gate] == "true"
	}
}

// wizard-level name rule: the store accepts up to 64 chars, but names
// typed through the wizard are kept short enough for session names.
func validateWizardName(v string) (string, error) {
	if err := config.ValidateName(v); err != nil {
		return "", err
	}
	if len(v) < 3 || len(v) > 20 {
		return "", fmt.Errorf("name must be 3 to 20 characters (example: my-dev-box)")
	}
	return v, nil
}

func validateHost(v string) (string, error) {
	return v, config.ValidateHost(v)
}

func validateUsername(v string) (string, error) {
	return v, config.ValidateUsername(v)
}

func validatePort(v string) (string, error) {
	port, err := config.ValidatePort(v)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", port), nil
}

func validateConnectionType(v string) (string, error) {
	ct, err := config.ValidateConnectionType(v)
	if err != nil {
		return "", err
	}
	return ct, nil
}

func validateBool(v string) (string, error) {
	b, err := config.ParseBool(v)
	if err != nil {
		return "", err
	}
	if b {
		return "true", nil
	}
	return "false", nil
}

func anything(v string) (string, error) { return v, nil }

// Schema returns the canonical field order. Docker and sync detail
// fields only apply once their enabling answer is "true".
func Schema() []Field {
	return []Field{
		{Name: "name", Prompt: "Server name (letters, digits, - and _)", Validate: validateWizardName, When: always},
		{Name: "host", Prompt: "Remote host address or IP", Validate: validateHost, When: always},
		{Name: "username", Prompt: "Login username", Validate: validateUsername, When: always},
		{Name: "port", Prompt: "SSH port", Default: "22", Validate: validatePort, When: always},
		{Name: "connection_type", Prompt: "Connection type (ssh or relay)", Default: "ssh", Validate: validateConnectionType, When: always},
		{Name: "docker_enabled", Prompt: "Enter a Docker container after login? (yes/no)", Default: "false", Validate: validateBool, When: always},
		{Name: "docker_container", Prompt: "Docker container name", Validate: validateHost, When: whenTrue("docker_enabled")},
		{Name: "docker_image", Prompt: "Docker image for auto-create (empty to require an existing container)", Default: "", Validate: anything, When: whenTrue("docker_enabled")},
		{Name: "sync_enabled", Prompt: "Enable file sync? (yes/no)", Default: "false", Validate: validateBool, When: always},
		{Name: "sync_ftp_port", Prompt: "Sync FTP port", Default: "8021", Validate: validatePort, When: whenTrue("sync_enabled")},
		{Name: "sync_ftp_user", Prompt: "Sync FTP user", Default: "ftpuser", Validate: validateUsername, When: whenTrue("sync_enabled")},
		{Name: "sync_ftp_password", Prompt: "Sync FTP password", Validate: anything, When: whenTrue("sync_enabled")},
	}
}

// Session is the in-process state of one wizard run.
type Session struct {
	ID        string
	fields    []Field
	completed map[string]string
	order     []string
	seeded    map[string]string
}

// ValidationError marks a refused field value. Its message always
// carries the word "validation" so callers can surface it verbatim.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

// applicable returns the schema filtered by the current answers.
func (s *Session) applicable() []Field {
	var out []Field
	for _, f := range s.fields {
		if f.When(s.completed) {
			out = append(out, f)
		}
	}
	return out
}

// Next returns the first applicable unanswered field, or false when the
// session is complete.
func (s *Session) Next() (Field, bool) {
	for _, f := range s.applicable() {
		if _, ok := s.completed[f.Name]; !ok {
			return f, true
		}
	}
	return Field{}, false
}

// Done reports whether every applicable field has an answer.
func (s *Session) Done() bool {
	_, more := s.Next()
	return !more
}

// CompletedCount returns how many fields have been answered.
func (s *Session) CompletedCount() int { return len(s.completed) }

// effectiveDefault prefers a seeded value (merge-update flows seed the
// existing record) over the schema default.
func (s *Session) effectiveDefault(f Field) string {
	if v, ok := s.seeded[f.Name]; ok && v != "" {
		return v
	}
	return f.Default
}

// Apply records one answer. The field must be the current step; an
// empty value accepts the default when one exists. On refusal the
// session is left exactly as it was.
func (s *Session) Apply(fieldName, value string) error {
	next, more := s.Next()
	if !more {
		return &ValidationError{Field: fieldName, Reason: "session is already complete"}
	}
	if fieldName != next.Name {
		return &ValidationError{
			Field:  fieldName,
			Reason: fmt.Sprintf("expected field %q at this step (example: {field_name: %q})", next.Name, next.Name),
		}
	}

	value = strings.TrimSpace(value)
	if value == "" {
		if def := s.effectiveDefault(next); def != "" {
			value = def
		} else if next.Name == "docker_image" || next.Name == "sync_ftp_password" {
			// genuinely optional, empty is a valid answer
		} else {
			return &ValidationError{Field: fieldName, Reason: "a value is required (example: {field_value: \"my-value\"})"}
		}
	}

	normalized := value
	if value != "" {
		var err error
		normalized, err = next.Validate(value)
		if err != nil {
			return &ValidationError{Field: fieldName, Reason: err.Error()}
		}
	}

	s.completed[next.Name] = normalized
	s.order = append(s.order, next.Name)
	return nil
}

// Render produces the step prompt per the chat contract: a step K/N
// header, the current prompt with its default, the completed fields so
// far (passwords masked) and the exact continuation call.
func (s *Session) Render() string {
	var b strings.Builder
	next, more := s.Next()
	total := len(s.applicable())
	if !more {
		fmt.Fprintf(&b, "Configuration complete (%d fields).\n", total)
		s.renderCompleted(&b)
		return b.String()
	}

	step := 0
	for i, f := range s.applicable() {
		if f.Name == next.Name {
			step = i + 1
			break
		}
	}
	fmt.Fprintf(&b, "Server configuration — step %d/%d\n\n", step, total)
	fmt.Fprintf(&b, "%s: %s", next.Name, next.Prompt)
	if def := s.effectiveDefault(next); def != "" {
		masked := def
		if isSecret(next.Name) {
			masked = config.Mask
		}
		fmt.Fprintf(&b, " [default: %s]", masked)
	}
	b.WriteString("\n")
	s.renderCompleted(&b)
	fmt.Fprintf(&b, "\nTo continue, call continue_config_session with {session_id: %q, field_name: %q, field_value: \"<value>\"}.\n",
		s.ID, next.Name)
	return b.String()
}

func (s *Session) renderCompleted(b *strings.Builder) {
	if len(s.order) == 0 {
		return
	}
	b.WriteString("\nCompleted so far:\n")
	for i, name := range s.order {
		value := s.completed[name]
		if isSecret(name) && value != "" {
			value = config.Mask
		}
		fmt.Fprintf(b, "  %d. %s: %s\n", i+1, name, value)
	}
}

func isSecret(name string) bool {
	return strings.Contains(name, "password")
}

// Materialize builds the final server record from the answers. Only
// valid on a Done session.
func (s *Session) Materialize() (*config.ServerConfig, error) {
	if !s.Done() {
		next, _ := s.Next()
		return nil, fmt.Errorf("session %s is not complete; next field is %q", s.ID, next.Name)
	}
	port, err := config.ValidatePort(s.completed["port"])
	if err != nil {
		return nil, err
	}
	cfg := &config.ServerConfig{
		Name:           s.completed["name"],
		Host:           s.completed["host"],
		Username:       s.completed["username"],
		Port:           port,
		ConnectionType: s.completed["connection_type"],
	}
	if s.completed["docker_enabled"] == "true" {
		image := s.completed["docker_image"]
		cfg.Docker = &config.DockerConfig{
			ContainerName: s.completed["docker_container"],
			Image:         image,
			AutoCreate:    image != "",
		}
	}
	if s.completed["sync_enabled"] == "true" {
		ftpPort, err := config.ValidatePort(s.completed["sync_ftp_port"])
		if err != nil {
			return nil, err
		}
		cfg.Sync = &config.SyncConfig{
			Enabled:     true,
			FTPPort:     ftpPort,
			FTPUser:     s.completed["sync_ftp_user"],
			FTPPassword: s.completed["sync_ftp_password"],
		}
	}
	cfg.Normalize()
	return cfg, nil
}

// Registry is the process-wide table of live sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	lastID   int64
	now      func() time.Time
}

// NewRegistry returns an empty session table.
func NewRegistry() *Registry {
	return &Registry{
		sessions: map[string]*Session{},
		now:      time.Now,
	}
}

// Start creates a session. seed pre-fills defaults from an existing
// record for merge-update flows; pass nil for a fresh create.
func (r *Registry) Start(seed map[string]string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	millis := r.now().UnixMilli()
	if millis <= r.lastID {
		millis = r.lastID + 1
	}
	r.lastID = millis

	s := &Session{
		ID:        fmt.Sprintf("config_%d", millis),
		fields:    Schema(),
		completed: map[string]string{},
		seeded:    map[string]string{},
	}
	for k, v := range seed {
		s.seeded[k] = v
	}
	r.sessions[s.ID] = s
	return s
}

// Get looks up a live session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove destroys a session; completion and abandonment both end here.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// IDs returns the live session ids, sorted, for diagnostics.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
