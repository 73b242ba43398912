package credentials

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/giantswarm/mcp-tunnel/pkg/logging"
)

const (
	// DefaultDir is the credential directory relative to the user's home.
	DefaultDir = ".config/mcp-tunnel"

	// DefaultFileName is the credential file name inside DefaultDir.
	DefaultFileName = "credentials.json"

	dirMode  os.FileMode = 0700
	fileMode os.FileMode = 0600
)

// expiryBuffer is subtracted from the expiry time when checking validity.
const expiryBuffer = 60 * time.Second

const subsystem = "Credentials"

// StoreConfig configures a Store.
type StoreConfig struct {
	// Path is the credential file. Defaults to ~/.config/mcp-tunnel/credentials.json.
	Path string

	// Logger receives validation warnings. Defaults to the Credentials subsystem logger.
	Logger *slog.Logger
}

// Store reads and writes the credential file.
//
// There is no cross-process locking. A single active client per machine is
// assumed.
type Store struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// DefaultPath returns ~/.config/mcp-tunnel/credentials.json.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, DefaultDir, DefaultFileName), nil
}

// NewStore creates a store for the configured path.
func NewStore(cfg StoreConfig) (*Store, error) {
	path := cfg.Path
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.For(subsystem)
	}

	return &Store{
		path:   path,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Path returns the credential file location.
func (s *Store) Path() string {
	return s.path
}

// Save writes cred to disk, replacing any previous credential.
// SECURITY: only the file path and expiry are logged.
func (s *Store) Save(cred *Credential) error {
	if cred == nil {
		return &StorageError{Op: "save", Path: s.path, Err: fmt.Errorf("credential is nil")}
	}

	if err := s.write(cred); err != nil {
		logging.Audit(subsystem, logging.AuditEvent{
			Action:  "credential_store_failed",
			Outcome: "failure",
			Path:    s.path,
			Err:     err,
		})
		return &StorageError{Op: "save", Path: s.path, Err: err}
	}

	logging.Audit(subsystem, logging.AuditEvent{
		Action:  "credential_stored",
		Outcome: "success",
		Path:    s.path,
		Details: fmt.Sprintf("expires_at=%s tier=%s", cred.ExpiresAt.UTC().Format(time.RFC3339), cred.User.Tier),
	})
	return nil
}

func (s *Store) write(cred *Credential) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}
	// MkdirAll leaves the mode of an existing directory alone.
	if err := os.Chmod(dir, dirMode); err != nil {
		return fmt.Errorf("failed to set credential directory permissions: %w", err)
	}

	data, err := json.MarshalIndent(cred.toFile(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	if err := os.WriteFile(s.path, data, fileMode); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}

	// WriteFile only applies the mode on create and is subject to umask.
	if err := os.Chmod(s.path, fileMode); err != nil {
		return fmt.Errorf("failed to set credential file permissions: %w", err)
	}
	return nil
}

// Load returns the stored credential, or nil when there is none or it cannot
// be used. Problems are logged, never returned.
func (s *Store) Load() *Credential {
	// #nosec G304 -- path comes from configuration, not from remote input
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Failed to read credential file", "path", s.path, "error", err)
		}
		return nil
	}

	cred, problems := parseCredential(data)
	if len(problems) > 0 {
		s.logger.Warn("Stored credential is invalid, ignoring it",
			"path", s.path,
			"problems", strings.Join(problems, "; "),
		)
		return nil
	}
	return cred
}

// parseCredential validates data field by field and returns every problem found.
func parseCredential(data []byte) (*Credential, []string) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, []string{fmt.Sprintf("not valid JSON: %v", err)}
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, []string{"not a JSON object"}
	}

	var problems []string
	str := func(m map[string]any, key, field string) string {
		v, present := m[key]
		if !present {
			problems = append(problems, field+": missing")
			return ""
		}
		s, isString := v.(string)
		if !isString {
			problems = append(problems, fmt.Sprintf("%s: expected string, got %T", field, v))
			return ""
		}
		return s
	}

	cred := &Credential{
		AccessToken:  str(obj, "access_token", "access_token"),
		RefreshToken: str(obj, "refresh_token", "refresh_token"),
	}

	if raw, isString := obj["expires_at"].(string); isString && raw == "" {
		problems = append(problems, "expires_at: empty")
	} else if expiresAt := str(obj, "expires_at", "expires_at"); expiresAt != "" {
		t, err := time.Parse(time.RFC3339Nano, expiresAt)
		if err != nil {
			problems = append(problems, "expires_at: not an RFC 3339 timestamp")
		} else {
			cred.ExpiresAt = t.UTC()
		}
	}

	switch user := obj["user"].(type) {
	case nil:
		problems = append(problems, "user: missing")
	case map[string]any:
		cred.User.ID = str(user, "id", "user.id")
		cred.User.Email = str(user, "email", "user.email")
		if _, present := user["tier"]; !present {
			problems = append(problems, "user.tier: missing")
		} else if tier, _ := user["tier"].(string); !Tier(tier).Valid() {
			problems = append(problems, fmt.Sprintf("user.tier: expected free or paid, got %v", user["tier"]))
		} else {
			cred.User.Tier = Tier(tier)
		}
	default:
		problems = append(problems, fmt.Sprintf("user: expected object, got %T", user))
	}

	return cred, problems
}

// Clear removes the credential file. A missing file is not an error.
// SECURITY: logged for the audit trail.
func (s *Store) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		logging.Audit(subsystem, logging.AuditEvent{
			Action:  "credential_clear_failed",
			Outcome: "failure",
			Path:    s.path,
			Err:     err,
		})
		return &StorageError{Op: "clear", Path: s.path, Err: err}
	}

	logging.Audit(subsystem, logging.AuditEvent{
		Action:  "credential_cleared",
		Outcome: "success",
		Path:    s.path,
	})
	return nil
}

// Exists reports whether a credential file is present. Errors read as false.
func (s *Store) Exists() bool {
	info, err := os.Stat(s.path)
	return err == nil && info.Mode().IsRegular()
}

// IsExpired reports whether cred expires within the next 60 seconds.
func (s *Store) IsExpired(cred *Credential) bool {
	if cred == nil {
		return true
	}
	return !s.now().Before(cred.ExpiresAt.Add(-expiryBuffer))
}
