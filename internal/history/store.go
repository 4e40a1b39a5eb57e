package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/user/voice-tutor/internal/session"
)

// Record is one completed tutoring session as persisted on disk.
type Record struct {
	SessionID   string            `json:"session_id"`
	CompanionID string            `json:"companion_id"`
	EndedAt     string            `json:"ended_at"`
	Messages    []session.Message `json:"messages"`
}

// Store persists session records as JSONL files under a base directory, one
// file per session.
type Store struct {
	baseDir string
}

func NewStore(baseDir string) (*Store, error) {
	sessionsDir := filepath.Join(baseDir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	return &Store{baseDir: baseDir}, nil
}

// Append writes the finished conversation for a session. Writing an existing
// session ID replaces the previous record.
func (s *Store) Append(sessionID, companionID string, messages []session.Message) error {
	record := Record{
		SessionID:   sessionID,
		CompanionID: companionID,
		EndedAt:     time.Now().Format(time.RFC3339),
		Messages:    messages,
	}

	path := s.sessionPath(sessionID)
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create session file: %w", err)
	}
	defer file.Close()

	if err := json.NewEncoder(file).Encode(record); err != nil {
		return fmt.Errorf("failed to encode session record: %w", err)
	}

	log.Info().
		Str("session_id", sessionID).
		Str("file", path).
		Int("messages", len(messages)).
		Msg("Saved session history")

	return nil
}

// Load reads back a previously saved session record.
func (s *Store) Load(sessionID string) (*Record, error) {
	file, err := os.Open(s.sessionPath(sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	var record Record
	if err := json.NewDecoder(file).Decode(&record); err != nil {
		return nil, fmt.Errorf("failed to decode session record: %w", err)
	}

	return &record, nil
}

func (s *Store) sessionPath(sessionID string) string {
	return filepath.Join(s.baseDir, "sessions", fmt.Sprintf("%s.jsonl", sessionID))
}
