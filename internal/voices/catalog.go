package voices

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Option is one selectable synthesis voice.
type Option struct {
	ID                 string `json:"id"`
	DisplayName        string `json:"name"`
	Language           string `json:"language"`
	Gender             string `json:"gender"`
	SynthesizerVoiceID string `json:"voice_name,omitempty"`
	Description        string `json:"description"`
}

// Catalog fetches the server's voice list once per session. Discovery failure
// is not an error condition for the call: the built-in fallback set is used
// instead.
type Catalog struct {
	url    string
	client *http.Client
}

// NewCatalog builds a catalog client. voicesURL may be empty, in which case
// the discovery endpoint is derived from the WebSocket conversation URL.
func NewCatalog(voicesURL, serverURL string) *Catalog {
	url := voicesURL
	if url == "" {
		url = deriveVoicesURL(serverURL)
	}
	return &Catalog{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Fetch returns the discovered voices, or the fallback set when discovery
// fails in any way.
func (c *Catalog) Fetch(ctx context.Context) []Option {
	opts, err := c.fetch(ctx)
	if err != nil {
		log.Warn().Err(err).Str("url", c.url).Msg("Voice discovery failed, using fallback catalog")
		return Fallback()
	}

	log.Info().Int("voices", len(opts)).Msg("Voice catalog loaded")
	return opts
}

func (c *Catalog) fetch(ctx context.Context) ([]Option, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("voice discovery returned %s", resp.Status)
	}

	var payload struct {
		Voices map[string]Option `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode voice catalog: %w", err)
	}
	if len(payload.Voices) == 0 {
		return nil, fmt.Errorf("voice catalog is empty")
	}

	opts := make([]Option, 0, len(payload.Voices))
	for id, opt := range payload.Voices {
		if opt.ID == "" {
			opt.ID = id
		}
		opts = append(opts, opt)
	}
	sort.Slice(opts, func(i, j int) bool { return opts[i].ID < opts[j].ID })

	return opts, nil
}

// Fallback is the hard-coded catalog used when discovery is unavailable.
func Fallback() []Option {
	return []Option{
		{
			ID:                 "female",
			DisplayName:        "Premium Female (US)",
			Language:           "en-US",
			Gender:             "female",
			SynthesizerVoiceID: "en-US-Neural2-C",
			Description:        "High-quality Neural2 female voice with American accent",
		},
		{
			ID:                 "male",
			DisplayName:        "Premium Male (US)",
			Language:           "en-US",
			Gender:             "male",
			SynthesizerVoiceID: "en-US-Neural2-D",
			Description:        "High-quality Neural2 male voice with American accent",
		},
		{
			ID:                 "british",
			DisplayName:        "Premium Female (UK)",
			Language:           "en-GB",
			Gender:             "female",
			SynthesizerVoiceID: "en-GB-Neural2-A",
			Description:        "High-quality Neural2 female voice with British accent",
		},
	}
}

// deriveVoicesURL maps the conversation WebSocket URL to the HTTP discovery
// endpoint: ws scheme becomes http, the conversation path becomes /voices.
func deriveVoicesURL(serverURL string) string {
	base := serverURL
	base = strings.Replace(base, "wss://", "https://", 1)
	base = strings.Replace(base, "ws://", "http://", 1)
	base = strings.TrimSuffix(base, "/conversation")
	return base + "/voices"
}
