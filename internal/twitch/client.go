// Package twitch is a minimal Helix API adapter: liveness checks, user id
// resolution and latest-archive metadata for the archive follower.
package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultAuthURL = "https://id.twitch.tv/oauth2/token"
	defaultAPIURL  = "https://api.twitch.tv/helix"
)

// Archive is the metadata of one broadcast recording.
type Archive struct {
	ID              string
	URL             string
	Title           string
	CreatedAt       time.Time
	Duration        string
	DurationSeconds int
}

// Client talks to the Helix API with an app access token.
type Client struct {
	clientID     string
	clientSecret string
	authURL      string
	apiURL       string
	http         *http.Client
	limiter      *rate.Limiter

	mu    sync.Mutex
	token string
}

// New builds a client from app credentials. Both credentials are required.
func New(clientID, clientSecret string) (*Client, error) {
	if clientID == "" {
		return nil, fmt.Errorf("TWITCH_CLIENT_ID is required")
	}
	if clientSecret == "" {
		return nil, fmt.Errorf("TWITCH_CLIENT_SECRET is required")
	}
	return &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		authURL:      defaultAuthURL,
		apiURL:       defaultAPIURL,
		http:         &http.Client{Timeout: 10 * time.Second},
		// Helix app tokens get 800 points/min; stay well under it.
		limiter: rate.NewLimiter(rate.Limit(5), 10),
	}, nil
}

// WithEndpoints overrides the auth and API base URLs (tests).
func (c *Client) WithEndpoints(authURL, apiURL string) *Client {
	c.authURL = strings.TrimRight(authURL, "/")
	c.apiURL = strings.TrimRight(apiURL, "/")
	return c
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	form := url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"grant_type":    {"client_credentials"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("twitch token request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return "", fmt.Errorf("twitch token request: status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var p struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(res.Body).Decode(&p); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if p.AccessToken == "" {
		return "", fmt.Errorf("twitch token response had no access_token")
	}

	c.mu.Lock()
	c.token = p.AccessToken
	c.mu.Unlock()
	return p.AccessToken, nil
}

func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		return token, nil
	}
	return c.fetchToken(ctx)
}

// helixGet performs an authenticated GET and decodes the JSON body into out.
// A 401 triggers exactly one token refresh and retry.
func (c *Client) helixGet(ctx context.Context, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}

	call := func(token string) (*http.Response, error) {
		u := c.apiURL + "/" + path + "?" + params.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Client-ID", c.clientID)
		req.Header.Set("Authorization", "Bearer "+token)
		return c.http.Do(req)
	}

	res, err := call(token)
	if err != nil {
		return fmt.Errorf("helix %s: %w", path, err)
	}
	if res.StatusCode == http.StatusUnauthorized {
		_ = res.Body.Close()
		fresh, err := c.fetchToken(ctx)
		if err != nil {
			return err
		}
		res, err = call(fresh)
		if err != nil {
			return fmt.Errorf("helix %s: %w", path, err)
		}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("helix %s: status %d: %s", path, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// IsLive reports whether the streamer is currently broadcasting.
func (c *Client) IsLive(ctx context.Context, streamer string) (bool, error) {
	streamer = strings.TrimSpace(streamer)
	if streamer == "" {
		return false, fmt.Errorf("streamer is required")
	}
	var p struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := c.helixGet(ctx, "streams", url.Values{"user_login": {streamer}}, &p); err != nil {
		return false, err
	}
	return len(p.Data) > 0, nil
}

// UserID resolves a login name to the numeric platform user id.
func (c *Client) UserID(ctx context.Context, streamer string) (string, error) {
	streamer = strings.TrimSpace(streamer)
	if streamer == "" {
		return "", fmt.Errorf("streamer is required")
	}
	var p struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.helixGet(ctx, "users", url.Values{"login": {streamer}}, &p); err != nil {
		return "", err
	}
	if len(p.Data) == 0 {
		return "", fmt.Errorf("streamer not found: %s", streamer)
	}
	id := strings.TrimSpace(p.Data[0].ID)
	if id == "" {
		return "", fmt.Errorf("missing user id for streamer: %s", streamer)
	}
	return id, nil
}

// LatestArchive returns the most recently created archive for a user, or nil
// when the user has none.
func (c *Client) LatestArchive(ctx context.Context, userID string) (*Archive, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	var p struct {
		Data []struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			CreatedAt string `json:"created_at"`
			Duration  string `json:"duration"`
		} `json:"data"`
	}
	params := url.Values{"user_id": {userID}, "type": {"archive"}, "first": {"10"}}
	if err := c.helixGet(ctx, "videos", params, &p); err != nil {
		return nil, err
	}
	if len(p.Data) == 0 {
		return nil, nil
	}

	type cand struct {
		idx       int
		createdAt time.Time
	}
	cands := make([]cand, 0, len(p.Data))
	for i, v := range p.Data {
		created, err := time.Parse(time.RFC3339, strings.TrimSpace(v.CreatedAt))
		if err != nil {
			created = time.Time{}
		}
		cands = append(cands, cand{idx: i, createdAt: created})
	}
	sort.SliceStable(cands, func(a, b int) bool {
		return cands[a].createdAt.After(cands[b].createdAt)
	})

	latest := p.Data[cands[0].idx]
	id := strings.TrimSpace(latest.ID)
	if id == "" {
		return nil, nil
	}
	title := latest.Title
	if title == "" {
		title = "Untitled stream"
	}
	return &Archive{
		ID:              id,
		URL:             CanonicalVODURL(id),
		Title:           title,
		CreatedAt:       cands[0].createdAt,
		Duration:        latest.Duration,
		DurationSeconds: ParseDuration(latest.Duration),
	}, nil
}

// CanonicalVODURL builds the public watch URL for an archive id.
func CanonicalVODURL(vodID string) string {
	return "https://www.twitch.tv/videos/" + strings.TrimSpace(vodID)
}

// ParseDuration converts Helix duration strings like "1h2m3s" to seconds.
// Unknown characters are skipped; an empty string is zero.
func ParseDuration(duration string) int {
	duration = strings.ToLower(strings.TrimSpace(duration))
	total := 0
	number := 0
	haveNumber := false
	for _, ch := range duration {
		if ch >= '0' && ch <= '9' {
			number = number*10 + int(ch-'0')
			haveNumber = true
			continue
		}
		if !haveNumber {
			continue
		}
		switch ch {
		case 'h':
			total += number * 3600
		case 'm':
			total += number * 60
		case 's':
			total += number
		}
		number = 0
		haveNumber = false
	}
	return total
}
