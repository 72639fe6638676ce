package amoura

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	resty "github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// ============================================================================
// REST Client
// ============================================================================

// RESTClient talks to the hosted backend's auth and REST surfaces. It
// implements both AuthProvider and DataService, so one instance usually
// serves both constructor slots of the engine.
//
// The REST surface speaks PostgREST conventions: row filters in the query
// string ("id=eq.X", "or=(...)"), Prefer headers for representation and
// counts, and JSON arrays in and out.
type RESTClient struct {
	http *resty.Client
	log  zerolog.Logger

	mu           sync.Mutex
	session      *Session
	listeners    map[int]func(AuthEvent, *Session)
	nextListener int
}

// RESTOption customizes a RESTClient.
type RESTOption func(*RESTClient)

// WithRESTLogger sets the client logger.
func WithRESTLogger(log zerolog.Logger) RESTOption {
	return func(c *RESTClient) { c.log = log }
}

// WithRESTTimeout overrides the per-request HTTP timeout.
func WithRESTTimeout(d time.Duration) RESTOption {
	return func(c *RESTClient) { c.http.SetTimeout(d) }
}

// NewRESTClient builds a client against baseURL. apiKey is the project's
// public API key, sent on every request; user authorization rides on the
// bearer token of the active session.
func NewRESTClient(baseURL, apiKey string, opts ...RESTOption) *RESTClient {
	httpc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(30*time.Second).
		SetHeader("apikey", apiKey).
		SetHeader("Content-Type", "application/json").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)

	c := &RESTClient{
		http:      httpc,
		log:       zerolog.Nop(),
		listeners: make(map[int]func(AuthEvent, *Session)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ============================================================================
// AuthProvider
// ============================================================================

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	User         User   `json:"user"`
}

// SignIn performs a password grant and adopts the resulting session.
func (c *RESTClient) SignIn(ctx context.Context, email, password string) (*Session, error) {
	var tok tokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetQueryParam("grant_type", "password").
		SetBody(map[string]string{"email": email, "password": password}).
		SetResult(&tok).
		Post("/auth/v1/token")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, restError(resp)
	}

	session := sessionFromToken(tok)
	c.setSession(session, AuthSignedIn)
	return session, nil
}

// SignOut revokes the session server-side and clears it locally. The local
// clear happens regardless of the revoke outcome.
func (c *RESTClient) SignOut(ctx context.Context) error {
	req, err := c.authed(ctx)
	if err == nil {
		if _, perr := req.Post("/auth/v1/logout"); perr != nil {
			c.log.Warn().Err(perr).Msg("logout request failed")
		}
	}
	c.setSession(nil, AuthSignedOut)
	return nil
}

// RefreshSession trades the refresh token for a new access token.
func (c *RESTClient) RefreshSession(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	current := c.session
	c.mu.Unlock()
	if current == nil || current.RefreshToken == "" {
		return nil, ErrUnauthenticated
	}

	var tok tokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetQueryParam("grant_type", "refresh_token").
		SetBody(map[string]string{"refresh_token": current.RefreshToken}).
		SetResult(&tok).
		Post("/auth/v1/token")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, restError(resp)
	}

	session := sessionFromToken(tok)
	c.setSession(session, AuthTokenRefreshed)
	return session, nil
}

// GetSession returns the active session, refreshing it first when the
// access token has lapsed and a refresh token is on hand. (nil, nil) means
// signed out.
func (c *RESTClient) GetSession(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if session == nil {
		return nil, nil
	}
	if !session.Expired() {
		return session, nil
	}
	if session.RefreshToken == "" {
		c.setSession(nil, AuthSignedOut)
		return nil, nil
	}

	refreshed, err := c.RefreshSession(ctx)
	if err != nil {
		c.setSession(nil, AuthSignedOut)
		return nil, nil
	}
	return refreshed, nil
}

// GetUser fetches the authenticated account, or (nil, nil) when signed out.
func (c *RESTClient) GetUser(ctx context.Context) (*User, error) {
	req, err := c.authed(ctx)
	if err != nil {
		return nil, nil
	}
	var user User
	resp, err := req.SetResult(&user).Get("/auth/v1/user")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, restError(resp)
	}
	return &user, nil
}

// RestoreSession seeds a previously persisted session without a network
// round trip. Listeners see it as a sign-in.
func (c *RESTClient) RestoreSession(session *Session) {
	c.setSession(session, AuthSignedIn)
}

// OnAuthStateChange registers a listener for session transitions.
func (c *RESTClient) OnAuthStateChange(fn func(event AuthEvent, session *Session)) func() {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *RESTClient) setSession(session *Session, event AuthEvent) {
	c.mu.Lock()
	c.session = session
	fns := make([]func(AuthEvent, *Session), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(event, session)
	}
}

func sessionFromToken(tok tokenResponse) *Session {
	return &Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		UserID:       tok.User.ID,
		ExpiresAt:    time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}
}

// ============================================================================
// DataService
// ============================================================================

// selectWithSender embeds the sender profile into each returned row.
const selectWithSender = "*,sender:profiles(*)"

func (c *RESTClient) ListConversations(ctx context.Context, profileID string) ([]Conversation, error) {
	req, err := c.authed(ctx)
	if err != nil {
		return nil, err
	}
	var rows []Conversation
	resp, err := req.
		SetQueryParam("or", participantFilter(profileID)).
		SetQueryParam("status", "eq.active").
		SetQueryParam("order", "updated_at.desc").
		SetResult(&rows).
		Get("/rest/v1/conversations")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, restError(resp)
	}
	return rows, nil
}

func (c *RESTClient) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	req, err := c.authed(ctx)
	if err != nil {
		return nil, err
	}
	var rows []Message
	resp, err := req.
		SetQueryParam("conversation_id", "eq."+conversationID).
		SetQueryParam("select", selectWithSender).
		SetQueryParam("order", "created_at.desc").
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetResult(&rows).
		Get("/rest/v1/messages")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, restError(resp)
	}
	// The page is fetched newest-first so the limit lands on the tail of
	// the conversation; callers want it ascending.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

func (c *RESTClient) LatestMessage(ctx context.Context, conversationID string) (*Message, error) {
	req, err := c.authed(ctx)
	if err != nil {
		return nil, err
	}
	var rows []Message
	resp, err := req.
		SetQueryParam("conversation_id", "eq."+conversationID).
		SetQueryParam("select", selectWithSender).
		SetQueryParam("order", "created_at.desc").
		SetQueryParam("limit", "1").
		SetResult(&rows).
		Get("/rest/v1/messages")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, restError(resp)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (c *RESTClient) MessagesSince(ctx context.Context, conversationID string, after time.Time) ([]Message, error) {
	req, err := c.authed(ctx)
	if err != nil {
		return nil, err
	}
	var rows []Message
	resp, err := req.
		SetQueryParam("conversation_id", "eq."+conversationID).
		SetQueryParam("created_at", "gt."+after.UTC().Format(time.RFC3339Nano)).
		SetQueryParam("select", selectWithSender).
		SetQueryParam("order", "created_at.asc").
		SetResult(&rows).
		Get("/rest/v1/messages")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, restError(resp)
	}
	return rows, nil
}

func (c *RESTClient) InsertMessage(ctx context.Context, params SendMessageParams) (*Message, error) {
	req, err := c.authed(ctx)
	if err != nil {
		return nil, err
	}
	var rows []Message
	resp, err := req.
		SetHeader("Prefer", "return=representation").
		SetQueryParam("select", selectWithSender).
		SetBody(params).
		SetResult(&rows).
		Post("/rest/v1/messages")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, restError(resp)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("amoura: insert returned no representation")
	}
	return &rows[0], nil
}

func (c *RESTClient) GetProfile(ctx context.Context, profileID string) (*Profile, error) {
	req, err := c.authed(ctx)
	if err != nil {
		return nil, err
	}
	var rows []Profile
	resp, err := req.
		SetQueryParam("id", "eq."+profileID).
		SetQueryParam("limit", "1").
		SetResult(&rows).
		Get("/rest/v1/profiles")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, restError(resp)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("amoura: profile %s not found", profileID)
	}
	return &rows[0], nil
}

func (c *RESTClient) ProfileIDForUser(ctx context.Context, userID string) (string, error) {
	req, err := c.authed(ctx)
	if err != nil {
		return "", err
	}
	var rows []struct {
		ID string `json:"id"`
	}
	resp, err := req.
		SetQueryParam("user_id", "eq."+userID).
		SetQueryParam("select", "id").
		SetQueryParam("limit", "1").
		SetResult(&rows).
		Get("/rest/v1/profiles")
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", restError(resp)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("amoura: no profile for user %s", userID)
	}
	return rows[0].ID, nil
}

func (c *RESTClient) IsParticipant(ctx context.Context, conversationID, profileID string) (bool, error) {
	req, err := c.authed(ctx)
	if err != nil {
		return false, err
	}
	var rows []struct {
		ID string `json:"id"`
	}
	resp, err := req.
		SetQueryParam("id", "eq."+conversationID).
		SetQueryParam("or", participantFilter(profileID)).
		SetQueryParam("select", "id").
		SetQueryParam("limit", "1").
		SetResult(&rows).
		Get("/rest/v1/conversations")
	if err != nil {
		return false, err
	}
	if resp.IsError() {
		return false, restError(resp)
	}
	return len(rows) > 0, nil
}

func (c *RESTClient) CountUnread(ctx context.Context, conversationID, profileID string) (int, error) {
	return c.count(ctx, "/rest/v1/messages", url.Values{
		"conversation_id": {"eq." + conversationID},
		"sender_id":       {"neq." + profileID},
		"read_at":         {"is.null"},
	})
}

func (c *RESTClient) MarkRead(ctx context.Context, conversationID, profileID string) error {
	req, err := c.authed(ctx)
	if err != nil {
		return err
	}
	resp, err := req.
		SetQueryParam("conversation_id", "eq."+conversationID).
		SetQueryParam("sender_id", "neq."+profileID).
		SetQueryParam("read_at", "is.null").
		SetBody(map[string]string{"read_at": time.Now().UTC().Format(time.RFC3339Nano)}).
		Patch("/rest/v1/messages")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return restError(resp)
	}
	return nil
}

func (c *RESTClient) DiagnoseEmptyConversations(ctx context.Context, profileID string) (*EmptyDiagnostic, error) {
	total, err := c.count(ctx, "/rest/v1/conversations", url.Values{
		"or": {participantFilter(profileID)},
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	userID := ""
	if c.session != nil {
		userID = c.session.UserID
	}
	c.mu.Unlock()

	return &EmptyDiagnostic{
		TotalConversations: total,
		AnyStatusMatches:   total,
		SessionUserID:      userID,
	}, nil
}

// ============================================================================
// Request plumbing
// ============================================================================

// authed returns a request carrying the session bearer token, or
// ErrUnauthenticated when there is no live session.
func (c *RESTClient) authed(ctx context.Context) (*resty.Request, error) {
	session, err := c.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrUnauthenticated
	}
	return c.http.R().
		SetContext(ctx).
		// Some proxies strip the response Content-Type; without forcing it,
		// resty skips unmarshaling and a success body reads as zero rows.
		ForceContentType("application/json").
		SetHeader("Authorization", "Bearer "+session.AccessToken), nil
}

// count issues a zero-row range request and reads the total off the
// Content-Range header.
func (c *RESTClient) count(ctx context.Context, path string, filters url.Values) (int, error) {
	req, err := c.authed(ctx)
	if err != nil {
		return 0, err
	}
	for k, vs := range filters {
		req.SetQueryParam(k, vs[0])
	}
	resp, err := req.
		SetQueryParam("select", "id").
		SetHeader("Prefer", "count=exact").
		SetHeader("Range", "0-0").
		Get(path)
	if err != nil {
		return 0, err
	}
	if resp.IsError() && resp.StatusCode() != 416 {
		return 0, restError(resp)
	}
	return parseContentRangeTotal(resp.Header().Get("Content-Range")), nil
}

// parseContentRangeTotal extracts the total from "0-0/42" style headers.
// Unknown totals ("*") read as zero.
func parseContentRangeTotal(cr string) int {
	idx := strings.LastIndex(cr, "/")
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(cr[idx+1:])
	if err != nil {
		return 0
	}
	return n
}

func participantFilter(profileID string) string {
	return fmt.Sprintf("(user1_id.eq.%s,user2_id.eq.%s)", profileID, profileID)
}

func restError(resp *resty.Response) error {
	if resp.StatusCode() == 401 {
		return ErrUnauthenticated
	}
	body := strings.TrimSpace(string(resp.Body()))
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Errorf("amoura: %s %s: status %d: %s",
		resp.Request.Method, resp.Request.URL, resp.StatusCode(), body)
}
