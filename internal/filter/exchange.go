package filter

import (
	"bytes"
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/al-bashkir/keycloak-authfilter/internal/session"
)

// exchange carries the per-request state of one filter decision.
type exchange struct {
	f *Filter
	w http.ResponseWriter
	r *http.Request

	// sess caches the session snapshot; loaded is set once it was looked up
	sess   *session.Session
	loaded bool

	// userChecked is set once the session ticket was validated
	userChecked bool

	params url.Values
}

func (f *Filter) newExchange(w http.ResponseWriter, r *http.Request) *exchange {
	return &exchange{f: f, w: w, r: r}
}

func (ex *exchange) ctx() context.Context {
	return ex.r.Context()
}

// path returns the request path relative to the context path.
func (ex *exchange) path() string {
	p := ex.r.URL.Path
	prefix := strings.TrimSuffix(ex.f.opts.ContextPath, "/")
	if prefix != "" && strings.HasPrefix(p, prefix) {
		p = p[len(prefix):]
	}
	if p == "" {
		p = "/"
	}
	return p
}

func (ex *exchange) authHeader() string {
	return strings.TrimSpace(ex.r.Header.Get("Authorization"))
}

// session returns the current session, or nil if the request has none.
// It never creates a session.
func (ex *exchange) session() *session.Session {
	if !ex.loaded {
		ex.loaded = true
		if sess, ok := ex.f.sessions.Get(ex.f.sessions.SessionID(ex.r)); ok {
			ex.sess = &sess
		}
	}
	return ex.sess
}

// ensureSession returns the current session, creating it and issuing the
// session cookie if needed.
func (ex *exchange) ensureSession() (*session.Session, error) {
	if sess := ex.session(); sess != nil {
		return sess, nil
	}

	sess, err := ex.f.sessions.Create()
	if err != nil {
		return nil, err
	}
	ex.f.sessions.SetCookie(ex.w, sess.ID)
	ex.sess = &sess
	return ex.sess, nil
}

// ID implements HTTPSession.
func (ex *exchange) ID() (string, error) {
	sess, err := ex.ensureSession()
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}

// ChangeID implements HTTPSession. The session keeps its content under a
// new id and the cookie is reissued.
func (ex *exchange) ChangeID() (string, error) {
	sess, err := ex.ensureSession()
	if err != nil {
		return "", err
	}

	renamed, err := ex.f.sessions.Rename(sess.ID)
	if err != nil {
		return "", err
	}
	ex.f.sessions.SetCookie(ex.w, renamed.ID)
	ex.sess = &renamed
	return renamed.ID, nil
}

// bind stores principal and account in the session and refreshes the snapshot.
func (ex *exchange) bind(sess *session.Session, principal *session.Principal, account *session.Account) error {
	if err := ex.f.sessions.Bind(sess.ID, principal, account); err != nil {
		return err
	}

	bound := *sess
	bound.Principal = principal
	bound.Account = account
	ex.sess = &bound
	ex.loaded = true
	ex.userChecked = true
	return nil
}

// invalidate destroys the current session and clears the session cookie.
func (ex *exchange) invalidate() {
	if sess := ex.session(); sess != nil {
		ex.f.sessions.Invalidate(sess.ID)
		ex.f.sessions.ClearCookie(ex.w)
	}
	ex.sess = nil
	ex.loaded = true
}

// sessionUser returns the principal of the current session. A local ticket
// that no longer validates destroys the session.
func (ex *exchange) sessionUser() *session.Principal {
	sess := ex.session()
	if sess == nil || sess.Principal == nil {
		return nil
	}

	user := sess.Principal
	if ex.userChecked || user.Ticket == "" || ex.f.local == nil {
		return user
	}
	ex.userChecked = true

	if _, err := ex.f.local.Validate(ex.ctx(), user.Ticket); err != nil {
		ex.f.logger.DebugContext(ex.ctx(), "session ticket no longer valid, invalidating session",
			"session_id", sess.ID,
			"error", err,
		)
		ex.invalidate()
		return nil
	}
	return user
}

// param returns the first value of a query or form body parameter.
func (ex *exchange) param(name string) string {
	return ex.parameters().Get(name)
}

func (ex *exchange) hasParam(name string) bool {
	return ex.parameters().Has(name)
}

// parameters merges query and form body parameters, query first. Form bodies
// up to the body buffer limit are read and restored for downstream handlers.
func (ex *exchange) parameters() url.Values {
	if ex.params != nil {
		return ex.params
	}

	values := ex.r.URL.Query()
	ex.params = values

	if ex.r.Method != http.MethodPost || ex.r.Body == nil || ex.r.Body == http.NoBody {
		return values
	}
	mediaType, _, err := mime.ParseMediaType(ex.r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/x-www-form-urlencoded" {
		return values
	}

	limit := ex.f.opts.BodyBufferLimit
	body := ex.r.Body
	buf, err := io.ReadAll(io.LimitReader(body, int64(limit)+1))

	restored := ex.r.WithContext(ex.r.Context())
	restored.Body = &replayBody{Reader: io.MultiReader(bytes.NewReader(buf), body), closer: body}
	ex.r = restored

	if err != nil || len(buf) > limit {
		ex.f.logger.DebugContext(ex.ctx(), "form body not buffered for parameter lookup", "limit", limit)
		return values
	}

	form, err := url.ParseQuery(string(buf))
	if err != nil {
		return values
	}
	for k, vs := range form {
		values[k] = append(values[k], vs...)
	}
	return values
}

// continueRequest returns the request to pass downstream, carrying the
// session identity if there is one.
func (ex *exchange) continueRequest() *http.Request {
	sess := ex.session()
	if sess == nil || sess.Principal == nil {
		return ex.r
	}

	return ex.r.WithContext(withIdentity(ex.ctx(), Identity{
		UserName:  sess.Principal.UserName,
		SessionID: sess.ID,
		Ticket:    sess.Principal.Ticket,
		Account:   sess.Account,
	}))
}

// replayBody replays the buffered prefix of a request body followed by the rest.
type replayBody struct {
	io.Reader
	closer io.Closer
}

func (b *replayBody) Close() error {
	return b.closer.Close()
}
